// Package app provides the entry point for the hubd command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Prophet73/aihub/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "hubd",
	DisableAutoGenTag: true,
	Short:             "hubd is the identity and access core of the application hub",
	Long: `hubd serves the OAuth2/OIDC provider of the corporate application hub:
single sign-on against the upstream corporate IDP, token issuance for the
registered internal applications, per-user and per-group access control, and
the admin API for users, groups and applications.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the hubd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	return rootCmd
}
