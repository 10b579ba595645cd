package app

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Prophet73/aihub/pkg/logger"
	"github.com/Prophet73/aihub/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		v := viper.GetViper()
		v.SetEnvPrefix("hub")
		v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		v.AutomaticEnv()

		dsn := v.GetString("database-dsn")
		if dsn == "" {
			return fmt.Errorf("HUB_DATABASE_DSN is required")
		}

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := storage.Migrate(db); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Infow("migrations applied")
		return nil
	},
}
