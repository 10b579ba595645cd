// Package main is the entry point for the hub identity server.
package main

import (
	"os"

	"github.com/Prophet73/aihub/cmd/hubd/app"
	"github.com/Prophet73/aihub/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
