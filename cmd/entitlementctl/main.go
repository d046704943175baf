// Command entitlementctl runs schema migrations and issues operator tokens.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/docgen/entitlement-api/internal/config"
	"github.com/docgen/entitlement-api/internal/pkg/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "entitlementctl",
		Short:         "Operate the entitlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := config.Load()
			logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})
		},
	}

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newTokenCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
