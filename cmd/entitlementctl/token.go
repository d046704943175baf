package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docgen/entitlement-api/internal/config"
	"github.com/docgen/entitlement-api/internal/pkg/jwt"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage operator tokens",
	}

	var (
		subject string
		role    string
		ttl     time.Duration
		secret  string
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed operator token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != jwt.RoleAdmin && role != jwt.RoleService {
				return fmt.Errorf("role must be %q or %q", jwt.RoleAdmin, jwt.RoleService)
			}

			cfg := config.Load()
			if secret == "" {
				secret = cfg.JWTSecret
			}

			token, err := jwt.NewService(secret, cfg.JWTAccessTTL).GenerateAccessToken(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "Operator id recorded on audit rows")
	issue.Flags().StringVar(&role, "role", jwt.RoleAdmin, "Token role (admin or service)")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	issue.Flags().StringVar(&secret, "secret", "", "Signing secret (defaults to JWT_SECRET)")
	_ = issue.MarkFlagRequired("subject")

	cmd.AddCommand(issue)
	return cmd
}
