package main

import (
	"errors"
	"fmt"

	"github.com/lumadb/sqlcluster/pkg/api"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with auth.secret",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, map[string]string{"ttl": "auth.token_ttl"})
		if err != nil {
			return err
		}
		auth := api.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.TokenTTL)
		if auth == nil {
			return errors.New("auth.secret is not set")
		}
		subject, _ := cmd.Flags().GetString("subject")
		token, err := auth.IssueToken(subject)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "admin", "token subject")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
}
