package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/config"
)

func newTokenCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		userID int64
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with RELAY_JWT_SECRET (development only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Production() {
				return fmt.Errorf("token issuance is disabled when RELAY_ENV=%s", cfg.Env)
			}
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			signer, err := auth.NewSigner(cfg.JWTSecret, cfg.JWTIssuer)
			if err != nil {
				return err
			}
			tok, err := signer.Issue(auth.Principal{ID: userID, Role: r}, ttl)
			if err != nil {
				return err
			}
			cmd.Println(tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "principal id")
	cmd.Flags().StringVar(&role, "role", "CLIENT", "ADMIN, SUPPORT or CLIENT")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
