package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/checkout"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/config"
)

// newTokenCmd issues a bearer token signed with JWT_SECRET, for staff tooling.
func newTokenCmd(envFile *string) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			token, err := checkout.NewAuthenticator(cfg.JWTSecret).Issue(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (customer id or staff name)")
	cmd.Flags().StringVar(&role, "role", checkout.RoleStaff, "token role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
