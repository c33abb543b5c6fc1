package main

import (
	"fmt"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/services"

	"github.com/spf13/cobra"
)

func newTokenCommand(flags *globalFlags) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if username == "" {
				username = args[0]
			}

			auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, nil)
			token, err := auth.GenerateToken(domain.UserID(args[0]), username)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "display name carried in the token (defaults to the user id)")
	return cmd
}
