// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomtom215/convoy/internal/auth"
)

func newTokenCommand(a *agent) *cobra.Command {
	var user, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a member",
		Long: `Token signs an HS256 token with security.jwt_secret, valid for
security.token_ttl. The server accepts it as a bearer token or, for the
presence websocket, as the access_token query parameter.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := auth.NewJWTManager(&a.cfg.Security)
			if err != nil {
				return err
			}
			if name == "" {
				name = user
			}
			token, err := m.GenerateToken(user, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "member id (token subject)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
