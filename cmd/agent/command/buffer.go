// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBufferCommand(a *agent) *cobra.Command {
	var trip string
	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect the offline point buffer",
	}
	cmd.PersistentFlags().StringVar(&trip, "trip", "", "trip id; empty counts every trip")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print how many points wait for sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			buf, err := openBuffer(a.cfg)
			if err != nil {
				return err
			}
			defer buf.Close()
			n, err := buf.Count(cmd.Context(), trip)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every buffered point of a trip without syncing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if trip == "" {
				return fmt.Errorf("--trip is required")
			}
			buf, err := openBuffer(a.cfg)
			if err != nil {
				return err
			}
			defer buf.Close()
			if err := buf.Clear(cmd.Context(), trip); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared buffered points of trip %s\n", trip)
			return nil
		},
	}

	cmd.AddCommand(count, clearCmd)
	return cmd
}
