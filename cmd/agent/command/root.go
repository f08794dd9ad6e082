// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package command provides the root and sub-commands of the convoy agent.
// Commands are organized using the cobra library. The track sub-command
// runs the location pipeline for one trip, tiles prepares a route for
// offline use, buffer inspects the offline point queue and token mints a
// bearer token for a member.
//
//	./convoy-agent track --trip T --member alice [-c /path/of/config.yaml]
//	./convoy-agent tiles download --route route.json
//	./convoy-agent tiles status --route route.json
//	./convoy-agent buffer count --trip T
//	./convoy-agent token --user alice --name Alice
package command

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
)

// agent carries state shared by every sub-command of one invocation.
type agent struct {
	cfgPath string
	cfg     *config.Config
}

// NewRootCommand builds the command tree. Each call returns an independent
// tree, so tests can run commands side by side.
func NewRootCommand() *cobra.Command {
	a := &agent{}
	root := &cobra.Command{
		Use:   "convoy-agent",
		Short: "Member-side client for convoy trips",
		Long: `The convoy agent runs on a member's device. It samples the device
position, publishes it to the trip's presence channel and posts every
point to the server. While the connection is down, points are queued
in a local Badger store and synced in order once it returns. The agent
also downloads map tiles for a route corridor ahead of a trip, so the
map keeps working without coverage.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.loadConfig,
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file path")

	root.AddCommand(
		newTrackCommand(a),
		newTilesCommand(a),
		newBufferCommand(a),
		newTokenCommand(a),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the file named by --config, or else the one config.Load
// finds (CONFIG_PATH, then the default paths), and initializes logging.
func (a *agent) loadConfig(_ *cobra.Command, _ []string) error {
	var (
		cfg *config.Config
		err error
	)
	if a.cfgPath != "" {
		cfg, err = config.LoadFrom(a.cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("config.Load(%q): %w", a.cfgPath, err)
	}
	a.cfg = cfg

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})
	return nil
}
