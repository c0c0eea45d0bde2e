// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command tree for the rivetd API service.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rivetfw/rivet/pkg/config"
	"github.com/rivetfw/rivet/pkg/logger"
)

var (
	cfg        = config.NewViper("")
	configFile string
)

// NewRootCmd creates the root command for the rivetd service.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "rivetd",
		DisableAutoGenTag: true,
		Short:             "rivetd serves the rivet HTTP and WebSocket API",
		Long: `rivetd serves the rivet HTTP and WebSocket API: method dispatch with
sessions and HMAC signing, the event hub, and the worker dispatch fabric.

Run it in the foreground with "serve", or supervise a set of processes
with "start", "stop", and "restart".`,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if configFile != "" {
				cfg.SetConfigFile(configFile)
			}
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	if err := config.RegisterFlags(rootCmd.PersistentFlags(), cfg); err != nil {
		logger.Fatalf("Failed to register flags: %v", err)
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(restartCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// loadSettings reads the merged configuration and brings up logging.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	viper.Set("debug", settings.Debug)
	logger.Initialize()
	return settings, nil
}
