// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command tree for the rivet worker service.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rivetfw/rivet/pkg/config"
	"github.com/rivetfw/rivet/pkg/logger"
	"github.com/rivetfw/rivet/pkg/process"
	"github.com/rivetfw/rivet/pkg/versions"
)

const defaultPidfile = "rivet-worker.pid"

var (
	cfg        = config.NewViper("")
	configFile string
)

// NewRootCmd creates the root command for the worker service.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "rivet-worker",
		DisableAutoGenTag: true,
		Short:             "rivet-worker runs method handlers behind the dispatch fabric",
		Long: `rivet-worker accepts invocations from rivetd's dispatch fabric over
WebSocket or HTTP and runs the registered method handlers. Use "serve" for
a single foreground process or "start" to supervise one per CPU.`,
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
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	viper.Set("debug", settings.Debug)
	logger.Initialize()
	return settings, nil
}

func manager(settings *config.Settings) *process.Manager {
	pidfile := settings.PIDFile
	if pidfile == "" {
		pidfile = defaultPidfile
	}
	return process.NewManager(pidfile, settings.Processes)
}

func childArgs() []string {
	args := []string{"serve"}
	if len(os.Args) > 2 {
		args = append(args, os.Args[2:]...)
	}
	return args
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start worker processes under supervision",
		RunE: func(*cobra.Command, []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			return manager(settings).Start(childArgs())
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop running worker processes",
		RunE: func(*cobra.Command, []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			return manager(settings).Stop()
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart running worker processes",
		RunE: func(*cobra.Command, []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			return manager(settings).Restart(childArgs())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			cmd.Println(fmt.Sprintf("rivet-worker %s (commit %s, built %s, %s, %s)",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform))
		},
	}
}
