// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rivetfw/rivet/pkg/config"
	"github.com/rivetfw/rivet/pkg/process"
)

const defaultPidfile = "rivetd.pid"

func manager(settings *config.Settings) *process.Manager {
	pidfile := settings.PIDFile
	if pidfile == "" {
		pidfile = defaultPidfile
	}
	return process.NewManager(pidfile, settings.Processes)
}

// childArgs rebuilds the command line for spawned worker processes: the
// flags given to start, replayed under serve.
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
		Short: "Start the service as supervised background processes",
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
		Short: "Stop a running service",
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
		Short: "Restart a running service",
		RunE: func(*cobra.Command, []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			return manager(settings).Restart(childArgs())
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the status of supervised processes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			statuses, err := manager(settings).Status()
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				cmd.Println("not running")
				return nil
			}
			for _, st := range statuses {
				state := "dead"
				if st.Alive {
					state = "alive"
				}
				cmd.Println(fmt.Sprintf("%s\tpid %d\t%s", st.Pidfile, st.PID, state))
			}
			return nil
		},
	}
}
