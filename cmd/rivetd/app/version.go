// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rivetfw/rivet/pkg/versions"
)

func versionCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if outputJSON {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to render version info: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Println(fmt.Sprintf("rivetd %s (commit %s, built %s, %s, %s)",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform))
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "print version as JSON")
	return cmd
}
