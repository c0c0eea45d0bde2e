// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the rivetd API service.
package main

import (
	"os"

	"github.com/rivetfw/rivet/cmd/rivetd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
