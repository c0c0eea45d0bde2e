// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the rivet worker service.
package main

import (
	"os"

	"github.com/rivetfw/rivet/cmd/rivet-worker/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
