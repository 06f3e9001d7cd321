// Tiercalc - Tiered rule calculations with safety bounds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"os"

	"github.com/opensource-finance/tiercalc/cmd/tiercalc/cmd"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(Version, Commit, BuildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
