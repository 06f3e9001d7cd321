package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// SetVersionInfo records the build information printed by the version
// command and reported by the server.
func SetVersionInfo(v, c, d string) {
	version, commit, buildDate = v, c, d
}

// versionCmd prints version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tiercalc %s (commit %s, built %s)\n", version, commit, buildDate)
	},
}
