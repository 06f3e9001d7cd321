// Package cmd provides the CLI commands for tiercalc.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/tiercalc/internal/config"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	debug     bool
	logLevel  string
	logFormat string

	// cfg is loaded before any subcommand runs.
	cfg *domain.Config
)

// flagKeys maps command line flags onto configuration keys. Only flags the
// running command defines are bound.
var flagKeys = map[string]string{
	"debug":         "debug",
	"log-level":     "logging.level",
	"log-format":    "logging.format",
	"host":          "server.host",
	"port":          "server.port",
	"tables-dir":    "engine.tables_dir",
	"async-workers": "engine.async_workers",
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tiercalc",
	Short: "Tiered rule calculation engine",
	Long: `tiercalc computes values from tiered rule tables: a base value is adjusted
attribute by attribute, capped, checked against safety bounds and rounded once.

Examples:
  tiercalc serve --port 8080
  tiercalc compute --table premium.yaml --base 15000 --attr age=40 --attr role=employee
  tiercalc lint tables/*.yaml
  tiercalc replay cases.csv --url http://localhost:8080`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(computeCmd)
	rootCmd.AddCommand(lintCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig(cmd *cobra.Command, args []string) error {
	v, err := config.New(cfgFile)
	if err != nil {
		return err
	}

	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	cfg, err = config.Decode(v)
	if err != nil {
		return err
	}

	slog.SetDefault(config.NewLogger(cfg.Logging, cmd.ErrOrStderr()))
	return nil
}
