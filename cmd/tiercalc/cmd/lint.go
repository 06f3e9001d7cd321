package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/loader"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/spf13/cobra"
)

var errLintFailed = errors.New("lint found errors")

// lintCmd checks rule table files for overlaps, gaps and invalid rules
var lintCmd = &cobra.Command{
	Use:   "lint FILE...",
	Short: "Check rule table files for overlaps, gaps and errors",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLint,
}

func runLint(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := false

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		tables, err := loader.Decode(data)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			failed = true
			continue
		}

		for _, table := range tables {
			findings := rules.Lint(table)
			if len(findings) == 0 {
				fmt.Fprintf(out, "%s: %s ok\n", path, table.ID)
				continue
			}
			for _, f := range findings {
				if f.Severity == domain.SeverityError {
					failed = true
				}
				location := table.ID
				if f.Attribute != "" {
					location += "." + f.Attribute
				}
				if f.RuleID != "" {
					location += "/" + f.RuleID
				}
				fmt.Fprintf(out, "%s: %s [%s] %s\n", path, location, f.Severity, f.Message)
			}
		}
	}

	if failed {
		return errLintFailed
	}
	return nil
}
