package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opensource-finance/tiercalc/internal/decision"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/loader"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// errBlocked is returned when a computed value carries error alerts.
var errBlocked = errors.New("calculation blocked by error alerts")

var computeOpts struct {
	tableFile string
	tableID   string
	base      string
	attrs     []string
	order     []string
	precision int32
	rounding  string
	format    string
}

// computeCmd runs one calculation against a table file without a server
var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Calculate a value against a rule table file",
	Example: `  tiercalc compute --table dosing.yaml --base 18 --attr drug=acetaminophen
  tiercalc compute --table premium.yaml --id premium --base 21600 \
    --attr role=spouse --attr age=45 --attr location=metro --order role,age,location`,
	Args: cobra.NoArgs,
	RunE: runCompute,
}

func init() {
	f := computeCmd.Flags()
	f.StringVar(&computeOpts.tableFile, "table", "", "YAML or JSON rule table file (required)")
	f.StringVar(&computeOpts.tableID, "id", "", "table id, when the file holds several tables")
	f.StringVar(&computeOpts.base, "base", "", "base value (required)")
	f.StringArrayVar(&computeOpts.attrs, "attr", nil, "attribute as key=value (repeatable)")
	f.StringSliceVar(&computeOpts.order, "order", nil, "adjustment order overriding the table's")
	f.Int32Var(&computeOpts.precision, "precision", 0, "decimal places overriding the table's")
	f.StringVar(&computeOpts.rounding, "rounding", "", "rounding mode: half_up, half_even, up, down, ceil or floor")
	f.StringVar(&computeOpts.format, "format", "text", "output format: text or json")
	_ = computeCmd.MarkFlagRequired("table")
	_ = computeCmd.MarkFlagRequired("base")
}

func runCompute(cmd *cobra.Command, args []string) error {
	tables, err := loader.LoadFile(computeOpts.tableFile)
	if err != nil {
		return err
	}
	table, err := pickTable(tables, computeOpts.tableID)
	if err != nil {
		return err
	}

	base, err := decimal.NewFromString(computeOpts.base)
	if err != nil {
		return fmt.Errorf("%w: base %q is not a number", domain.ErrInvalidInput, computeOpts.base)
	}
	attrs, err := parseAttributes(computeOpts.attrs)
	if err != nil {
		return err
	}

	ct, err := rules.Compile(table)
	if err != nil {
		return err
	}

	opts := rules.CalculateOptions{
		Order:    computeOpts.order,
		Rounding: domain.RoundingMode(computeOpts.rounding),
	}
	if cmd.Flags().Changed("precision") {
		opts.Precision = &computeOpts.precision
	}

	result, err := ct.Run(&domain.CalculationRequest{BaseValue: base, Attributes: attrs}, opts)
	if err != nil {
		return err
	}

	verdict := decision.NewProcessor().ProcessAlerts(result.Alerts)

	out := cmd.OutOrStdout()
	switch computeOpts.format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{
			"tableId":  table.ID,
			"version":  table.Version,
			"result":   result,
			"decision": verdict,
		}); err != nil {
			return err
		}
	case "text":
		printResult(out, table, result, verdict)
	default:
		return fmt.Errorf("%w: unknown format %q", domain.ErrInvalidInput, computeOpts.format)
	}

	if verdict.Status == domain.DecisionBlocked {
		return errBlocked
	}
	return nil
}

// pickTable selects the table to calculate against. A file with one table
// needs no id.
func pickTable(tables []*domain.RuleTable, id string) (*domain.RuleTable, error) {
	if id == "" {
		if len(tables) == 1 {
			return tables[0], nil
		}
		return nil, fmt.Errorf("%w: file holds %d tables, choose one with --id", domain.ErrInvalidInput, len(tables))
	}
	for _, t := range tables {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrTableNotFound, id)
}

// parseAttributes turns key=value pairs into request attributes.
func parseAttributes(pairs []string) (map[string]any, error) {
	attrs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: attribute %q is not key=value", domain.ErrInvalidInput, pair)
		}
		attrs[key] = attributeValue(value)
	}
	return attrs, nil
}

// attributeValue reads numeric text as a JSON number, the way request bodies
// are decoded, so safety conditions compare it as a number.
func attributeValue(s string) any {
	s = strings.TrimSpace(s)
	if _, err := decimal.NewFromString(s); err == nil {
		return json.Number(s)
	}
	return s
}

func printResult(out io.Writer, table *domain.RuleTable, result *domain.CalculationResult, verdict *domain.Decision) {
	fmt.Fprintf(out, "Table:    %s (version %s)\n", table.ID, table.Version)
	fmt.Fprintf(out, "Base:     %s\n", result.BaseValue)
	for _, adj := range result.AppliedAdjustments {
		fmt.Fprintf(out, "  %-12s %-10s %-16s %s -> %s\n",
			adj.Attribute, adj.Kind, adj.RuleID, adj.BeforeValue, adj.AfterValue)
	}
	fmt.Fprintf(out, "Value:    %s\n", result.FinalValue)
	fmt.Fprintf(out, "Decision: %s\n", verdict.Status)
	for _, a := range result.Alerts {
		fmt.Fprintf(out, "  [%s] %s: %s\n", a.Severity, a.Code, a.Message)
	}
}
