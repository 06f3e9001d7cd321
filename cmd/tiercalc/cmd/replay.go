package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// attrColumnPrefix marks CSV columns holding request attributes.
const attrColumnPrefix = "attr."

var errReplayMismatch = errors.New("replay found mismatches")

var replayOpts struct {
	url     string
	tenant  string
	workers int
	limit   int
	verbose bool
}

// replayCmd sends recorded cases to a running server and checks the answers
var replayCmd = &cobra.Command{
	Use:   "replay CASES.csv",
	Short: "Replay calculation cases against a running server",
	Long: `Replay reads a CSV of calculation cases, sends each one to POST /calculate
and compares the answer with the expected value and status.

Columns: table, base, expected (optional), status (optional) and one
attr.<name> column per attribute. Empty attribute cells are left out.`,
	Example: `  table,base,expected,status,attr.drug,attr.weight,attr.age_months
  pediatric-dosing,18,270,APPROVED,acetaminophen,18,
  pediatric-dosing,18,270,BLOCKED,acetaminophen,18,1`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.url, "url", "http://localhost:8080", "tiercalc base URL")
	f.StringVar(&replayOpts.tenant, "tenant", "replay", "tenant ID for requests")
	f.IntVar(&replayOpts.workers, "workers", 10, "number of concurrent workers")
	f.IntVar(&replayOpts.limit, "limit", 0, "maximum cases to replay (0 = all)")
	f.BoolVar(&replayOpts.verbose, "verbose", false, "print each case result")
}

// ReplayCase is one row of a replay file.
type ReplayCase struct {
	Line       int
	TableID    string
	BaseValue  decimal.Decimal
	Attributes map[string]any

	// Expected and Status are checked only when set.
	Expected *decimal.Decimal
	Status   string
}

// ReplayMetrics tracks replay results
type ReplayMetrics struct {
	TotalProcessed int64
	Matched        int64
	Mismatched     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func runReplay(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	cases, err := readCases(file, replayOpts.limit)
	if err != nil {
		return fmt.Errorf("failed to read cases: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	if err := checkHealth(cmd.Context(), client, replayOpts.url); err != nil {
		return fmt.Errorf("tiercalc not reachable at %s: %w", replayOpts.url, err)
	}

	fmt.Fprintf(out, "Replaying %d cases against %s with %d workers\n", len(cases), replayOpts.url, replayOpts.workers)

	start := time.Now()
	metrics := replayCases(cmd.Context(), client, replayOpts.url, replayOpts.tenant, cases, replayOpts.workers, func(line string) {
		if replayOpts.verbose {
			fmt.Fprintln(out, line)
		}
	})
	printReplayResults(out, metrics, time.Since(start))

	if metrics.Mismatched > 0 || metrics.TotalErrors > 0 {
		return errReplayMismatch
	}
	return nil
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCases parses a replay file. Rows with an unparseable base or expected
// value are rejected with their line number.
func readCases(r io.Reader, limit int) ([]ReplayCase, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"table", "base"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("%w: missing %q column", domain.ErrInvalidInput, required)
		}
	}

	cell := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var cases []ReplayCase
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		base, err := decimal.NewFromString(cell(record, "base"))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: base is not a number", domain.ErrInvalidInput, line)
		}

		c := ReplayCase{
			Line:       line,
			TableID:    cell(record, "table"),
			BaseValue:  base,
			Attributes: make(map[string]any),
			Status:     strings.ToUpper(cell(record, "status")),
		}
		if raw := cell(record, "expected"); raw != "" {
			expected, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: expected is not a number", domain.ErrInvalidInput, line)
			}
			c.Expected = &expected
		}
		for col, i := range colIndex {
			name, ok := strings.CutPrefix(col, attrColumnPrefix)
			if !ok || i >= len(record) {
				continue
			}
			if v := strings.TrimSpace(record[i]); v != "" {
				c.Attributes[name] = attributeValue(v)
			}
		}

		cases = append(cases, c)
		if limit > 0 && len(cases) >= limit {
			break
		}
	}
	return cases, nil
}

// replayCases fans the cases out to workers and tallies the outcomes. report
// receives one line per case, never concurrently.
func replayCases(ctx context.Context, client *http.Client, baseURL, tenantID string, cases []ReplayCase, numWorkers int, report func(string)) *ReplayMetrics {
	metrics := &ReplayMetrics{}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	var reportMu sync.Mutex
	emit := func(line string) {
		reportMu.Lock()
		defer reportMu.Unlock()
		report(line)
	}

	work := make(chan ReplayCase, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				start := time.Now()
				resp, err := sendCase(ctx, client, baseURL, tenantID, c)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					emit(fmt.Sprintf("ERROR line %d %s: %v", c.Line, c.TableID, err))
					continue
				}

				mark := "ok"
				if matches(c, resp) {
					atomic.AddInt64(&metrics.Matched, 1)
				} else {
					atomic.AddInt64(&metrics.Mismatched, 1)
					mark = "MISMATCH"
				}
				emit(fmt.Sprintf("%-8s line %d %s: %s %s", mark, c.Line, c.TableID, resp.FinalValue, resp.Status))
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)
	wg.Wait()

	return metrics
}

func matches(c ReplayCase, resp *domain.CalculationResponse) bool {
	if c.Expected != nil && !resp.FinalValue.Equal(*c.Expected) {
		return false
	}
	if c.Status != "" && resp.Status != c.Status {
		return false
	}
	return true
}

func sendCase(ctx context.Context, client *http.Client, baseURL, tenantID string, c ReplayCase) (*domain.CalculationResponse, error) {
	body, err := json.Marshal(map[string]any{
		"tableId":    c.TableID,
		"baseValue":  c.BaseValue,
		"attributes": c.Attributes,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/calculate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.CalculationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printReplayResults(out io.Writer, m *ReplayMetrics, duration time.Duration) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Processed:   %d\n", m.TotalProcessed)
	fmt.Fprintf(out, "Matched:     %d\n", m.Matched)
	fmt.Fprintf(out, "Mismatched:  %d\n", m.Mismatched)
	fmt.Fprintf(out, "Errors:      %d\n", m.TotalErrors)
	fmt.Fprintf(out, "Duration:    %s\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Fprintf(out, "Avg latency: %.2fms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Fprintf(out, "Throughput:  %.1f calc/s\n", float64(m.TotalProcessed)/duration.Seconds())
	}
}
