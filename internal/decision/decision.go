// Package decision turns calculation results into caller-facing verdicts.
// The processor aggregates the alerts of a result and records the
// calculation with its decision and timing metadata.
package decision

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

// EngineVersion is stamped on every recorded calculation.
const EngineVersion = "tiercalc-1.0"

// Processor aggregates alerts and produces a final decision.
type Processor struct {
	// ReviewOnWarning sends results with warnings to manual review. When
	// false, warnings are reported but the result is approved.
	ReviewOnWarning bool

	// BlockCodes lists alert codes that block regardless of severity.
	BlockCodes map[string]bool
}

// NewProcessor creates a processor with default settings.
func NewProcessor() *Processor {
	return &Processor{
		ReviewOnWarning: true,
		BlockCodes:      map[string]bool{},
	}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	TenantID  string
	Table     *domain.RuleTable
	SubjectID string
	TraceID   string
	Request   domain.CalculationRequest
	Result    *domain.CalculationResult

	// Amount overrides the value attributed to the subject. Defaults to the
	// final value of the result.
	Amount *decimal.Decimal

	Async     bool
	StartTime time.Time
}

// Process evaluates a result and produces the recorded calculation.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.Calculation {
	calc := &domain.Calculation{
		ID:        uuid.New().String(),
		TenantID:  input.TenantID,
		SubjectID: input.SubjectID,
		Request:   input.Request,
		Result:    input.Result,
		CreatedAt: time.Now().UTC(),
	}
	if input.Table != nil {
		calc.TableID = input.Table.ID
		calc.TableVersion = input.Table.Version
		calc.Kind = input.Table.Kind
	}

	switch {
	case input.Amount != nil:
		calc.Amount = *input.Amount
	case input.Result != nil:
		calc.Amount = input.Result.FinalValue
	}

	var alerts []domain.Alert
	if input.Result != nil {
		alerts = input.Result.Alerts
	}
	calc.Decision = p.ProcessAlerts(alerts)

	start := input.StartTime
	if start.IsZero() {
		start = calc.CreatedAt
	}
	calc.Metadata = domain.CalculationMetadata{
		TraceID:       input.TraceID,
		ComputeMs:     time.Since(start).Milliseconds(),
		Async:         input.Async,
		EngineVersion: EngineVersion,
		Attributed:    input.Amount != nil,
	}

	return calc
}

// ProcessAlerts derives a decision from alerts alone. Any error alert blocks,
// warnings send the value to review, and info alerts never change the status.
func (p *Processor) ProcessAlerts(alerts []domain.Alert) *domain.Decision {
	agg := p.aggregate(alerts)

	d := &domain.Decision{Status: domain.DecisionApproved, Reasons: agg.Reasons}
	switch {
	case agg.Errors > 0:
		d.Status = domain.DecisionBlocked
		d.Blocked = true
	case agg.Warnings > 0 && p.ReviewOnWarning:
		d.Status = domain.DecisionReview
	}
	return d
}

// AggregateResult holds alert counts by severity.
type AggregateResult struct {
	Errors   int
	Warnings int
	Infos    int
	Reasons  []string
}

func (p *Processor) aggregate(alerts []domain.Alert) *AggregateResult {
	agg := &AggregateResult{}
	for _, a := range alerts {
		severity := a.Severity
		if p.BlockCodes[a.Code] {
			severity = domain.SeverityError
		}

		switch severity {
		case domain.SeverityError:
			agg.Errors++
		case domain.SeverityWarning:
			agg.Warnings++
		default:
			agg.Infos++
			continue
		}
		if a.Message != "" {
			agg.Reasons = append(agg.Reasons, a.Message)
		}
	}
	return agg
}

// ShouldBlock returns true if the calculation must not be used as is.
func ShouldBlock(calc *domain.Calculation) bool {
	return calc.Decision != nil && calc.Decision.Blocked
}

// GetReasons extracts human-readable reasons from a calculation.
func GetReasons(calc *domain.Calculation) []string {
	if calc.Decision == nil {
		return nil
	}
	return calc.Decision.Reasons
}
