package rules

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

// step is a resolved pipeline stage. rule is nil when resolution failed.
type step struct {
	attribute string
	input     string
	raw       any
	rule      *domain.Rule
}

// Compute applies the rules of table to req.BaseValue, one attribute at a
// time in the given order. Every attribute in order produces exactly one
// entry in AppliedAdjustments.
//
// An attribute without a matching rule does not abort the calculation: it is
// recorded as a no-op step and flagged with an error alert. The only error
// returned is domain.ErrInvalidInput, raised before any step is applied.
// No rounding happens here; see Format.
func Compute(req *domain.CalculationRequest, table *domain.RuleTable, order []string) (*domain.CalculationResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", domain.ErrInvalidInput)
	}
	if table == nil {
		return nil, fmt.Errorf("%w: table is required", domain.ErrInvalidInput)
	}

	steps, err := resolveSteps(req, table, order)
	if err != nil {
		return nil, err
	}

	result := &domain.CalculationResult{
		BaseValue:          req.BaseValue,
		AppliedAdjustments: make([]domain.AppliedAdjustment, 0, len(steps)),
		Alerts:             []domain.Alert{},
		Attributes:         copyAttributes(req.Attributes),
	}

	current := req.BaseValue
	for _, s := range steps {
		applied := domain.AppliedAdjustment{
			Attribute:   s.attribute,
			BeforeValue: current,
		}

		if s.rule == nil {
			applied.Kind = domain.AdjustNone
			applied.AfterValue = current
			result.AppliedAdjustments = append(result.AppliedAdjustments, applied)
			result.Alerts = append(result.Alerts, notFoundAlert(s))
			continue
		}

		next := s.rule.Adjustment.Apply(current)
		if clamped, side := s.rule.Cap.Clamp(next); side != "" {
			next = clamped
			applied.Capped = true
			result.Alerts = append(result.Alerts, capAlert(s, side, clamped))
		}
		if s.rule.Note != "" {
			result.Alerts = append(result.Alerts, domain.Alert{
				Severity: domain.SeverityInfo,
				Code:     domain.AlertRuleNote,
				Message:  s.rule.Note,
				RuleID:   s.rule.ID,
			})
		}

		applied.RuleID = s.rule.ID
		applied.Kind = s.rule.Adjustment.Kind()
		applied.AfterValue = next
		result.AppliedAdjustments = append(result.AppliedAdjustments, applied)
		current = next
	}

	result.FinalValue = current
	return result, nil
}

// resolveSteps resolves every attribute up front so malformed input is
// rejected before any adjustment is applied.
func resolveSteps(req *domain.CalculationRequest, table *domain.RuleTable, order []string) ([]step, error) {
	steps := make([]step, 0, len(order))
	for _, attribute := range order {
		s := step{attribute: attribute, input: attribute}
		if candidates := table.RulesFor(attribute); len(candidates) > 0 {
			s.input = candidates[0].InputKey()
		}
		s.raw = req.Attributes[s.input]

		rule, err := Resolve(table, attribute, s.raw)
		switch {
		case err == nil:
			s.rule = rule
		case errors.Is(err, ErrNotFound):
		default:
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func notFoundAlert(s step) domain.Alert {
	msg := fmt.Sprintf("no %s rule matches %v", s.attribute, s.raw)
	if s.raw == nil {
		msg = fmt.Sprintf("%s is required to resolve %s", s.input, s.attribute)
	}
	return domain.Alert{
		Severity: domain.SeverityError,
		Code:     domain.AlertRuleNotFound,
		Message:  msg,
	}
}

func capAlert(s step, side string, bound decimal.Decimal) domain.Alert {
	code, label := domain.AlertCapMax, "maximum"
	if side == "min" {
		code, label = domain.AlertCapMin, "minimum"
	}
	return domain.Alert{
		Severity: domain.SeverityWarning,
		Code:     code,
		Message:  fmt.Sprintf("%s capped at %s %s by rule %s", s.attribute, label, bound.String(), s.rule.ID),
		RuleID:   s.rule.ID,
	}
}

func copyAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
