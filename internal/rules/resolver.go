// Package rules provides the tiered rule calculation engine: attribute
// resolution, the ordered adjustment pipeline, safety enforcement and
// final formatting.
package rules

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by Resolve when no rule matches the value.
var ErrNotFound = errors.New("no matching rule")

// Resolve returns the first rule of attribute whose predicate matches raw.
// Numeric bands are inclusive on both ends and values outside every band are
// not clamped into the nearest one. Categories compare case-folded.
//
// A nil raw value resolves to ErrNotFound. A value that cannot be coerced to
// the dimension's type returns domain.ErrInvalidInput. On a dimension that has
// both categories and bands, a non-numeric value skips the bands.
func Resolve(table *domain.RuleTable, attribute string, raw any) (*domain.Rule, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: table is required", domain.ErrInvalidInput)
	}

	candidates := table.RulesFor(attribute)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: table %s has no rules for %q", ErrNotFound, table.ID, attribute)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %q is missing", ErrNotFound, candidates[0].InputKey())
	}

	var (
		number      *decimal.Decimal
		numberErr   error
		categorical bool
	)
	for _, rule := range candidates {
		if rule.Match.IsCategorical() {
			categorical = true
			category, err := toCategory(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", attribute, err)
			}
			if rule.Match.MatchesCategory(category) {
				return rule, nil
			}
			continue
		}

		if numberErr != nil {
			continue
		}
		if number == nil {
			d, err := toDecimal(raw)
			if err != nil {
				// Band rules cannot match; a category further on still may.
				numberErr = err
				continue
			}
			number = &d
		}
		if rule.Match.Contains(*number) {
			return rule, nil
		}
	}

	if numberErr != nil && !categorical {
		return nil, fmt.Errorf("%s: %w", attribute, numberErr)
	}
	return nil, fmt.Errorf("%w: %s=%v", ErrNotFound, attribute, raw)
}
