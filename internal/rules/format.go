package rules

import (
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

// Format rounds the final value half away from zero to precision decimal
// places. It is the single rounding step of a calculation; the trace and
// alerts are kept untouched.
func Format(result *domain.CalculationResult, precision int32) *domain.CalculationResult {
	return FormatWith(result, precision, domain.RoundHalfUp)
}

// FormatWith rounds using the given mode. An empty mode means RoundHalfUp.
// Rounding an already rounded result is a no-op.
func FormatWith(result *domain.CalculationResult, precision int32, mode domain.RoundingMode) *domain.CalculationResult {
	out := result.Clone()
	out.FinalValue = Round(out.FinalValue, precision, mode)
	out.Precision = &precision
	return out
}

// Round rounds v to precision places.
func Round(v decimal.Decimal, precision int32, mode domain.RoundingMode) decimal.Decimal {
	switch mode {
	case domain.RoundHalfEven:
		return v.RoundBank(precision)
	case domain.RoundUp:
		return v.RoundUp(precision)
	case domain.RoundDown:
		return v.RoundDown(precision)
	case domain.RoundCeil:
		return v.RoundCeil(precision)
	case domain.RoundFloor:
		return v.RoundFloor(precision)
	default:
		return v.Round(precision)
	}
}
