// Package calculators provides the domain calculators built on the rules
// engine: weight-based dosing, insurance premium pricing, co-payment and
// GST tax. Each calculator turns its configuration into a rule table at
// construction and is safe for concurrent use afterwards.
package calculators

import (
	"sort"
	"strings"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

// Table kinds used for the built-in tables.
const (
	KindDosing   = "dosing"
	KindPremium  = "premium"
	KindCopay    = "copay"
	KindCoverage = "coverage"
	KindTax      = "tax"
)

var hundred = decimal.NewFromInt(100)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(v decimal.Decimal) *decimal.Decimal {
	return &v
}

// percent converts a percentage into a multiplier.
func percent(p decimal.Decimal) *decimal.Decimal {
	return ptr(p.Div(hundred))
}

// normalize is the key form used for categorical attributes.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func intBand(min, max int) domain.Predicate {
	p := domain.Predicate{Min: ptr(decimal.NewFromInt(int64(min)))}
	if max > 0 {
		p.Max = ptr(decimal.NewFromInt(int64(max)))
	}
	return p
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tables returns the rule tables of every built-in calculator so they can be
// stored and served through the generic calculation API.
func Tables() []*domain.RuleTable {
	return []*domain.RuleTable{
		DefaultFormulary().Table(),
		EmergencyFormulary().Table(),
		DefaultPremiumPlan().Table(),
		DefaultCopayPlan().CopayTable(),
		DefaultCopayPlan().CoverageTable(),
		DefaultGSTSchedule().Table(),
	}
}

// Suite bundles one calculator of each kind.
type Suite struct {
	Dosing    *DosingCalculator
	Emergency *DosingCalculator
	Premium   *PremiumCalculator
	Copay     *CopayCalculator
	Tax       *TaxCalculator
}

// NewSuite builds the calculators from the default formularies, plans and
// schedule.
func NewSuite() (*Suite, error) {
	var (
		s   Suite
		err error
	)
	if s.Dosing, err = NewDosingCalculator(DefaultFormulary()); err != nil {
		return nil, err
	}
	if s.Emergency, err = NewDosingCalculator(EmergencyFormulary()); err != nil {
		return nil, err
	}
	if s.Premium, err = NewPremiumCalculator(DefaultPremiumPlan()); err != nil {
		return nil, err
	}
	if s.Copay, err = NewCopayCalculator(DefaultCopayPlan()); err != nil {
		return nil, err
	}
	if s.Tax, err = NewTaxCalculator(DefaultGSTSchedule()); err != nil {
		return nil, err
	}
	return &s, nil
}
