package rules

import (
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func multiplier(s string) domain.Adjustment {
	return domain.Adjustment{Multiplier: decp(s)}
}

func band(min, max string) domain.Predicate {
	var p domain.Predicate
	if min != "" {
		p.Min = decp(min)
	}
	if max != "" {
		p.Max = decp(max)
	}
	return p
}

func category(name string) domain.Predicate {
	return domain.Predicate{Equals: name}
}

// premiumTable mirrors the employee insurance pricing tiers.
func premiumTable() *domain.RuleTable {
	return &domain.RuleTable{
		ID:        "premium",
		TenantID:  domain.GlobalTenantID,
		Name:      "Insurance premium",
		Version:   "1",
		Kind:      "premium",
		Precision: 0,
		Enabled:   true,
		Order:     []string{"role", "age", "location"},
		Rules: []domain.Rule{
			{ID: "role-employee", Attribute: "role", Match: category("employee"), Adjustment: multiplier("1.0")},
			{ID: "role-dependent", Attribute: "role", Match: category("dependent"), Adjustment: multiplier("0.8")},
			{ID: "role-senior", Attribute: "role", Match: category("senior_citizen"), Adjustment: multiplier("1.8")},
			{ID: "role-student", Attribute: "role", Match: category("student"), Adjustment: multiplier("0.6")},

			{ID: "age-18-25", Attribute: "age", Match: band("18", "25"), Adjustment: multiplier("0.8")},
			{ID: "age-26-35", Attribute: "age", Match: band("26", "35"), Adjustment: multiplier("1.0")},
			{ID: "age-36-45", Attribute: "age", Match: band("36", "45"), Adjustment: multiplier("1.2")},
			{ID: "age-46-55", Attribute: "age", Match: band("46", "55"), Adjustment: multiplier("1.5")},
			{ID: "age-56-65", Attribute: "age", Match: band("56", "65"), Adjustment: multiplier("1.8")},
			{ID: "age-66-plus", Attribute: "age", Match: band("66", ""), Adjustment: multiplier("2.2")},

			{ID: "loc-metro", Attribute: "location", Match: category("metro"), Adjustment: multiplier("1.2")},
			{ID: "loc-tier1", Attribute: "location", Match: category("tier1"), Adjustment: multiplier("1.0")},
			{ID: "loc-tier2", Attribute: "location", Match: category("tier2"), Adjustment: multiplier("0.85")},
			{ID: "loc-tier3", Attribute: "location", Match: category("tier3"), Adjustment: multiplier("0.7")},

			{ID: "family-small", Attribute: "family_size", Input: "familySize", Match: band("1", "2"), Adjustment: multiplier("1.0")},
			{ID: "family-3", Attribute: "family_size", Input: "familySize", Match: band("3", "3"), Adjustment: multiplier("0.90")},
			{ID: "family-4-plus", Attribute: "family_size", Input: "familySize", Match: band("4", ""), Adjustment: multiplier("0.85")},

			{ID: "package-premium", Attribute: "package_discount", Input: "package", Match: category("premium"),
				Adjustment: domain.Adjustment{PercentDiscount: decp("10")}},
			{ID: "loading-smoker", Attribute: "loading", Input: "smoker", Match: category("true"),
				Adjustment: domain.Adjustment{FixedAmount: decp("2500")}},
			{ID: "loading-none", Attribute: "loading", Input: "smoker", Match: category("false"),
				Adjustment: domain.Adjustment{FixedAmount: decp("0")}},
		},
	}
}

// dosingTable is a two drug weight-based formulary.
func dosingTable() *domain.RuleTable {
	return &domain.RuleTable{
		ID:        "dosing",
		TenantID:  domain.GlobalTenantID,
		Name:      "Pediatric dosing",
		Version:   "1",
		Kind:      "dosing",
		Precision: 1,
		Enabled:   true,
		Order:     []string{"weight_band", "drug"},
		Rules: []domain.Rule{
			{ID: "weight-plausible", Attribute: "weight_band", Input: "weight", Match: band("0.5", "150"), Adjustment: multiplier("1")},
			{ID: "drug-acetaminophen", Attribute: "drug", Match: category("acetaminophen"), Adjustment: multiplier("15"),
				Cap: &domain.Cap{Max: decp("1000")}},
			{ID: "drug-ibuprofen", Attribute: "drug", Match: category("ibuprofen"), Adjustment: multiplier("10"),
				Cap: &domain.Cap{Min: decp("50"), Max: decp("400")}},
		},
		SafetyRules: []domain.SafetyRule{
			{
				ID:        "acetaminophen-min-age",
				Condition: `attrs.drug == "acetaminophen" && has(attrs.age_months) && attrs.age_months < 3.0`,
				Critical:  true,
				AlertCode: "BELOW_MIN_AGE",
				Message:   "patient is below minimum age of 3 months for acetaminophen",
			},
			{
				ID:        "acetaminophen-absolute-max",
				Condition: `attrs.drug == "acetaminophen"`,
				Bound:     decp("1000"),
				Direction: domain.DirectionCeiling,
				Critical:  true,
				AlertCode: "ABOVE_MAX_DOSE",
			},
		},
	}
}

func request(base string, attrs map[string]any) *domain.CalculationRequest {
	return &domain.CalculationRequest{BaseValue: dec(base), Attributes: attrs}
}
