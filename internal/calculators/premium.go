package calculators

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/shopspring/decimal"
)

// AlertPremiumFloor is raised when discounts push a premium below the plan floor.
const AlertPremiumFloor = "PREMIUM_FLOOR"

// Package is a sellable insurance package.
type Package struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	BasePrice decimal.Decimal `json:"basePrice"`
	Discount  decimal.Decimal `json:"discountPercent"`
}

// Role prices the relationship of the insured to the policy holder.
type Role struct {
	ID         string          `json:"id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Discount   decimal.Decimal `json:"discountPercent"`
}

// Tier is a multiplier attached to a category or an integer band.
type Tier struct {
	ID         string          `json:"id"`
	Category   string          `json:"category,omitempty"`
	Min        int             `json:"min,omitempty"`
	Max        int             `json:"max,omitempty"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// PremiumPlan holds every pricing dimension of an insurance plan.
type PremiumPlan struct {
	ID         string
	Name       string
	Packages   []Package
	Roles      []Role
	Locations  []Tier
	AgeBands   []Tier
	Family     []Tier
	FloorRatio decimal.Decimal
}

// DefaultPremiumPlan returns the employee health plan.
func DefaultPremiumPlan() PremiumPlan {
	return PremiumPlan{
		ID:   "premium",
		Name: "Employee health insurance premium",
		Packages: []Package{
			{ID: "basic", Name: "Basic", BasePrice: d("8000"), Discount: d("0")},
			{ID: "premium", Name: "Premium", BasePrice: d("15000"), Discount: d("10")},
			{ID: "corporate", Name: "Corporate", BasePrice: d("20000"), Discount: d("15")},
			{ID: "family", Name: "Family floater", BasePrice: d("35000"), Discount: d("20")},
		},
		Roles: []Role{
			{ID: "employee", Multiplier: d("1.0"), Discount: d("0")},
			{ID: "dependent", Multiplier: d("0.8"), Discount: d("15")},
			{ID: "senior_citizen", Multiplier: d("1.8"), Discount: d("5")},
			{ID: "student", Multiplier: d("0.6"), Discount: d("25")},
		},
		Locations: []Tier{
			{ID: "metro", Category: "metro", Multiplier: d("1.2")},
			{ID: "tier1", Category: "tier1", Multiplier: d("1.0")},
			{ID: "tier2", Category: "tier2", Multiplier: d("0.85")},
			{ID: "tier3", Category: "tier3", Multiplier: d("0.7")},
		},
		AgeBands: []Tier{
			{ID: "18-25", Min: 18, Max: 25, Multiplier: d("0.8")},
			{ID: "26-35", Min: 26, Max: 35, Multiplier: d("1.0")},
			{ID: "36-45", Min: 36, Max: 45, Multiplier: d("1.2")},
			{ID: "46-55", Min: 46, Max: 55, Multiplier: d("1.5")},
			{ID: "56-65", Min: 56, Max: 65, Multiplier: d("1.8")},
			{ID: "66-plus", Min: 66, Multiplier: d("2.2")},
		},
		Family: []Tier{
			{ID: "1-2", Min: 1, Max: 2, Multiplier: d("1.0")},
			{ID: "3", Min: 3, Max: 3, Multiplier: d("0.90")},
			{ID: "4-plus", Min: 4, Multiplier: d("0.85")},
		},
		FloorRatio: d("0.5"),
	}
}

// Table builds the premium rule table. Multipliers run first, then the role
// and package discounts.
func (p PremiumPlan) Table() *domain.RuleTable {
	table := &domain.RuleTable{
		ID:          p.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        p.Name,
		Description: "Annual premium from package base price",
		Version:     "1",
		Kind:        KindPremium,
		Order:       []string{"role", "age", "location", "family_size", "role_discount", "package_discount"},
		Precision:   0,
		Enabled:     true,
	}

	for _, r := range p.Roles {
		table.Rules = append(table.Rules, domain.Rule{
			ID:         "role-" + r.ID,
			Attribute:  "role",
			Match:      domain.Predicate{Equals: r.ID},
			Adjustment: domain.Adjustment{Multiplier: ptr(r.Multiplier)},
		})
	}
	for _, t := range p.AgeBands {
		table.Rules = append(table.Rules, domain.Rule{
			ID:         "age-" + t.ID,
			Attribute:  "age",
			Match:      intBand(t.Min, t.Max),
			Adjustment: domain.Adjustment{Multiplier: ptr(t.Multiplier)},
		})
	}
	for _, t := range p.Locations {
		table.Rules = append(table.Rules, domain.Rule{
			ID:         "location-" + t.ID,
			Attribute:  "location",
			Match:      domain.Predicate{Equals: t.Category},
			Adjustment: domain.Adjustment{Multiplier: ptr(t.Multiplier)},
		})
	}
	for _, t := range p.Family {
		table.Rules = append(table.Rules, domain.Rule{
			ID:         "family-" + t.ID,
			Attribute:  "family_size",
			Input:      "familySize",
			Match:      intBand(t.Min, t.Max),
			Adjustment: domain.Adjustment{Multiplier: ptr(t.Multiplier)},
		})
	}
	for _, r := range p.Roles {
		table.Rules = append(table.Rules, domain.Rule{
			ID:         "role-discount-" + r.ID,
			Attribute:  "role_discount",
			Input:      "role",
			Match:      domain.Predicate{Equals: r.ID},
			Adjustment: domain.Adjustment{PercentDiscount: ptr(r.Discount)},
		})
	}
	for _, pkg := range p.Packages {
		table.Rules = append(table.Rules, domain.Rule{
			ID:         "package-discount-" + pkg.ID,
			Attribute:  "package_discount",
			Input:      "package",
			Match:      domain.Predicate{Equals: pkg.ID},
			Adjustment: domain.Adjustment{PercentDiscount: ptr(pkg.Discount)},
		})
	}

	if p.FloorRatio.IsPositive() {
		table.SafetyRules = append(table.SafetyRules, domain.SafetyRule{
			ID:              "premium-floor",
			BoundExpression: "base * " + p.FloorRatio.StringFixed(4),
			Direction:       domain.DirectionFloor,
			AlertCode:       AlertPremiumFloor,
			Message:         fmt.Sprintf("premium raised to %s%% of the package base price", p.FloorRatio.Mul(hundred).String()),
		})
	}

	return table
}

// PremiumRequest describes the insured person.
type PremiumRequest struct {
	Package    string          `json:"package"`
	Role       string          `json:"role"`
	Age        decimal.Decimal `json:"age"`
	Location   string          `json:"location"`
	FamilySize int             `json:"familySize"`
}

// PremiumResult is the priced premium with its trace.
type PremiumResult struct {
	Package        *Package                  `json:"package"`
	BasePremium    decimal.Decimal           `json:"basePremium"`
	AnnualPremium  decimal.Decimal           `json:"annualPremium"`
	MonthlyPremium decimal.Decimal           `json:"monthlyPremium"`
	Result         *domain.CalculationResult `json:"result"`
}

// PremiumCalculator prices premiums from a plan.
type PremiumCalculator struct {
	plan     PremiumPlan
	table    *rules.CompiledTable
	packages map[string]*Package
}

// NewPremiumCalculator compiles the plan.
func NewPremiumCalculator(p PremiumPlan) (*PremiumCalculator, error) {
	table, err := rules.Compile(p.Table())
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", p.ID, err)
	}

	packages := make(map[string]*Package, len(p.Packages))
	for i := range p.Packages {
		packages[p.Packages[i].ID] = &p.Packages[i]
	}
	return &PremiumCalculator{plan: p, table: table, packages: packages}, nil
}

// Table returns the compiled plan table.
func (c *PremiumCalculator) Table() *domain.RuleTable {
	return c.table.Table
}

// Packages lists the plan packages by base price.
func (c *PremiumCalculator) Packages() []Package {
	out := append([]Package(nil), c.plan.Packages...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].BasePrice.LessThan(out[j].BasePrice) })
	return out
}

// Calculate prices one premium. The package must exist because it supplies
// the base price; every other unknown dimension becomes an error alert.
func (c *PremiumCalculator) Calculate(req PremiumRequest) (*PremiumResult, error) {
	pkg, ok := c.packages[normalize(req.Package)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown package %q", domain.ErrInvalidInput, req.Package)
	}
	if req.Age.IsNegative() {
		return nil, fmt.Errorf("%w: age must not be negative", domain.ErrInvalidInput)
	}
	if req.FamilySize < 0 {
		return nil, fmt.Errorf("%w: familySize must not be negative", domain.ErrInvalidInput)
	}

	familySize := req.FamilySize
	if familySize == 0 {
		familySize = 1
	}

	result, err := c.table.Run(&domain.CalculationRequest{
		BaseValue: pkg.BasePrice,
		Attributes: map[string]any{
			"package":    pkg.ID,
			"role":       normalize(req.Role),
			"age":        req.Age.Floor(),
			"location":   normalize(req.Location),
			"familySize": familySize,
		},
	}, rules.CalculateOptions{})
	if err != nil {
		return nil, err
	}

	return &PremiumResult{
		Package:        pkg,
		BasePremium:    pkg.BasePrice,
		AnnualPremium:  result.FinalValue,
		MonthlyPremium: rules.Round(result.FinalValue.Div(decimal.NewFromInt(12)), 2, domain.RoundHalfUp),
		Result:         result,
	}, nil
}
