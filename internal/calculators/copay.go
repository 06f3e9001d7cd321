package calculators

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/shopspring/decimal"
)

// Co-payment alert codes.
const (
	AlertOOPMaxReached     = "OOP_MAX_REACHED"
	AlertOOPMaxCapped      = "OOP_MAX_CAPPED"
	AlertCopayExceedsClaim = "COPAY_EXCEEDS_SERVICE"
)

// AnyNetwork matches a service in every network.
const AnyNetwork = "any"

// Coverage types select the deductible and out-of-pocket limits.
const (
	CoverageIndividual = "individual"
	CoverageFamily     = "family"
)

// CopayRule is the member share for one service in one network. Exactly one
// of FixedAmount and Percentage is set.
type CopayRule struct {
	Service           string           `json:"service"`
	Network           string           `json:"network"`
	FixedAmount       *decimal.Decimal `json:"fixedAmount,omitempty"`
	Percentage        *decimal.Decimal `json:"percentage,omitempty"`
	MinAmount         *decimal.Decimal `json:"minAmount,omitempty"`
	MaxAmount         *decimal.Decimal `json:"maxAmount,omitempty"`
	DeductibleApplies bool             `json:"deductibleApplies,omitempty"`
}

// Key is the category the copay table matches on.
func (r CopayRule) Key() string {
	return copayKey(r.Service, r.Network)
}

func copayKey(service, network string) string {
	return normalize(service) + "/" + normalize(network)
}

// CopayPlan holds the cost-sharing terms of an insurance plan. Coverage is
// the covered percentage per network; the limits are keyed by coverage type.
type CopayPlan struct {
	ID               string
	Name             string
	Rules            []CopayRule
	ServiceAmounts   map[string]decimal.Decimal
	Coverage         map[string]decimal.Decimal
	DeductibleLimits map[string]decimal.Decimal
	OutOfPocketMax   map[string]decimal.Decimal
	Precision        int32
}

// DefaultCopayPlan returns the standard PPO cost-sharing plan.
func DefaultCopayPlan() CopayPlan {
	return CopayPlan{
		ID:   "copay",
		Name: "Standard co-payment plan",
		Rules: []CopayRule{
			{Service: "opd_consultation", Network: "tier1", FixedAmount: ptr(d("500"))},
			{Service: "opd_consultation", Network: "out_network", Percentage: ptr(d("30")), DeductibleApplies: true},
			{Service: "ipd_services", Network: "tier1", Percentage: ptr(d("10")), MaxAmount: ptr(d("25000")), DeductibleApplies: true},
			{Service: "emergency", Network: AnyNetwork, FixedAmount: ptr(d("1000"))},
			{Service: "specialist", Network: "tier1", FixedAmount: ptr(d("1000"))},
			{Service: "diagnostic", Network: "tier1", Percentage: ptr(d("20")), MaxAmount: ptr(d("2000"))},
		},
		ServiceAmounts: map[string]decimal.Decimal{
			"opd_consultation": d("2000"),
			"specialist":       d("3000"),
			"ipd_services":     d("50000"),
			"emergency":        d("8000"),
			"diagnostic":       d("1500"),
			"surgery":          d("100000"),
		},
		Coverage: map[string]decimal.Decimal{
			"tier1":       d("100"),
			"tier2":       d("80"),
			"out_network": d("60"),
		},
		DeductibleLimits: map[string]decimal.Decimal{
			CoverageIndividual: d("25000"),
			CoverageFamily:     d("50000"),
		},
		OutOfPocketMax: map[string]decimal.Decimal{
			CoverageIndividual: d("100000"),
			CoverageFamily:     d("200000"),
		},
		Precision: 2,
	}
}

// CopayTable builds the member share table. A fixed copay replaces the
// service amount; a percentage multiplies it within its limits.
func (p CopayPlan) CopayTable() *domain.RuleTable {
	table := &domain.RuleTable{
		ID:          p.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        p.Name,
		Description: "Member co-payment from the service amount",
		Version:     "1",
		Kind:        KindCopay,
		Order:       []string{"copay"},
		Precision:   p.Precision,
		Enabled:     true,
		SafetyRules: []domain.SafetyRule{{
			ID:              "copay-within-service",
			BoundExpression: "base",
			Direction:       domain.DirectionCeiling,
			AlertCode:       AlertCopayExceedsClaim,
			Message:         "co-payment reduced to the service amount",
		}},
	}

	for _, r := range p.Rules {
		rule := domain.Rule{
			ID:        "copay-" + r.Service + "-" + r.Network,
			Attribute: "copay",
			Input:     "plan_key",
			Match:     domain.Predicate{Equals: r.Key()},
		}
		switch {
		case r.FixedAmount != nil:
			rule.Adjustment = domain.Adjustment{Override: r.FixedAmount}
		case r.Percentage != nil:
			rule.Adjustment = domain.Adjustment{Multiplier: percent(*r.Percentage)}
			if r.MinAmount != nil || r.MaxAmount != nil {
				rule.Cap = &domain.Cap{Min: r.MinAmount, Max: r.MaxAmount}
			}
		}
		table.Rules = append(table.Rules, rule)
	}

	return table
}

// CoverageTable builds the covered share table keyed by network.
func (p CopayPlan) CoverageTable() *domain.RuleTable {
	table := &domain.RuleTable{
		ID:          p.ID + "-coverage",
		TenantID:    domain.GlobalTenantID,
		Name:        p.Name + " coverage",
		Description: "Covered amount from the service amount",
		Version:     "1",
		Kind:        KindCoverage,
		Order:       []string{"network"},
		Precision:   p.Precision,
		Enabled:     true,
	}
	for _, network := range sortedKeys(p.Coverage) {
		table.Rules = append(table.Rules, domain.Rule{
			ID:         "coverage-" + network,
			Attribute:  "network",
			Match:      domain.Predicate{Equals: network},
			Adjustment: domain.Adjustment{Multiplier: percent(p.Coverage[network])},
		})
	}
	return table
}

// CopayRequest describes one claimed service. ServiceAmount overrides the
// plan's standard charge when set.
type CopayRequest struct {
	Service         string           `json:"service"`
	Network         string           `json:"network"`
	ServiceAmount   *decimal.Decimal `json:"serviceAmount,omitempty"`
	CoverageType    string           `json:"coverageType,omitempty"`
	DeductibleMet   decimal.Decimal  `json:"deductibleMet"`
	OutOfPocketUsed decimal.Decimal  `json:"outOfPocketUsed"`
}

// CopayResult splits a service amount between insurer and member.
type CopayResult struct {
	ServiceAmount         decimal.Decimal           `json:"serviceAmount"`
	DeductibleAmount      decimal.Decimal           `json:"deductibleAmount"`
	CopayAmount           decimal.Decimal           `json:"copayAmount"`
	InsuranceCoverage     decimal.Decimal           `json:"insuranceCoverage"`
	PatientResponsibility decimal.Decimal           `json:"patientResponsibility"`
	OutOfPocketMax        decimal.Decimal           `json:"outOfPocketMax"`
	OutOfPocketUsed       decimal.Decimal           `json:"outOfPocketUsed"`
	OutOfPocketRemaining  decimal.Decimal           `json:"outOfPocketRemaining"`
	RuleID                string                    `json:"ruleId,omitempty"`
	Copay                 *domain.CalculationResult `json:"copay"`
	Coverage              *domain.CalculationResult `json:"coverage"`
	Alerts                []domain.Alert            `json:"alerts"`
}

// CopayCalculator applies a co-payment plan to claimed services.
type CopayCalculator struct {
	plan     CopayPlan
	copay    *rules.CompiledTable
	coverage *rules.CompiledTable
	oop      *rules.SafetySet
	terms    map[string]CopayRule
}

// NewCopayCalculator compiles the plan tables.
func NewCopayCalculator(p CopayPlan) (*CopayCalculator, error) {
	copay, err := rules.Compile(p.CopayTable())
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", p.ID, err)
	}
	coverage, err := rules.Compile(p.CoverageTable())
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", p.ID, err)
	}
	oop, err := rules.CompileSafety([]domain.SafetyRule{{
		ID:              "out-of-pocket-max",
		BoundExpression: "attrs.oop_remaining",
		Direction:       domain.DirectionCeiling,
		AlertCode:       AlertOOPMaxCapped,
		Message:         "member share limited to the remaining out-of-pocket maximum",
	}})
	if err != nil {
		return nil, err
	}

	terms := make(map[string]CopayRule, len(p.Rules))
	for _, r := range p.Rules {
		terms[r.Key()] = r
	}
	return &CopayCalculator{plan: p, copay: copay, coverage: coverage, oop: oop, terms: terms}, nil
}

// Table returns the compiled co-payment table.
func (c *CopayCalculator) Table() *domain.RuleTable {
	return c.copay.Table
}

// Calculate splits one service between insurer and member. Unknown services
// or networks produce error alerts; an unpriced service without an explicit
// amount is invalid input.
func (c *CopayCalculator) Calculate(req CopayRequest) (*CopayResult, error) {
	service := normalize(req.Service)
	network := normalize(req.Network)

	var amount decimal.Decimal
	switch {
	case req.ServiceAmount != nil:
		amount = *req.ServiceAmount
	default:
		standard, ok := c.plan.ServiceAmounts[service]
		if !ok {
			return nil, fmt.Errorf("%w: no standard amount for service %q", domain.ErrInvalidInput, req.Service)
		}
		amount = standard
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: serviceAmount must not be negative", domain.ErrInvalidInput)
	}
	if req.DeductibleMet.IsNegative() || req.OutOfPocketUsed.IsNegative() {
		return nil, fmt.Errorf("%w: deductibleMet and outOfPocketUsed must not be negative", domain.ErrInvalidInput)
	}

	coverageType := normalize(req.CoverageType)
	if coverageType == "" {
		coverageType = CoverageIndividual
	}
	deductibleLimit, ok := c.plan.DeductibleLimits[coverageType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown coverage type %q", domain.ErrInvalidInput, req.CoverageType)
	}
	oopMax := c.plan.OutOfPocketMax[coverageType]

	key, err := c.planKey(service, network)
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{"plan_key": key, "service": service, "network": network}

	copayRes, err := c.copay.Run(&domain.CalculationRequest{BaseValue: amount, Attributes: attrs}, rules.CalculateOptions{})
	if err != nil {
		return nil, err
	}
	coverageRes, err := c.coverage.Run(&domain.CalculationRequest{BaseValue: amount, Attributes: attrs}, rules.CalculateOptions{})
	if err != nil {
		return nil, err
	}

	term := c.terms[key]
	deductible := decimal.Zero
	if term.DeductibleApplies {
		deductible = decimal.Min(amount, decimal.Max(decimal.Zero, deductibleLimit.Sub(req.DeductibleMet)))
	}

	copay := copayRes.FinalValue
	covered := decimal.Max(decimal.Zero, coverageRes.FinalValue.Sub(copay).Sub(deductible))
	patient := amount.Sub(covered)

	out := &CopayResult{
		ServiceAmount:    amount,
		DeductibleAmount: deductible,
		CopayAmount:      copay,
		OutOfPocketMax:   oopMax,
		OutOfPocketUsed:  req.OutOfPocketUsed,
		RuleID:           copayRes.AppliedAdjustments[0].RuleID,
		Copay:            copayRes,
		Coverage:         coverageRes,
	}
	out.Alerts = append(out.Alerts, copayRes.Alerts...)
	out.Alerts = append(out.Alerts, coverageRes.Alerts...)

	remaining := decimal.Max(decimal.Zero, oopMax.Sub(req.OutOfPocketUsed))
	if remaining.IsZero() {
		covered, patient = amount, decimal.Zero
		out.Alerts = append(out.Alerts, domain.Alert{
			Severity: domain.SeverityInfo,
			Code:     AlertOOPMaxReached,
			Message:  fmt.Sprintf("out-of-pocket maximum of %s reached; service fully covered", oopMax.String()),
		})
	} else {
		limited := c.oop.Enforce(&domain.CalculationResult{
			BaseValue:  amount,
			FinalValue: patient,
			Attributes: map[string]any{"oop_remaining": remaining},
		})
		patient = limited.FinalValue
		covered = amount.Sub(patient)
		out.Alerts = append(out.Alerts, limited.Alerts...)
	}

	out.InsuranceCoverage = rules.Round(covered, c.plan.Precision, domain.RoundHalfUp)
	out.PatientResponsibility = rules.Round(patient, c.plan.Precision, domain.RoundHalfUp)
	out.OutOfPocketRemaining = decimal.Max(decimal.Zero, remaining.Sub(out.PatientResponsibility))
	if out.Alerts == nil {
		out.Alerts = []domain.Alert{}
	}
	return out, nil
}

// planKey picks the network specific term first, then the any-network term.
// When neither exists the specific key is returned so the miss is reported.
func (c *CopayCalculator) planKey(service, network string) (string, error) {
	table := c.copay.Table
	for _, key := range []string{copayKey(service, network), copayKey(service, AnyNetwork)} {
		_, err := rules.Resolve(table, "copay", key)
		switch {
		case err == nil:
			return key, nil
		case errors.Is(err, rules.ErrNotFound):
		default:
			return "", err
		}
	}
	return copayKey(service, network), nil
}
