package calculators

import (
	"fmt"
	"strconv"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/shopspring/decimal"
)

// Dosing alert codes.
const (
	AlertBelowMinAge  = "BELOW_MIN_AGE"
	AlertAboveMaxDose = "ABOVE_MAX_DOSE"
)

// Drug is one formulary entry dosed by body weight.
type Drug struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	MgPerKg    decimal.Decimal  `json:"mgPerKg"`
	MaxDoseMg  *decimal.Decimal `json:"maxDoseMg,omitempty"`
	MinDoseMg  *decimal.Decimal `json:"minDoseMg,omitempty"`
	Route      string           `json:"route,omitempty"`
	Indication string           `json:"indication,omitempty"`

	// MinAgeMonths blocks prescriptions for younger patients.
	MinAgeMonths int `json:"minAgeMonths,omitempty"`

	// ConcentrationMgPerMl converts the dose into a draw-up volume.
	ConcentrationMgPerMl *decimal.Decimal `json:"concentrationMgPerMl,omitempty"`
}

// Formulary is a set of weight-dosed drugs sharing one plausibility band.
type Formulary struct {
	ID          string
	Name        string
	Drugs       []Drug
	MinWeightKg decimal.Decimal
	MaxWeightKg decimal.Decimal
	Precision   int32
}

// DefaultFormulary returns the routine pediatric formulary.
func DefaultFormulary() Formulary {
	return Formulary{
		ID:          "pediatric-dosing",
		Name:        "Pediatric weight-based dosing",
		MinWeightKg: d("0.5"),
		MaxWeightKg: d("150"),
		Precision:   1,
		Drugs: []Drug{
			{ID: "acetaminophen", Name: "Acetaminophen", MgPerKg: d("15"), MaxDoseMg: ptr(d("1000")),
				MinAgeMonths: 3, Route: "PO", Indication: "Fever, pain", ConcentrationMgPerMl: ptr(d("32"))},
			{ID: "ibuprofen", Name: "Ibuprofen", MgPerKg: d("10"), MaxDoseMg: ptr(d("400")),
				MinAgeMonths: 6, Route: "PO", Indication: "Fever, pain", ConcentrationMgPerMl: ptr(d("20"))},
			{ID: "amoxicillin", Name: "Amoxicillin", MgPerKg: d("25"), MaxDoseMg: ptr(d("500")),
				Route: "PO", Indication: "Bacterial infection", ConcentrationMgPerMl: ptr(d("50"))},
			{ID: "ondansetron", Name: "Ondansetron", MgPerKg: d("0.15"), MaxDoseMg: ptr(d("4")),
				MinAgeMonths: 6, Route: "PO/IV", Indication: "Nausea, vomiting"},
		},
	}
}

// EmergencyFormulary returns the resuscitation drugs dosed to two decimals.
func EmergencyFormulary() Formulary {
	return Formulary{
		ID:          "pediatric-emergency",
		Name:        "Pediatric emergency dosing",
		MinWeightKg: d("0.5"),
		MaxWeightKg: d("150"),
		Precision:   2,
		Drugs: []Drug{
			{ID: "epinephrine", Name: "Epinephrine (1:10,000)", MgPerKg: d("0.01"), MaxDoseMg: ptr(d("1")),
				Route: "IV/IO", Indication: "Cardiac arrest", ConcentrationMgPerMl: ptr(d("0.1"))},
			{ID: "atropine", Name: "Atropine", MgPerKg: d("0.02"), MaxDoseMg: ptr(d("0.5")), MinDoseMg: ptr(d("0.1")),
				Route: "IV/IO", Indication: "Bradycardia", ConcentrationMgPerMl: ptr(d("0.4"))},
			{ID: "adenosine", Name: "Adenosine", MgPerKg: d("0.1"), MaxDoseMg: ptr(d("6")),
				Route: "IV (rapid push)", Indication: "SVT", ConcentrationMgPerMl: ptr(d("3"))},
			{ID: "amiodarone", Name: "Amiodarone", MgPerKg: d("5"), MaxDoseMg: ptr(d("300")),
				Route: "IV/IO", Indication: "VF/pulseless VT", ConcentrationMgPerMl: ptr(d("50"))},
			{ID: "midazolam", Name: "Midazolam", MgPerKg: d("0.2"), MaxDoseMg: ptr(d("10")),
				Route: "IN/IV/IM", Indication: "Seizures", ConcentrationMgPerMl: ptr(d("1"))},
		},
	}
}

// Table builds the rule table: a weight plausibility band followed by the
// per-drug mg/kg multiplier capped at the drug's dose limits.
func (f Formulary) Table() *domain.RuleTable {
	table := &domain.RuleTable{
		ID:          f.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        f.Name,
		Version:     "1",
		Kind:        KindDosing,
		Order:       []string{"weight_band", "drug"},
		Precision:   f.Precision,
		Enabled:     true,
		Description: "Dose in mg from body weight in kg",
	}

	table.Rules = append(table.Rules, domain.Rule{
		ID:         "weight-plausible",
		Attribute:  "weight_band",
		Input:      "weight",
		Match:      domain.Predicate{Min: ptr(f.MinWeightKg), Max: ptr(f.MaxWeightKg)},
		Adjustment: domain.Adjustment{Multiplier: ptr(decimal.NewFromInt(1))},
	})

	for _, drug := range f.Drugs {
		rule := domain.Rule{
			ID:         "drug-" + drug.ID,
			Attribute:  "drug",
			Match:      domain.Predicate{Equals: drug.ID},
			Adjustment: domain.Adjustment{Multiplier: ptr(drug.MgPerKg)},
		}
		if drug.MaxDoseMg != nil || drug.MinDoseMg != nil {
			rule.Cap = &domain.Cap{Min: drug.MinDoseMg, Max: drug.MaxDoseMg}
		}
		table.Rules = append(table.Rules, rule)

		if drug.MinAgeMonths > 0 {
			months := strconv.Itoa(drug.MinAgeMonths)
			table.SafetyRules = append(table.SafetyRules, domain.SafetyRule{
				ID: drug.ID + "-min-age",
				Condition: fmt.Sprintf(`attrs.drug == %q && has(attrs.age_months) && attrs.age_months < %s.0`,
					drug.ID, months),
				Critical:  true,
				AlertCode: AlertBelowMinAge,
				Message:   fmt.Sprintf("patient is below minimum age of %s months for %s", months, drug.Name),
			})
		}
		if drug.MaxDoseMg != nil {
			table.SafetyRules = append(table.SafetyRules, domain.SafetyRule{
				ID:        drug.ID + "-absolute-max",
				Condition: fmt.Sprintf(`attrs.drug == %q`, drug.ID),
				Bound:     drug.MaxDoseMg,
				Direction: domain.DirectionCeiling,
				Critical:  true,
				AlertCode: AlertAboveMaxDose,
				Message:   fmt.Sprintf("dose reduced to absolute maximum of %s mg for %s", drug.MaxDoseMg, drug.Name),
			})
		}
	}

	return table
}

// DoseRequest asks for one drug dose.
type DoseRequest struct {
	DrugID    string          `json:"drug"`
	WeightKg  decimal.Decimal `json:"weightKg"`
	AgeMonths *int            `json:"ageMonths,omitempty"`
}

// DoseResult is a computed dose with its full trace.
type DoseResult struct {
	Drug     *Drug                     `json:"drug,omitempty"`
	DoseMg   decimal.Decimal           `json:"doseMg"`
	VolumeMl *decimal.Decimal          `json:"volumeMl,omitempty"`
	Result   *domain.CalculationResult `json:"result"`
}

// DosingCalculator computes weight-based doses from a formulary.
type DosingCalculator struct {
	formulary Formulary
	table     *rules.CompiledTable
	drugs     map[string]*Drug
}

// NewDosingCalculator compiles the formulary.
func NewDosingCalculator(f Formulary) (*DosingCalculator, error) {
	table, err := rules.Compile(f.Table())
	if err != nil {
		return nil, fmt.Errorf("formulary %s: %w", f.ID, err)
	}

	drugs := make(map[string]*Drug, len(f.Drugs))
	for i := range f.Drugs {
		drugs[f.Drugs[i].ID] = &f.Drugs[i]
	}

	return &DosingCalculator{formulary: f, table: table, drugs: drugs}, nil
}

// Table returns the compiled formulary table.
func (c *DosingCalculator) Table() *domain.RuleTable {
	return c.table.Table
}

// Formulary returns the formulary the calculator was built from.
func (c *DosingCalculator) Formulary() Formulary {
	return c.formulary
}

// Calculate computes the dose for one drug. An unknown drug or an implausible
// weight yields error alerts rather than an error.
func (c *DosingCalculator) Calculate(req DoseRequest) (*DoseResult, error) {
	if req.AgeMonths != nil && *req.AgeMonths < 0 {
		return nil, fmt.Errorf("%w: ageMonths must not be negative", domain.ErrInvalidInput)
	}

	drugID := normalize(req.DrugID)
	attrs := map[string]any{
		"weight": req.WeightKg,
		"drug":   drugID,
	}
	if req.AgeMonths != nil {
		attrs["age_months"] = *req.AgeMonths
	}

	result, err := c.table.Run(&domain.CalculationRequest{
		BaseValue:  req.WeightKg,
		Attributes: attrs,
	}, rules.CalculateOptions{})
	if err != nil {
		return nil, err
	}

	// An unknown drug leaves the weight untouched; never report it as a dose.
	out := &DoseResult{DoseMg: decimal.Zero, Result: result}
	if drug, ok := c.drugs[drugID]; ok {
		out.DoseMg = result.FinalValue
		out.Drug = drug
		if drug.ConcentrationMgPerMl != nil && !drug.ConcentrationMgPerMl.IsZero() {
			volume := result.FinalValue.Div(*drug.ConcentrationMgPerMl).Round(1)
			out.VolumeMl = &volume
		}
	}
	return out, nil
}

// CalculateAll doses every drug of the formulary for one patient, as used on
// the emergency card.
func (c *DosingCalculator) CalculateAll(weightKg decimal.Decimal, ageMonths *int) ([]*DoseResult, error) {
	out := make([]*DoseResult, 0, len(c.formulary.Drugs))
	for _, drug := range c.formulary.Drugs {
		res, err := c.Calculate(DoseRequest{DrugID: drug.ID, WeightKg: weightKg, AgeMonths: ageMonths})
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}
