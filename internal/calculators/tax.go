package calculators

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/shopspring/decimal"
)

// GSTRate is the goods and services tax rate of one service category.
type GSTRate struct {
	Service     string          `json:"service"`
	Rate        decimal.Decimal `json:"rate"`
	HSN         string          `json:"hsn"`
	Exempt      bool            `json:"exempt,omitempty"`
	Description string          `json:"description,omitempty"`
}

// GSTSchedule is the set of healthcare GST rates.
type GSTSchedule struct {
	ID        string
	Name      string
	Rates     []GSTRate
	Precision int32
}

// DefaultGSTSchedule returns the healthcare GST rates.
func DefaultGSTSchedule() GSTSchedule {
	return GSTSchedule{
		ID:        "gst",
		Name:      "Healthcare GST",
		Precision: 2,
		Rates: []GSTRate{
			{Service: "consultation", Rate: d("0"), HSN: "9940", Exempt: true, Description: "Healthcare consultation"},
			{Service: "diagnostic", Rate: d("5"), HSN: "9940", Description: "Diagnostic services"},
			{Service: "surgical", Rate: d("5"), HSN: "9940", Description: "Surgical procedures"},
			{Service: "pharmacy", Rate: d("12"), HSN: "3004", Description: "Medicines"},
			{Service: "equipment", Rate: d("18"), HSN: "9018", Description: "Medical equipment"},
			{Service: "insurance", Rate: d("18"), HSN: "9954", Description: "Health insurance"},
		},
	}
}

// Table builds the tax table: the taxable amount times the service rate.
func (s GSTSchedule) Table() *domain.RuleTable {
	table := &domain.RuleTable{
		ID:          s.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        s.Name,
		Description: "GST amount from the taxable amount",
		Version:     "1",
		Kind:        KindTax,
		Order:       []string{"service"},
		Precision:   s.Precision,
		Enabled:     true,
	}
	for _, r := range s.Rates {
		rule := domain.Rule{
			ID:         "gst-" + r.Service,
			Attribute:  "service",
			Match:      domain.Predicate{Equals: r.Service},
			Adjustment: domain.Adjustment{Multiplier: percent(r.Rate)},
		}
		if r.Exempt {
			rule.Adjustment = domain.Adjustment{Multiplier: ptr(decimal.Zero)}
			rule.Note = fmt.Sprintf("%s is exempt from GST", r.Service)
		}
		table.Rules = append(table.Rules, rule)
	}
	return table
}

// TaxRequest asks for the GST on one supply. Intra-state supplies split the
// tax into CGST and SGST; inter-state supplies pay IGST.
type TaxRequest struct {
	Service        string          `json:"service"`
	Amount         decimal.Decimal `json:"amount"`
	SupplierState  string          `json:"supplierState,omitempty"`
	RecipientState string          `json:"recipientState,omitempty"`
}

// TaxResult is the GST breakdown of one supply.
type TaxResult struct {
	Service    string                    `json:"service"`
	HSN        string                    `json:"hsn,omitempty"`
	Rate       decimal.Decimal           `json:"rate"`
	Exempt     bool                      `json:"exempt"`
	InterState bool                      `json:"interState"`
	Taxable    decimal.Decimal           `json:"taxableAmount"`
	TaxAmount  decimal.Decimal           `json:"taxAmount"`
	CGST       decimal.Decimal           `json:"cgst"`
	SGST       decimal.Decimal           `json:"sgst"`
	IGST       decimal.Decimal           `json:"igst"`
	NetAmount  decimal.Decimal           `json:"netAmount"`
	Result     *domain.CalculationResult `json:"result"`
}

// TaxCalculator computes GST from a schedule.
type TaxCalculator struct {
	schedule GSTSchedule
	table    *rules.CompiledTable
	rates    map[string]GSTRate
}

// NewTaxCalculator compiles the schedule.
func NewTaxCalculator(s GSTSchedule) (*TaxCalculator, error) {
	table, err := rules.Compile(s.Table())
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	rates := make(map[string]GSTRate, len(s.Rates))
	for _, r := range s.Rates {
		rates[r.Service] = r
	}
	return &TaxCalculator{schedule: s, table: table, rates: rates}, nil
}

// Table returns the compiled schedule table.
func (c *TaxCalculator) Table() *domain.RuleTable {
	return c.table.Table
}

// Calculate computes the GST on one supply. An unknown service yields an
// error alert and no tax.
func (c *TaxCalculator) Calculate(req TaxRequest) (*TaxResult, error) {
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidInput)
	}

	service := normalize(req.Service)
	result, err := c.table.Run(&domain.CalculationRequest{
		BaseValue:  req.Amount,
		Attributes: map[string]any{"service": service},
	}, rules.CalculateOptions{})
	if err != nil {
		return nil, err
	}

	out := &TaxResult{
		Service:    service,
		InterState: interState(req.SupplierState, req.RecipientState),
		Taxable:    req.Amount,
		TaxAmount:  decimal.Zero,
		CGST:       decimal.Zero,
		SGST:       decimal.Zero,
		IGST:       decimal.Zero,
		Result:     result,
	}
	if rate, ok := c.rates[service]; ok {
		out.HSN = rate.HSN
		out.Rate = rate.Rate
		out.Exempt = rate.Exempt
		out.TaxAmount = result.FinalValue
	}

	if out.InterState {
		out.IGST = out.TaxAmount
	} else {
		out.CGST = rules.Round(out.TaxAmount.Div(decimal.NewFromInt(2)), c.schedule.Precision, domain.RoundHalfUp)
		out.SGST = out.TaxAmount.Sub(out.CGST)
	}
	out.NetAmount = req.Amount.Add(out.TaxAmount)
	return out, nil
}

func interState(supplier, recipient string) bool {
	supplier, recipient = strings.TrimSpace(supplier), strings.TrimSpace(recipient)
	if supplier == "" || recipient == "" {
		return false
	}
	return !strings.EqualFold(supplier, recipient)
}
