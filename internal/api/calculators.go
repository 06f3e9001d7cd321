package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/opensource-finance/tiercalc/internal/calculators"
	"github.com/opensource-finance/tiercalc/internal/decision"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

// CalculatorResponse wraps a calculator result with its recorded decision.
type CalculatorResponse struct {
	CalculationID string   `json:"calculationId,omitempty"`
	Status        string   `json:"status"`
	Reasons       []string `json:"reasons,omitempty"`
	Result        any      `json:"result"`
}

// DoseCalculationRequest is the request body for POST /calculators/dosing.
type DoseCalculationRequest struct {
	calculators.DoseRequest
	SubjectID string `json:"subjectId,omitempty"`
}

// EmergencyCardRequest is the request body for POST /calculators/emergency-dosing.
type EmergencyCardRequest struct {
	WeightKg  decimal.Decimal `json:"weightKg"`
	AgeMonths *int            `json:"ageMonths,omitempty"`
}

// PremiumCalculationRequest is the request body for POST /calculators/premium.
type PremiumCalculationRequest struct {
	calculators.PremiumRequest
	SubjectID string `json:"subjectId,omitempty"`
}

// CopayCalculationRequest is the request body for POST /calculators/copay.
// When subjectId is set and outOfPocketUsed is zero, the member's usage for
// the current plan year is looked up from recorded calculations.
type CopayCalculationRequest struct {
	calculators.CopayRequest
	SubjectID string `json:"subjectId,omitempty"`
}

// TaxCalculationRequest is the request body for POST /calculators/tax.
type TaxCalculationRequest struct {
	calculators.TaxRequest
	SubjectID string `json:"subjectId,omitempty"`
}

// recordInput describes one calculator run to be recorded.
type recordInput struct {
	table     *domain.RuleTable
	subjectID string
	request   domain.CalculationRequest
	result    *domain.CalculationResult
	amount    *decimal.Decimal
	start     time.Time
}

// recordRun turns a calculator run into a recorded calculation.
func (h *Handler) recordRun(r *http.Request, in recordInput) *domain.Calculation {
	ctx := r.Context()
	calc := h.processor.Process(ctx, &decision.DecisionInput{
		TenantID:  GetTenantID(ctx),
		Table:     in.table,
		SubjectID: in.subjectID,
		TraceID:   GetTraceID(ctx),
		Request:   in.request,
		Result:    in.result,
		Amount:    in.amount,
		StartTime: in.start,
	})
	h.record(ctx, calc)
	return calc
}

func respondCalculator(w http.ResponseWriter, calc *domain.Calculation, result any) {
	writeJSON(w, http.StatusOK, CalculatorResponse{
		CalculationID: calc.ID,
		Status:        calc.Decision.Status,
		Reasons:       decision.GetReasons(calc),
		Result:        result,
	})
}

// CalculateDose handles POST /calculators/dosing.
func (h *Handler) CalculateDose(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.calculators == nil {
		unavailable(w, "calculators")
		return
	}

	var req DoseCalculationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DrugID == "" {
		writeError(w, r, fmt.Errorf("%w: drug is required", domain.ErrInvalidInput))
		return
	}

	res, err := h.calculators.Dosing.Calculate(req.DoseRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}

	attrs := map[string]any{"drug": req.DrugID, "weight": req.WeightKg}
	if req.AgeMonths != nil {
		attrs["age_months"] = *req.AgeMonths
	}
	calc := h.recordRun(r, recordInput{
		table:     h.calculators.Dosing.Table(),
		subjectID: req.SubjectID,
		request:   domain.CalculationRequest{BaseValue: req.WeightKg, Attributes: attrs},
		result:    res.Result,
		amount:    &res.DoseMg,
		start:     start,
	})
	respondCalculator(w, calc, res)
}

// CalculateEmergencyCard handles POST /calculators/emergency-dosing. The card
// is not recorded; its status aggregates the alerts of every dose.
func (h *Handler) CalculateEmergencyCard(w http.ResponseWriter, r *http.Request) {
	if h.calculators == nil {
		unavailable(w, "calculators")
		return
	}

	var req EmergencyCardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	doses, err := h.calculators.Emergency.CalculateAll(req.WeightKg, req.AgeMonths)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var alerts []domain.Alert
	for _, dose := range doses {
		alerts = append(alerts, dose.Result.Alerts...)
	}
	verdict := h.processor.ProcessAlerts(alerts)

	writeJSON(w, http.StatusOK, CalculatorResponse{
		Status:  verdict.Status,
		Reasons: verdict.Reasons,
		Result:  doses,
	})
}

// CalculatePremium handles POST /calculators/premium.
func (h *Handler) CalculatePremium(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.calculators == nil {
		unavailable(w, "calculators")
		return
	}

	var req PremiumCalculationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.calculators.Premium.Calculate(req.PremiumRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}

	calc := h.recordRun(r, recordInput{
		table:     h.calculators.Premium.Table(),
		subjectID: req.SubjectID,
		request: domain.CalculationRequest{
			BaseValue: res.BasePremium,
			Attributes: map[string]any{
				"package":    req.Package,
				"role":       req.Role,
				"age":        req.Age,
				"location":   req.Location,
				"familySize": req.FamilySize,
			},
		},
		result: res.Result,
		start:  start,
	})
	respondCalculator(w, calc, res)
}

// CalculateCopay handles POST /calculators/copay. The member share is
// recorded so it counts towards the out-of-pocket maximum.
func (h *Handler) CalculateCopay(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	if h.calculators == nil {
		unavailable(w, "calculators")
		return
	}

	var req CopayCalculationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if h.usage != nil && req.SubjectID != "" && req.OutOfPocketUsed.IsZero() {
		used, err := h.usage.OutOfPocketThisPlanYear(ctx, GetTenantID(ctx), req.SubjectID)
		if err != nil {
			writeError(w, r, fmt.Errorf("failed to load out-of-pocket usage: %w", err))
			return
		}
		req.OutOfPocketUsed = used
	}

	res, err := h.calculators.Copay.Calculate(req.CopayRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// The audit result carries every alert of the split, not only the
	// copay table's.
	result := res.Copay.Clone()
	result.Alerts = append([]domain.Alert(nil), res.Alerts...)

	calc := h.recordRun(r, recordInput{
		table:     h.calculators.Copay.Table(),
		subjectID: req.SubjectID,
		request: domain.CalculationRequest{
			BaseValue: res.ServiceAmount,
			Attributes: map[string]any{
				"service":         req.Service,
				"network":         req.Network,
				"coverageType":    req.CoverageType,
				"deductibleMet":   req.DeductibleMet,
				"outOfPocketUsed": req.OutOfPocketUsed,
			},
		},
		result: result,
		amount: &res.PatientResponsibility,
		start:  start,
	})
	respondCalculator(w, calc, res)
}

// CalculateTax handles POST /calculators/tax.
func (h *Handler) CalculateTax(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.calculators == nil {
		unavailable(w, "calculators")
		return
	}

	var req TaxCalculationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.calculators.Tax.Calculate(req.TaxRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}

	calc := h.recordRun(r, recordInput{
		table:     h.calculators.Tax.Table(),
		subjectID: req.SubjectID,
		request: domain.CalculationRequest{
			BaseValue: req.Amount,
			Attributes: map[string]any{
				"service":        req.Service,
				"supplierState":  req.SupplierState,
				"recipientState": req.RecipientState,
			},
		},
		result: res.Result,
		amount: &res.TaxAmount,
		start:  start,
	})
	respondCalculator(w, calc, res)
}
