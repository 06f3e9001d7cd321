package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/tiercalc/internal/bus"
	"github.com/opensource-finance/tiercalc/internal/decision"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/shopspring/decimal"
)

// CalculateRequest is the request body for POST /calculate.
type CalculateRequest struct {
	TableID    string              `json:"tableId"`
	BaseValue  *decimal.Decimal    `json:"baseValue"`
	Attributes map[string]any      `json:"attributes"`
	Order      []string            `json:"order,omitempty"`
	Precision  *int32              `json:"precision,omitempty"`
	Rounding   domain.RoundingMode `json:"rounding,omitempty"`
	SubjectID  string              `json:"subjectId,omitempty"`
}

// AsyncResponse is returned for ?async=true calculations.
type AsyncResponse struct {
	CalculationID string `json:"calculationId"`
	TableID       string `json:"tableId"`
	Status        string `json:"status"`
	TraceID       string `json:"traceId,omitempty"`
}

// StatusPending marks an accepted async calculation.
const StatusPending = "PENDING"

func (req *CalculateRequest) validate() error {
	if req.TableID == "" {
		return fmt.Errorf("%w: tableId is required", domain.ErrInvalidInput)
	}
	if req.BaseValue == nil {
		return fmt.Errorf("%w: baseValue is required", domain.ErrInvalidInput)
	}
	if req.Rounding != "" && !req.Rounding.Valid() {
		return fmt.Errorf("%w: unknown rounding mode %q", domain.ErrInvalidInput, req.Rounding)
	}
	if req.Precision != nil && *req.Precision < 0 {
		return fmt.Errorf("%w: precision must not be negative", domain.ErrInvalidInput)
	}
	return nil
}

// Calculate handles POST /calculate requests.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req CalculateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	calcReq := domain.CalculationRequest{
		BaseValue:  *req.BaseValue,
		Attributes: req.Attributes,
	}

	if r.URL.Query().Get("async") == "true" {
		h.calculateAsync(w, r, req, calcReq)
		return
	}

	idemKey := r.Header.Get(IdempotencyKeyHeader)
	if idemKey != "" && h.cache != nil {
		cached, err := h.cache.GetCalculation(ctx, tenantID, idemKey)
		if err != nil {
			slog.Warn("idempotency lookup failed", "tenant_id", tenantID, "error", err)
		}
		if cached != nil {
			w.Header().Set(ReplayedHeader, "true")
			writeJSON(w, http.StatusOK, cached.ToResponse())
			return
		}
	}

	result, table, err := h.engine.Calculate(ctx, tenantID, req.TableID, &calcReq, rules.CalculateOptions{
		Order:     req.Order,
		Precision: req.Precision,
		Rounding:  req.Rounding,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	calc := h.processor.Process(ctx, &decision.DecisionInput{
		TenantID:  tenantID,
		Table:     table,
		SubjectID: req.SubjectID,
		TraceID:   traceID,
		Request:   calcReq,
		Result:    result,
		StartTime: start,
	})
	h.record(ctx, calc)

	if idemKey != "" && h.cache != nil {
		if err := h.cache.SetCalculation(ctx, tenantID, idemKey, calc, h.idemTTL); err != nil {
			slog.Warn("failed to remember idempotent response", "calculation_id", calc.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, calc.ToResponse())
}

// calculateAsync publishes the request for a worker and answers 202.
func (h *Handler) calculateAsync(w http.ResponseWriter, r *http.Request, req CalculateRequest, calcReq domain.CalculationRequest) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil {
		unavailable(w, "event bus")
		return
	}
	if _, ok := h.engine.Table(tenantID, req.TableID); !ok {
		writeError(w, r, fmt.Errorf("%w: %s", domain.ErrTableNotFound, req.TableID))
		return
	}

	msg := domain.CalculationMessage{
		CalculationID: uuid.New().String(),
		TableID:       req.TableID,
		SubjectID:     req.SubjectID,
		TraceID:       GetTraceID(ctx),
		Request:       calcReq,
		Order:         req.Order,
		Precision:     req.Precision,
		Rounding:      req.Rounding,
	}
	if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicCalculationRequested, msg); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, AsyncResponse{
		CalculationID: msg.CalculationID,
		TableID:       msg.TableID,
		Status:        StatusPending,
		TraceID:       msg.TraceID,
	})
}

// GetCalculation retrieves a recorded calculation by ID.
func (h *Handler) GetCalculation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	calcID := chi.URLParam(r, "id")

	if h.repo == nil {
		unavailable(w, "repository")
		return
	}

	calc, err := h.repo.GetCalculation(ctx, GetTenantID(ctx), calcID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

// record saves a calculation, refreshes the subject's usage and announces the
// outcome. Failures are logged; the caller already has its answer.
func (h *Handler) record(ctx context.Context, calc *domain.Calculation) {
	if h.repo != nil {
		if err := h.repo.SaveCalculation(ctx, calc.TenantID, calc); err != nil {
			slog.Error("failed to save calculation", "calculation_id", calc.ID, "error", err)
		} else if h.usage != nil && calc.SubjectID != "" {
			h.usage.Invalidate(ctx, calc.TenantID, calc.SubjectID)
		}
	}

	if h.bus != nil {
		topic := domain.TopicCalculationCompleted
		if decision.ShouldBlock(calc) {
			topic = domain.TopicCalculationBlocked
		}
		if err := bus.PublishJSON(ctx, h.bus, calc.TenantID, topic, calc); err != nil {
			slog.Error("failed to publish calculation", "calculation_id", calc.ID, "topic", topic, "error", err)
		}
	}

	slog.Debug("calculation recorded",
		"calculation_id", calc.ID,
		"tenant_id", calc.TenantID,
		"table_id", calc.TableID,
		"status", calc.Decision.Status,
	)
}
