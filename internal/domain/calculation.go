package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// CalculationRequest is the input to a single calculation.
type CalculationRequest struct {
	BaseValue  decimal.Decimal `json:"baseValue"`
	Attributes map[string]any  `json:"attributes"`
}

// AlertSeverity ranks alerts. Error alerts mean the value must not be used
// without human intervention.
type AlertSeverity string

const (
	SeverityInfo    AlertSeverity = "info"
	SeverityWarning AlertSeverity = "warning"
	SeverityError   AlertSeverity = "error"
)

// Alert codes raised by the engine itself. Safety rules bring their own.
const (
	AlertRuleNotFound = "RULE_NOT_FOUND"
	AlertCapMax       = "CAP_MAX"
	AlertCapMin       = "CAP_MIN"
	AlertRuleNote     = "RULE_NOTE"
)

// Alert is a non-fatal finding attached to a result.
type Alert struct {
	Severity AlertSeverity `json:"severity"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	RuleID   string        `json:"ruleId,omitempty"`
}

// AppliedAdjustment records one step of the pipeline.
type AppliedAdjustment struct {
	RuleID      string          `json:"ruleId"`
	Attribute   string          `json:"attribute"`
	Kind        AdjustmentKind  `json:"kind"`
	BeforeValue decimal.Decimal `json:"beforeValue"`
	AfterValue  decimal.Decimal `json:"afterValue"`
	Capped      bool            `json:"capped,omitempty"`
}

// CalculationResult is the full, explainable output of a calculation.
type CalculationResult struct {
	FinalValue         decimal.Decimal     `json:"finalValue"`
	BaseValue          decimal.Decimal     `json:"baseValue"`
	AppliedAdjustments []AppliedAdjustment `json:"appliedAdjustments"`
	Alerts             []Alert             `json:"alerts"`
	Attributes         map[string]any      `json:"attributes,omitempty"`

	// Precision is set once the result has been formatted.
	Precision *int32 `json:"precision,omitempty"`
}

// Clone returns a copy that shares no slices with r. Empty slices stay empty
// rather than nil. Attribute values are shared since they are never mutated.
func (r *CalculationResult) Clone() *CalculationResult {
	out := *r
	out.AppliedAdjustments = slices.Clone(r.AppliedAdjustments)
	out.Alerts = slices.Clone(r.Alerts)
	if r.Attributes != nil {
		out.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	if r.Precision != nil {
		p := *r.Precision
		out.Precision = &p
	}
	return &out
}

// HasErrors reports whether any error alert is present.
func (r *CalculationResult) HasErrors() bool {
	return len(r.AlertsBySeverity(SeverityError)) > 0
}

// AlertsBySeverity returns the alerts with the given severity in emission order.
func (r *CalculationResult) AlertsBySeverity(sev AlertSeverity) []Alert {
	var out []Alert
	for _, a := range r.Alerts {
		if a.Severity == sev {
			out = append(out, a)
		}
	}
	return out
}

// HasAlert reports whether an alert with the code exists.
func (r *CalculationResult) HasAlert(code string) bool {
	for _, a := range r.Alerts {
		if a.Code == code {
			return true
		}
	}
	return false
}

// Decision status constants.
const (
	DecisionApproved = "APPROVED"
	DecisionReview   = "REVIEW"
	DecisionBlocked  = "BLOCKED"
)

// Decision is the caller-facing verdict derived from a result's alerts.
type Decision struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
	Blocked bool     `json:"blocked"`
}

// Calculation is the persisted audit record of one calculation.
type Calculation struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenantId"`
	TableID      string `json:"tableId"`
	TableVersion string `json:"tableVersion"`
	Kind         string `json:"kind,omitempty"`

	// SubjectID identifies who the value applies to (patient, member, customer).
	SubjectID string `json:"subjectId,omitempty"`

	// Amount is the value attributed to the subject. For copay calculations it is
	// the patient responsibility; otherwise the final value.
	Amount decimal.Decimal `json:"amount"`

	Request  CalculationRequest `json:"request"`
	Result   *CalculationResult `json:"result"`
	Decision *Decision          `json:"decision"`

	CreatedAt time.Time           `json:"createdAt"`
	Metadata  CalculationMetadata `json:"metadata"`
}

// CalculationMetadata contains processing information.
type CalculationMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	ComputeMs     int64  `json:"computeMs"`
	Async         bool   `json:"async,omitempty"`
	EngineVersion string `json:"engineVersion"`

	// Attributed is set when a calculator supplied Amount instead of the
	// final value, as copay does with the patient responsibility.
	Attributed bool `json:"attributed,omitempty"`
}

// CalculationResponse is the API response for a calculation.
type CalculationResponse struct {
	CalculationID string              `json:"calculationId"`
	TenantID      string              `json:"tenantId"`
	TableID       string              `json:"tableId"`
	Status        string              `json:"status"`
	FinalValue    decimal.Decimal     `json:"finalValue"`
	Result        *CalculationResult  `json:"result"`
	Reasons       []string            `json:"reasons,omitempty"`
	Metadata      CalculationMetadata `json:"metadata"`
}

// ToResponse converts a Calculation to an API response.
func (c *Calculation) ToResponse() *CalculationResponse {
	resp := &CalculationResponse{
		CalculationID: c.ID,
		TenantID:      c.TenantID,
		TableID:       c.TableID,
		Result:        c.Result,
		Metadata:      c.Metadata,
	}
	if c.Result != nil {
		resp.FinalValue = c.Result.FinalValue
	}
	if c.Decision != nil {
		resp.Status = c.Decision.Status
		resp.Reasons = c.Decision.Reasons
	}
	return resp
}
