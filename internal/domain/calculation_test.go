package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCalculationResultClone(t *testing.T) {
	precision := int32(2)
	r := &CalculationResult{
		FinalValue:         decimal.NewFromInt(270),
		AppliedAdjustments: []AppliedAdjustment{{Attribute: "weight"}},
		Alerts:             []Alert{},
		Attributes:         map[string]any{"weight": 18},
		Precision:          &precision,
	}

	out := r.Clone()

	t.Run("EmptyAlertsStayEmpty", func(t *testing.T) {
		if out.Alerts == nil {
			t.Fatal("expected empty alerts, got nil")
		}
		data, err := json.Marshal(out)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if !strings.Contains(string(data), `"alerts":[]`) {
			t.Errorf("expected alerts to serialize as [], got %s", data)
		}
	})

	t.Run("SharesNoSlices", func(t *testing.T) {
		out.AppliedAdjustments[0].Attribute = "age"
		out.Alerts = append(out.Alerts, Alert{Code: AlertCapMax})
		out.Attributes["weight"] = 20
		*out.Precision = 4

		if r.AppliedAdjustments[0].Attribute != "weight" {
			t.Error("adjustments are shared with the original")
		}
		if len(r.Alerts) != 0 {
			t.Error("alerts are shared with the original")
		}
		if r.Attributes["weight"] != 18 {
			t.Error("attributes are shared with the original")
		}
		if *r.Precision != 2 {
			t.Error("precision is shared with the original")
		}
	})
}
