package calculators

import (
	"errors"
	"testing"

	"github.com/opensource-finance/tiercalc/internal/domain"
)

func newTax(t *testing.T) *TaxCalculator {
	t.Helper()
	c, err := NewTaxCalculator(DefaultGSTSchedule())
	if err != nil {
		t.Fatalf("NewTaxCalculator failed: %v", err)
	}
	return c
}

func TestTaxIntraState(t *testing.T) {
	c := newTax(t)

	res, err := c.Calculate(TaxRequest{Service: "pharmacy", Amount: d("1000"), SupplierState: "KA", RecipientState: "ka"})
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if res.InterState {
		t.Error("expected intra-state supply")
	}
	if !res.TaxAmount.Equal(d("120")) {
		t.Errorf("expected 120 tax, got %s", res.TaxAmount)
	}
	if !res.CGST.Equal(d("60")) || !res.SGST.Equal(d("60")) || !res.IGST.IsZero() {
		t.Errorf("expected 60/60/0 split, got %s/%s/%s", res.CGST, res.SGST, res.IGST)
	}
	if !res.NetAmount.Equal(d("1120")) {
		t.Errorf("expected net 1120, got %s", res.NetAmount)
	}
	if res.HSN != "3004" {
		t.Errorf("expected HSN 3004, got %s", res.HSN)
	}
}

func TestTaxOddSplitKeepsTotal(t *testing.T) {
	c := newTax(t)

	// 5% of 100.10 = 5.005, rounded once to 5.01.
	res, err := c.Calculate(TaxRequest{Service: "diagnostic", Amount: d("100.10")})
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if !res.TaxAmount.Equal(d("5.01")) {
		t.Errorf("expected 5.01 tax, got %s", res.TaxAmount)
	}
	if !res.CGST.Add(res.SGST).Equal(res.TaxAmount) {
		t.Errorf("CGST %s and SGST %s must add up to %s", res.CGST, res.SGST, res.TaxAmount)
	}
}

func TestTaxInterState(t *testing.T) {
	c := newTax(t)

	res, err := c.Calculate(TaxRequest{Service: "equipment", Amount: d("999.99"), SupplierState: "KA", RecipientState: "MH"})
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	// 999.99 * 0.18 = 179.9982
	if !res.IGST.Equal(d("180")) || !res.CGST.IsZero() {
		t.Errorf("expected IGST 180, got IGST %s CGST %s", res.IGST, res.CGST)
	}
}

func TestTaxExemptAndUnknown(t *testing.T) {
	c := newTax(t)

	t.Run("Exempt", func(t *testing.T) {
		res, err := c.Calculate(TaxRequest{Service: "Consultation", Amount: d("1500")})
		if err != nil {
			t.Fatalf("Calculate failed: %v", err)
		}
		if !res.Exempt || !res.TaxAmount.IsZero() {
			t.Errorf("expected exempt supply, got %+v", res)
		}
		if !hasAlert(res.Result.Alerts, domain.AlertRuleNote, domain.SeverityInfo) {
			t.Errorf("expected exemption note, got %+v", res.Result.Alerts)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		res, err := c.Calculate(TaxRequest{Service: "cosmetics", Amount: d("1500")})
		if err != nil {
			t.Fatalf("Calculate failed: %v", err)
		}
		if !res.TaxAmount.IsZero() || !res.NetAmount.Equal(d("1500")) {
			t.Errorf("unknown service must not be taxed at the base amount, got %s", res.TaxAmount)
		}
		if !hasAlert(res.Result.Alerts, domain.AlertRuleNotFound, domain.SeverityError) {
			t.Errorf("expected rule not found error, got %+v", res.Result.Alerts)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		if _, err := c.Calculate(TaxRequest{Service: "pharmacy", Amount: d("-1")}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}
