package calculators

import (
	"errors"
	"testing"

	"github.com/opensource-finance/tiercalc/internal/domain"
)

func newPremium(t *testing.T) *PremiumCalculator {
	t.Helper()
	c, err := NewPremiumCalculator(DefaultPremiumPlan())
	if err != nil {
		t.Fatalf("NewPremiumCalculator failed: %v", err)
	}
	return c
}

func TestPremiumCalculation(t *testing.T) {
	c := newPremium(t)

	res, err := c.Calculate(PremiumRequest{
		Package:    "premium",
		Role:       "employee",
		Age:        d("40"),
		Location:   "metro",
		FamilySize: 2,
	})
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	// 15000 * 1.0 * 1.2 * 1.2 * 1.0 = 21600, then 0% role and 10% package discount.
	if !res.AnnualPremium.Equal(d("19440")) {
		t.Errorf("expected 19440, got %s", res.AnnualPremium)
	}
	if !res.MonthlyPremium.Equal(d("1620")) {
		t.Errorf("expected 1620 monthly, got %s", res.MonthlyPremium)
	}
	if len(res.Result.Alerts) != 0 {
		t.Errorf("expected no alerts, got %+v", res.Result.Alerts)
	}

	want := []string{"role", "age", "location", "family_size", "role_discount", "package_discount"}
	if len(res.Result.AppliedAdjustments) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(res.Result.AppliedAdjustments))
	}
	for i, attribute := range want {
		if res.Result.AppliedAdjustments[i].Attribute != attribute {
			t.Errorf("step %d: expected %s, got %s", i, attribute, res.Result.AppliedAdjustments[i].Attribute)
		}
	}
	if !res.Result.AppliedAdjustments[3].AfterValue.Equal(d("21600")) {
		t.Errorf("expected 21600 before discounts, got %s", res.Result.AppliedAdjustments[3].AfterValue)
	}
}

func TestPremiumFloor(t *testing.T) {
	c := newPremium(t)

	// 8000 * 0.6 * 0.8 * 0.7 * 0.85 = 2284.8, less 25% = 1713.6, floored at 4000.
	res, err := c.Calculate(PremiumRequest{
		Package:    "basic",
		Role:       "student",
		Age:        d("20.9"),
		Location:   "tier3",
		FamilySize: 4,
	})
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if !res.AnnualPremium.Equal(d("4000")) {
		t.Errorf("expected floor of 4000, got %s", res.AnnualPremium)
	}
	if !hasAlert(res.Result.Alerts, AlertPremiumFloor, domain.SeverityWarning) {
		t.Errorf("expected premium floor warning, got %+v", res.Result.Alerts)
	}
}

func TestPremiumUnknownDimensions(t *testing.T) {
	c := newPremium(t)

	t.Run("UnknownPackage", func(t *testing.T) {
		_, err := c.Calculate(PremiumRequest{Package: "platinum", Role: "employee", Age: d("30"), Location: "metro"})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("UnknownLocation", func(t *testing.T) {
		res, err := c.Calculate(PremiumRequest{Package: "basic", Role: "employee", Age: d("30"), Location: "moon"})
		if err != nil {
			t.Fatalf("Calculate failed: %v", err)
		}
		if !hasAlert(res.Result.Alerts, domain.AlertRuleNotFound, domain.SeverityError) {
			t.Errorf("expected rule not found error, got %+v", res.Result.Alerts)
		}
		if len(res.Result.AppliedAdjustments) != 6 {
			t.Errorf("expected a no-op step for the location, got %d steps", len(res.Result.AppliedAdjustments))
		}
	})

	t.Run("Minor", func(t *testing.T) {
		res, err := c.Calculate(PremiumRequest{Package: "basic", Role: "dependent", Age: d("12"), Location: "tier1"})
		if err != nil {
			t.Fatalf("Calculate failed: %v", err)
		}
		if !hasAlert(res.Result.Alerts, domain.AlertRuleNotFound, domain.SeverityError) {
			t.Errorf("expected no age band for a minor, got %+v", res.Result.Alerts)
		}
	})
}

func TestPremiumPackagesSorted(t *testing.T) {
	pkgs := newPremium(t).Packages()
	for i := 1; i < len(pkgs); i++ {
		if pkgs[i].BasePrice.LessThan(pkgs[i-1].BasePrice) {
			t.Fatalf("packages not sorted by price: %+v", pkgs)
		}
	}
}
