package rules

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/opensource-finance/tiercalc/internal/domain"
)

func TestResolveCategorical(t *testing.T) {
	table := premiumTable()

	tests := []struct {
		raw    any
		wantID string
	}{
		{"employee", "role-employee"},
		{"EMPLOYEE", "role-employee"},
		{"  Dependent ", "role-dependent"},
		{"senior_citizen", "role-senior"},
	}

	for _, tt := range tests {
		rule, err := Resolve(table, "role", tt.raw)
		if err != nil {
			t.Fatalf("Resolve(%v) failed: %v", tt.raw, err)
		}
		if rule.ID != tt.wantID {
			t.Errorf("Resolve(%v) = %s, want %s", tt.raw, rule.ID, tt.wantID)
		}
	}
}

func TestResolveUnknownCategory(t *testing.T) {
	_, err := Resolve(premiumTable(), "role", "contractor")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveBandBoundaries(t *testing.T) {
	table := premiumTable()

	tests := []struct {
		raw    any
		wantID string
	}{
		{18, "age-18-25"},
		{25, "age-18-25"},
		{26, "age-26-35"},
		{35, "age-26-35"},
		{36, "age-36-45"},
		{40.0, "age-36-45"},
		{"45", "age-36-45"},
		{json.Number("65"), "age-56-65"},
		{66, "age-66-plus"},
		{120, "age-66-plus"},
	}

	for _, tt := range tests {
		rule, err := Resolve(table, "age", tt.raw)
		if err != nil {
			t.Fatalf("Resolve(age=%v) failed: %v", tt.raw, err)
		}
		if rule.ID != tt.wantID {
			t.Errorf("Resolve(age=%v) = %s, want %s", tt.raw, rule.ID, tt.wantID)
		}
	}
}

func TestResolveOutOfRangeIsNotClamped(t *testing.T) {
	table := premiumTable()

	for _, raw := range []any{17, 0, -3, 25.5} {
		rule, err := Resolve(table, "age", raw)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(age=%v) = %v, %v; want ErrNotFound", raw, rule, err)
		}
	}
}

func TestResolveMissingValue(t *testing.T) {
	_, err := Resolve(premiumTable(), "age", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing value, got %v", err)
	}
}

func TestResolveUnknownAttribute(t *testing.T) {
	_, err := Resolve(premiumTable(), "height", 180)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown attribute, got %v", err)
	}
}

func TestResolveInvalidInput(t *testing.T) {
	table := premiumTable()

	for _, raw := range []any{"forty", true, map[string]any{"years": 40}, []int{40}} {
		_, err := Resolve(table, "age", raw)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Resolve(age=%v): expected ErrInvalidInput, got %v", raw, err)
		}
	}

	_, err := Resolve(table, "role", []string{"employee"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for slice category, got %v", err)
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	table := &domain.RuleTable{
		ID: "overlap",
		Rules: []domain.Rule{
			{ID: "first", Attribute: "score", Match: band("0", "50"), Adjustment: multiplier("1")},
			{ID: "second", Attribute: "score", Match: band("40", "100"), Adjustment: multiplier("2")},
		},
	}

	rule, err := Resolve(table, "score", 45)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rule.ID != "first" {
		t.Errorf("expected first matching rule, got %s", rule.ID)
	}

	rule, _ = Resolve(table, "score", 51)
	if rule.ID != "second" {
		t.Errorf("expected second rule above overlap, got %s", rule.ID)
	}
}

func TestResolveDeterministic(t *testing.T) {
	table := premiumTable()
	first, _ := Resolve(table, "age", 35)
	for i := 0; i < 100; i++ {
		rule, _ := Resolve(table, "age", 35)
		if rule != first {
			t.Fatalf("iteration %d resolved a different rule", i)
		}
	}
}

// mixedTierTable lists bands before a category on the same attribute.
func mixedTierTable() *domain.RuleTable {
	return &domain.RuleTable{
		ID: "mixed-tier",
		Rules: []domain.Rule{
			{ID: "tier-low", Attribute: "tier", Match: band("1", "2"), Adjustment: multiplier("2")},
			{ID: "tier-gold", Attribute: "tier", Match: category("gold"), Adjustment: multiplier("3")},
		},
	}
}

func TestResolveMixedDimension(t *testing.T) {
	table := mixedTierTable()

	rule, err := Resolve(table, "tier", "gold")
	if err != nil {
		t.Fatalf("Resolve(gold) failed: %v", err)
	}
	if rule.ID != "tier-gold" {
		t.Errorf("expected tier-gold, got %s", rule.ID)
	}

	rule, err = Resolve(table, "tier", 2)
	if err != nil {
		t.Fatalf("Resolve(2) failed: %v", err)
	}
	if rule.ID != "tier-low" {
		t.Errorf("expected tier-low, got %s", rule.ID)
	}

	if _, err := Resolve(table, "tier", "silver"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown category, got %v", err)
	}

	result, err := Compute(&domain.CalculationRequest{
		BaseValue:  dec("10"),
		Attributes: map[string]any{"tier": "gold"},
	}, table, []string{"tier"})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !result.FinalValue.Equal(dec("30")) {
		t.Errorf("expected 30, got %s", result.FinalValue)
	}

	if err := table.Validate(); !errors.Is(err, domain.ErrInvalidTable) {
		t.Errorf("expected Validate to reject the mixed dimension, got %v", err)
	}
}
