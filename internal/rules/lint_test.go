package rules

import (
	"strings"
	"testing"

	"github.com/opensource-finance/tiercalc/internal/domain"
)

func TestLintCleanTable(t *testing.T) {
	for _, f := range Lint(premiumTable()) {
		if f.Severity != domain.SeverityInfo {
			t.Errorf("unexpected finding on premium table: %+v", f)
		}
	}
}

func TestLintOverlappingBands(t *testing.T) {
	table := &domain.RuleTable{
		ID:    "overlap",
		Order: []string{"age"},
		Rules: []domain.Rule{
			{ID: "young", Attribute: "age", Match: band("0", "40"), Adjustment: multiplier("1")},
			{ID: "old", Attribute: "age", Match: band("35", ""), Adjustment: multiplier("2")},
		},
	}

	findings := Lint(table)
	found := false
	for _, f := range findings {
		if f.Severity == domain.SeverityWarning && f.RuleID == "old" && strings.Contains(f.Message, "young wins") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected overlap warning naming the winning rule, got %+v", findings)
	}
}

func TestLintShadowedCategory(t *testing.T) {
	table := &domain.RuleTable{
		ID: "roles",
		Rules: []domain.Rule{
			{ID: "a", Attribute: "role", Match: category("Employee"), Adjustment: multiplier("1")},
			{ID: "b", Attribute: "role", Match: category("employee"), Adjustment: multiplier("2")},
		},
	}

	findings := Lint(table)
	if len(findings) != 1 || findings[0].RuleID != "b" {
		t.Errorf("expected rule b to be reported as shadowed, got %+v", findings)
	}
}

func TestLintGapsAndOrder(t *testing.T) {
	table := &domain.RuleTable{
		ID:    "gaps",
		Order: []string{"weight", "drug"},
		Rules: []domain.Rule{
			{ID: "light", Attribute: "weight", Match: band("0", "10"), Adjustment: multiplier("1")},
			{ID: "heavy", Attribute: "weight", Match: band("20", "50"), Adjustment: multiplier("1")},
		},
	}

	var gap, order bool
	for _, f := range Lint(table) {
		if f.Severity == domain.SeverityInfo && f.RuleID == "heavy" {
			gap = true
		}
		if f.Severity == domain.SeverityError && f.Attribute == "drug" {
			order = true
		}
	}
	if !gap {
		t.Error("expected gap between 10 and 20 to be reported")
	}
	if !order {
		t.Error("expected order entry without rules to be reported")
	}
}

func TestLintInvalidTable(t *testing.T) {
	table := &domain.RuleTable{
		ID: "broken",
		Rules: []domain.Rule{
			{ID: "x", Attribute: "age", Match: band("0", "10"), Adjustment: domain.Adjustment{
				Multiplier:  decp("1"),
				FixedAmount: decp("5"),
			}},
		},
	}

	findings := Lint(table)
	if len(findings) == 0 || findings[0].Severity != domain.SeverityError {
		t.Errorf("expected validation error finding, got %+v", findings)
	}
}

func TestLintMixedDimension(t *testing.T) {
	findings := Lint(mixedTierTable())
	if len(findings) == 0 || findings[0].Severity != domain.SeverityError {
		t.Fatalf("expected validation error finding, got %+v", findings)
	}
	if !strings.Contains(findings[0].Message, "mixes categories and bands") {
		t.Errorf("unexpected finding %q", findings[0].Message)
	}
}
