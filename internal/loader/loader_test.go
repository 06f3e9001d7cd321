package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/shopspring/decimal"
)

const dosingYAML = `
id: pediatric-dosing
name: Pediatric dosing
version: "3"
kind: dosing
order: [drug]
precision: 1
rounding: half_up
rules:
  - id: drug-acetaminophen
    attribute: drug
    match: {equals: acetaminophen}
    adjustment: {multiplier: 15}
    cap: {max: 1000}
  - id: drug-amoxicillin
    attribute: drug
    match: {equals: amoxicillin}
    adjustment: {multiplier: 0.1}
safetyRules:
  - id: max-daily
    bound: 1000
    direction: ceiling
    critical: false
    alertCode: ABOVE_MAX_DOSE
  - id: min-age
    condition: "double(attrs.age_months) < 3.0"
    critical: true
    alertCode: BELOW_MIN_AGE
    message: below minimum age
`

func TestParseYAML(t *testing.T) {
	tables, err := Parse([]byte(dosingYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("expected 1 table, got %d", len(tables))
	}

	table := tables[0]
	if table.ID != "pediatric-dosing" || table.Version != "3" || table.Precision != 1 {
		t.Errorf("unexpected header %+v", table)
	}
	if !table.Enabled {
		t.Error("tables without an enabled key should be enabled")
	}
	if len(table.Rules) != 2 || len(table.SafetyRules) != 2 {
		t.Fatalf("expected 2 rules and 2 safety rules, got %d and %d", len(table.Rules), len(table.SafetyRules))
	}
	if got := table.Rules[1].Adjustment.Multiplier; got == nil || got.String() != "0.1" {
		t.Errorf("expected exact multiplier 0.1, got %v", got)
	}

	t.Run("ComputesScenario", func(t *testing.T) {
		ct, err := rules.Compile(table)
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		res, err := ct.Run(&domain.CalculationRequest{
			BaseValue:  decimal.NewFromInt(18),
			Attributes: map[string]any{"drug": "acetaminophen", "age_months": 60},
		}, rules.CalculateOptions{})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !res.FinalValue.Equal(decimal.NewFromInt(270)) || len(res.Alerts) != 0 {
			t.Errorf("expected 270 without alerts, got %s %+v", res.FinalValue, res.Alerts)
		}
	})
}

func TestParseJSONAndMultiDocument(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		data := `{"id": "flat", "enabled": false, "rules": [{"id": "r1", "attribute": "x", "match": {"min": "0"}, "adjustment": {"fixedAmount": "2.50"}}]}`
		tables, err := Parse([]byte(data))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if len(tables) != 1 || tables[0].Enabled {
			t.Errorf("expected one disabled table, got %+v", tables)
		}
		if !tables[0].Rules[0].Adjustment.FixedAmount.Equal(decimal.RequireFromString("2.5")) {
			t.Errorf("unexpected amount %s", tables[0].Rules[0].Adjustment.FixedAmount)
		}
	})

	t.Run("Documents", func(t *testing.T) {
		data := "id: a\n---\n- id: b\n- id: c\n---\n"
		tables, err := Parse([]byte(data))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		var ids []string
		for _, tb := range tables {
			ids = append(ids, tb.ID)
		}
		if strings.Join(ids, ",") != "a,b,c" {
			t.Errorf("expected a,b,c, got %v", ids)
		}
	})
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"Syntax", "id: [unclosed"},
		{"Scalar", "just a string"},
		{"UnknownField", "id: t\nprecission: 2"},
		{"MissingID", "name: nameless"},
		{"TwoAdjustments", "id: t\nrules:\n  - {id: r, attribute: a, match: {equals: x}, adjustment: {multiplier: 2, override: 3}}"},
		{"BadCondition", "id: t\nsafetyRules:\n  - {id: s, condition: 'value >', alertCode: X}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if !errors.Is(err, domain.ErrInvalidTable) {
				t.Errorf("expected ErrInvalidTable, got %v", err)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("b.yml", "id: second")
	write("a.yaml", "id: first")
	write("c.json", `{"id": "third"}`)
	write("README.md", "not a table")

	tables, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(tables) != 3 || tables[0].ID != "first" || tables[1].ID != "second" || tables[2].ID != "third" {
		t.Errorf("expected tables in file name order, got %d tables", len(tables))
	}

	t.Run("DuplicateID", func(t *testing.T) {
		write("d.yaml", "id: first")
		_, err := LoadDir(dir)
		if !errors.Is(err, domain.ErrInvalidTable) {
			t.Errorf("expected ErrInvalidTable for duplicate ids, got %v", err)
		}
	})

	t.Run("MissingDir", func(t *testing.T) {
		if _, err := LoadDir(filepath.Join(dir, "nope")); err == nil {
			t.Error("expected error for missing directory")
		}
	})
}

func TestApplyPatch(t *testing.T) {
	tables, err := Parse([]byte(dosingYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	table := tables[0]
	table.TenantID = "tenant-001"

	t.Run("ReplaceCap", func(t *testing.T) {
		patch := `[
			{"op": "replace", "path": "/rules/0/cap/max", "value": "750"},
			{"op": "replace", "path": "/version", "value": "4"}
		]`
		updated, err := ApplyPatch(table, []byte(patch))
		if err != nil {
			t.Fatalf("ApplyPatch failed: %v", err)
		}
		if !updated.Rules[0].Cap.Max.Equal(decimal.NewFromInt(750)) || updated.Version != "4" {
			t.Errorf("patch not applied: %+v", updated.Rules[0].Cap)
		}
		if updated.TenantID != "tenant-001" {
			t.Errorf("expected tenant to be kept, got %q", updated.TenantID)
		}
		if !table.Rules[0].Cap.Max.Equal(decimal.NewFromInt(1000)) {
			t.Error("original table must not change")
		}

		diff, err := Diff(table, updated)
		if err != nil {
			t.Fatalf("Diff failed: %v", err)
		}
		if !strings.Contains(string(diff), `"version":"4"`) {
			t.Errorf("expected version change in %s", diff)
		}
	})

	t.Run("Rejects", func(t *testing.T) {
		tests := []struct {
			name  string
			patch string
			want  error
		}{
			{"Malformed", `{"op": "replace"}`, domain.ErrInvalidInput},
			{"MissingPath", `[{"op": "remove", "path": "/rules/9"}]`, domain.ErrInvalidInput},
			{"ChangeID", `[{"op": "replace", "path": "/id", "value": "other"}]`, domain.ErrInvalidInput},
			{"InvalidResult", `[{"op": "replace", "path": "/rounding", "value": "sideways"}]`, domain.ErrInvalidTable},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := ApplyPatch(table, []byte(tt.patch)); !errors.Is(err, tt.want) {
					t.Errorf("expected %v, got %v", tt.want, err)
				}
			})
		}
	})
}

func TestDecodeSkipsValidation(t *testing.T) {
	tables, err := Decode([]byte("name: nameless\nprecision: -1\n"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(tables) != 1 || tables[0].Precision != -1 {
		t.Fatalf("expected the invalid table to be returned as is, got %+v", tables)
	}
	if findings := rules.Lint(tables[0]); len(findings) == 0 || findings[0].Severity != domain.SeverityError {
		t.Errorf("expected lint to report the invalid table, got %+v", findings)
	}
}
