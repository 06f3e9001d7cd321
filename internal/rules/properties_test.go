package rules

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

func propertyParameters() *gopter.TestParameters {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	return parameters
}

func TestComputeProperties(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())
	table := premiumTable()
	roles := []string{"employee", "dependent", "senior_citizen", "student", "contractor"}
	locations := []string{"metro", "tier1", "tier2", "tier3", "rural"}
	dimensions := []string{"role", "age", "location", "family_size", "unknown"}

	properties.Property("compute is deterministic", prop.ForAll(
		func(base float64, age int, roleIdx int, locIdx int) bool {
			req := &domain.CalculationRequest{
				BaseValue: decimal.NewFromFloat(base),
				Attributes: map[string]any{
					"role":     roles[roleIdx],
					"age":      age,
					"location": locations[locIdx],
				},
			}
			first, err1 := Compute(req, table, table.Order)
			second, err2 := Compute(req, table, table.Order)
			if err1 != nil || err2 != nil {
				return false
			}
			a, _ := json.Marshal(first)
			b, _ := json.Marshal(second)
			return string(a) == string(b)
		},
		gen.Float64Range(0, 1_000_000),
		gen.IntRange(0, 120),
		gen.IntRange(0, len(roles)-1),
		gen.IntRange(0, len(locations)-1),
	))

	properties.Property("trace follows the order exactly", prop.ForAll(
		func(picks []int) bool {
			order := make([]string, len(picks))
			for i, p := range picks {
				order[i] = dimensions[p]
			}
			req := &domain.CalculationRequest{
				BaseValue: decimal.NewFromInt(15000),
				Attributes: map[string]any{
					"role": "employee", "age": 40, "location": "metro", "familySize": 3,
				},
			}
			result, err := Compute(req, table, order)
			if err != nil || len(result.AppliedAdjustments) != len(order) {
				return false
			}
			for i, attribute := range order {
				if result.AppliedAdjustments[i].Attribute != attribute {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(dimensions)-1)),
	))

	properties.Property("each step starts where the previous ended", prop.ForAll(
		func(age int, size int) bool {
			req := &domain.CalculationRequest{
				BaseValue:  decimal.NewFromInt(15000),
				Attributes: map[string]any{"role": "student", "age": age, "location": "tier2", "familySize": size},
			}
			result, err := Compute(req, table, []string{"role", "age", "location", "family_size"})
			if err != nil {
				return false
			}
			prev := req.BaseValue
			for _, step := range result.AppliedAdjustments {
				if !step.BeforeValue.Equal(prev) {
					return false
				}
				prev = step.AfterValue
			}
			return prev.Equal(result.FinalValue)
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func TestBandBoundaryProperties(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())
	table := premiumTable()
	ageRules := table.RulesFor("age")

	properties.Property("every covered age resolves to exactly one band", prop.ForAll(
		func(age int) bool {
			v := decimal.NewFromInt(int64(age))
			matches := 0
			var only *domain.Rule
			for _, r := range ageRules {
				if r.Match.Contains(v) {
					matches++
					only = r
				}
			}
			if matches != 1 {
				return false
			}
			resolved, err := Resolve(table, "age", age)
			return err == nil && resolved == only
		},
		gen.IntRange(18, 130),
	))

	properties.TestingRun(t)
}

func TestSafetyAndFormatProperties(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())
	set, err := CompileSafety([]domain.SafetyRule{
		{ID: "ceiling", Bound: decp("1000"), Direction: domain.DirectionCeiling, Critical: true, AlertCode: "MAX"},
		{ID: "floor", BoundExpression: "base * 0.1", Direction: domain.DirectionFloor, AlertCode: "MIN"},
		{ID: "large", Condition: "value > 900.0", AlertCode: "LARGE"},
	})
	if err != nil {
		t.Fatalf("CompileSafety failed: %v", err)
	}

	properties.Property("enforcing twice equals enforcing once", prop.ForAll(
		func(value float64, base float64) bool {
			result := &domain.CalculationResult{
				BaseValue:  decimal.NewFromFloat(base),
				FinalValue: decimal.NewFromFloat(value),
			}
			once := set.Enforce(result)
			twice := set.Enforce(once)
			return once.FinalValue.Equal(twice.FinalValue) && len(once.Alerts) == len(twice.Alerts)
		},
		gen.Float64Range(-100, 5000),
		gen.Float64Range(0, 5000),
	))

	properties.Property("formatting twice equals formatting once", prop.ForAll(
		func(value float64, precision int) bool {
			result := &domain.CalculationResult{FinalValue: decimal.NewFromFloat(value)}
			for _, mode := range []domain.RoundingMode{
				domain.RoundHalfUp, domain.RoundHalfEven, domain.RoundUp,
				domain.RoundDown, domain.RoundCeil, domain.RoundFloor,
			} {
				once := FormatWith(result, int32(precision), mode)
				twice := FormatWith(once, int32(precision), mode)
				if !once.FinalValue.Equal(twice.FinalValue) {
					return false
				}
			}
			return true
		},
		gen.Float64Range(-1_000_000, 1_000_000),
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}
