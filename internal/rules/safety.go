package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/diegoholiveira/jsonlogic/v3"
	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

// AlertSafetyEval is raised when a safety rule cannot be evaluated. The
// engine fails closed: an unevaluable bound always blocks the result.
const AlertSafetyEval = "SAFETY_EVAL_FAILED"

var (
	safetyEnvOnce sync.Once
	safetyEnv     *cel.Env
	safetyEnvErr  error
)

// environment returns the shared CEL environment for safety expressions.
// Expressions see the running value, the base value and the request attributes.
func environment() (*cel.Env, error) {
	safetyEnvOnce.Do(func() {
		safetyEnv, safetyEnvErr = cel.NewEnv(
			cel.Variable("value", cel.DoubleType),
			cel.Variable("base", cel.DoubleType),
			cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return safetyEnv, safetyEnvErr
}

// compiledSafetyRule holds pre-compiled programs for one safety rule.
type compiledSafetyRule struct {
	rule      domain.SafetyRule
	condition cel.Program
	logic     []byte
	bound     cel.Program
}

// SafetySet is a compiled, immutable list of safety rules. It is safe for
// concurrent use.
type SafetySet struct {
	rules []compiledSafetyRule
}

// CompileSafety validates and compiles safety rules once so enforcement does
// no parsing.
func CompileSafety(rules []domain.SafetyRule) (*SafetySet, error) {
	env, err := environment()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	set := &SafetySet{rules: make([]compiledSafetyRule, 0, len(rules))}
	for _, r := range rules {
		compiled := compiledSafetyRule{rule: r}

		if r.Condition != "" {
			prg, err := compileExpression(env, r.Condition, cel.BoolType)
			if err != nil {
				return nil, fmt.Errorf("%w: safety rule %s condition: %v", domain.ErrInvalidTable, r.ID, err)
			}
			compiled.condition = prg
		}

		if len(r.Logic) > 0 {
			logic, err := json.Marshal(r.Logic)
			if err != nil {
				return nil, fmt.Errorf("%w: safety rule %s logic: %v", domain.ErrInvalidTable, r.ID, err)
			}
			if !jsonlogic.IsValid(bytes.NewReader(logic)) {
				return nil, fmt.Errorf("%w: safety rule %s: invalid JsonLogic", domain.ErrInvalidTable, r.ID)
			}
			compiled.logic = logic
		}

		if r.BoundExpression != "" {
			prg, err := compileExpression(env, r.BoundExpression, cel.DoubleType, cel.IntType, cel.DynType)
			if err != nil {
				return nil, fmt.Errorf("%w: safety rule %s bound: %v", domain.ErrInvalidTable, r.ID, err)
			}
			compiled.bound = prg
		}

		set.rules = append(set.rules, compiled)
	}
	return set, nil
}

func compileExpression(env *cel.Env, expr string, allowed ...*cel.Type) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	ok := false
	for _, t := range allowed {
		if ast.OutputType().IsExactType(t) {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("expression returns %s", ast.OutputType())
	}

	return env.Program(ast)
}

// Len returns the number of compiled rules.
func (s *SafetySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// EnforceSafety compiles rules and enforces them on result in one call.
func EnforceSafety(result *domain.CalculationResult, rules []domain.SafetyRule) (*domain.CalculationResult, error) {
	set, err := CompileSafety(rules)
	if err != nil {
		return nil, err
	}
	return set.Enforce(result), nil
}

// Enforce evaluates every rule against the final value of result and returns
// a new result. Violated bounds clamp the value and raise an alert: error for
// critical rules, warning otherwise. Rules without a bound raise their alert
// whenever their condition holds. Passes repeat until the value settles, and
// alerts are never duplicated, so enforcing an enforced result changes nothing.
// The input result is not modified.
func (s *SafetySet) Enforce(result *domain.CalculationResult) *domain.CalculationResult {
	out := result.Clone()
	if s.Len() == 0 {
		return out
	}

	seen := make(map[string]bool, len(out.Alerts))
	for _, a := range out.Alerts {
		seen[alertKey(a.Code, a.RuleID)] = true
	}
	raise := func(a domain.Alert) {
		key := alertKey(a.Code, a.RuleID)
		if seen[key] {
			return
		}
		seen[key] = true
		out.Alerts = append(out.Alerts, a)
	}

	attrs := celAttributes(out.Attributes)
	for pass := 0; pass <= len(s.rules); pass++ {
		changed := false
		for i := range s.rules {
			if s.rules[i].apply(out, attrs, raise) {
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return out
}

// apply evaluates one rule and reports whether it changed the value.
func (c *compiledSafetyRule) apply(out *domain.CalculationResult, attrs map[string]any, raise func(domain.Alert)) bool {
	r := &c.rule
	activation := map[string]any{
		"value": out.FinalValue.InexactFloat64(),
		"base":  out.BaseValue.InexactFloat64(),
		"attrs": attrs,
	}

	holds, err := c.conditionHolds(activation)
	if err != nil {
		raise(evalFailedAlert(r, err))
		return false
	}
	if !holds {
		return false
	}

	if !r.Bounded() {
		raise(domain.Alert{
			Severity: r.Severity(),
			Code:     r.AlertCode,
			Message:  messageOr(r.Message, fmt.Sprintf("safety precondition %s failed", r.ID)),
			RuleID:   r.ID,
		})
		return false
	}

	bound, err := c.boundValue(activation)
	if err != nil {
		raise(evalFailedAlert(r, err))
		return false
	}

	violated := false
	switch r.Direction {
	case domain.DirectionCeiling:
		violated = out.FinalValue.GreaterThan(bound)
	case domain.DirectionFloor:
		violated = out.FinalValue.LessThan(bound)
	}
	if !violated {
		return false
	}

	before := out.FinalValue
	out.FinalValue = bound
	raise(domain.Alert{
		Severity: r.Severity(),
		Code:     r.AlertCode,
		Message: messageOr(r.Message, fmt.Sprintf("value %s clamped to %s %s",
			before.String(), r.Direction, bound.String())),
		RuleID: r.ID,
	})
	return true
}

func (c *compiledSafetyRule) conditionHolds(activation map[string]any) (bool, error) {
	if c.condition != nil {
		val, _, err := c.condition.Eval(activation)
		if err != nil {
			return false, err
		}
		b, ok := val.Value().(bool)
		if !ok {
			return false, fmt.Errorf("condition returned %T", val.Value())
		}
		if !b {
			return false, nil
		}
	}

	if c.logic != nil {
		data, err := json.Marshal(activation)
		if err != nil {
			return false, err
		}
		var buf bytes.Buffer
		if err := jsonlogic.Apply(bytes.NewReader(c.logic), bytes.NewReader(data), &buf); err != nil {
			return false, err
		}
		var decoded any
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			return false, err
		}
		return truthy(decoded), nil
	}

	return true, nil
}

func (c *compiledSafetyRule) boundValue(activation map[string]any) (decimal.Decimal, error) {
	if c.rule.Bound != nil {
		return *c.rule.Bound, nil
	}

	val, _, err := c.bound.Eval(activation)
	if err != nil {
		return decimal.Zero, err
	}
	switch v := val.Value().(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Zero, fmt.Errorf("bound returned %T", v)
	}
}

// truthy follows JsonLogic truthiness.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func evalFailedAlert(r *domain.SafetyRule, err error) domain.Alert {
	return domain.Alert{
		Severity: domain.SeverityError,
		Code:     AlertSafetyEval,
		Message:  fmt.Sprintf("safety rule %s could not be evaluated: %v", r.ID, err),
		RuleID:   r.ID,
	}
}

func alertKey(code, ruleID string) string {
	return code + "|" + ruleID
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
