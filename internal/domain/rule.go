package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RuleTable is an ordered, immutable set of tiered rules plus the safety
// bounds that apply to any value computed from it.
type RuleTable struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`

	// Kind labels the domain the table serves, e.g. "dosing" or "premium".
	Kind string `json:"kind,omitempty"`

	// Rules are matched first-match-wins in this order.
	Rules []Rule `json:"rules"`

	// Order is the default attribute application order.
	Order []string `json:"order"`

	SafetyRules []SafetyRule `json:"safetyRules,omitempty"`

	// Precision and Rounding are the default final rounding step.
	Precision int32        `json:"precision"`
	Rounding  RoundingMode `json:"rounding,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Rule maps one band or category of an attribute to an adjustment.
type Rule struct {
	ID string `json:"id"`

	// Attribute is the dimension name referenced by the application order.
	Attribute string `json:"attribute"`

	// Input names the request attribute read by this rule. Defaults to Attribute,
	// which lets one request attribute feed several dimensions.
	Input string `json:"input,omitempty"`

	Match      Predicate  `json:"match"`
	Adjustment Adjustment `json:"adjustment"`
	Cap        *Cap       `json:"cap,omitempty"`

	// Note is emitted as an info alert whenever the rule is applied.
	Note string `json:"note,omitempty"`
}

// InputKey returns the request attribute this rule reads.
func (r *Rule) InputKey() string {
	if r.Input != "" {
		return r.Input
	}
	return r.Attribute
}

// Predicate matches either a category (Equals, compared case-folded) or an
// inclusive numeric band. A nil Min or Max leaves that side unbounded.
type Predicate struct {
	Equals string           `json:"equals,omitempty"`
	Min    *decimal.Decimal `json:"min,omitempty"`
	Max    *decimal.Decimal `json:"max,omitempty"`
}

// IsCategorical reports whether the predicate matches on a category.
func (p Predicate) IsCategorical() bool {
	return p.Equals != ""
}

// Contains reports whether v falls inside the inclusive band.
func (p Predicate) Contains(v decimal.Decimal) bool {
	if p.Min != nil && v.LessThan(*p.Min) {
		return false
	}
	if p.Max != nil && v.GreaterThan(*p.Max) {
		return false
	}
	return true
}

// MatchesCategory compares a raw category case-insensitively.
func (p Predicate) MatchesCategory(category string) bool {
	return strings.EqualFold(strings.TrimSpace(category), strings.TrimSpace(p.Equals))
}

// String renders the predicate for alerts and lint findings.
func (p Predicate) String() string {
	if p.IsCategorical() {
		return fmt.Sprintf("%q", p.Equals)
	}
	lo, hi := "-inf", "+inf"
	if p.Min != nil {
		lo = p.Min.String()
	}
	if p.Max != nil {
		hi = p.Max.String()
	}
	return "[" + lo + ", " + hi + "]"
}

// AdjustmentKind names how an adjustment transforms the running value.
type AdjustmentKind string

const (
	AdjustMultiplier      AdjustmentKind = "multiplier"
	AdjustFixedAmount     AdjustmentKind = "fixedAmount"
	AdjustPercentDiscount AdjustmentKind = "percentDiscount"
	AdjustOverride        AdjustmentKind = "override"

	// AdjustNone marks a step that left the value unchanged because no rule matched.
	AdjustNone AdjustmentKind = "none"
)

// Adjustment holds exactly one of its fields.
type Adjustment struct {
	Multiplier      *decimal.Decimal `json:"multiplier,omitempty"`
	FixedAmount     *decimal.Decimal `json:"fixedAmount,omitempty"`
	PercentDiscount *decimal.Decimal `json:"percentDiscount,omitempty"`
	Override        *decimal.Decimal `json:"override,omitempty"`
}

// Kind returns the populated adjustment kind, or "" when zero or several are set.
func (a Adjustment) Kind() AdjustmentKind {
	var kind AdjustmentKind
	n := 0
	if a.Multiplier != nil {
		kind = AdjustMultiplier
		n++
	}
	if a.FixedAmount != nil {
		kind = AdjustFixedAmount
		n++
	}
	if a.PercentDiscount != nil {
		kind = AdjustPercentDiscount
		n++
	}
	if a.Override != nil {
		kind = AdjustOverride
		n++
	}
	if n != 1 {
		return ""
	}
	return kind
}

var hundred = decimal.NewFromInt(100)

// Apply transforms v. Invalid adjustments leave v unchanged.
func (a Adjustment) Apply(v decimal.Decimal) decimal.Decimal {
	switch a.Kind() {
	case AdjustMultiplier:
		return v.Mul(*a.Multiplier)
	case AdjustFixedAmount:
		return v.Add(*a.FixedAmount)
	case AdjustPercentDiscount:
		return v.Mul(decimal.NewFromInt(1).Sub(a.PercentDiscount.Div(hundred)))
	case AdjustOverride:
		return *a.Override
	default:
		return v
	}
}

// Cap bounds the value produced by a single rule.
type Cap struct {
	Min *decimal.Decimal `json:"min,omitempty"`
	Max *decimal.Decimal `json:"max,omitempty"`
}

// Clamp returns v limited to the cap and which side, if any, was applied.
func (c *Cap) Clamp(v decimal.Decimal) (decimal.Decimal, string) {
	if c == nil {
		return v, ""
	}
	if c.Max != nil && v.GreaterThan(*c.Max) {
		return *c.Max, "max"
	}
	if c.Min != nil && v.LessThan(*c.Min) {
		return *c.Min, "min"
	}
	return v, ""
}

// SafetyDirection is the side of a safety bound.
type SafetyDirection string

const (
	DirectionCeiling SafetyDirection = "ceiling"
	DirectionFloor   SafetyDirection = "floor"
)

// SafetyRule is a second-pass constraint evaluated against the computed value.
// Condition (CEL) and Logic (JsonLogic) gate the rule; both empty means always.
// Bound or BoundExpression supplies the limit. A rule with neither is an
// eligibility check that alerts without changing the value.
type SafetyRule struct {
	ID              string           `json:"id"`
	Condition       string           `json:"condition,omitempty"`
	Logic           map[string]any   `json:"logic,omitempty"`
	Bound           *decimal.Decimal `json:"bound,omitempty"`
	BoundExpression string           `json:"boundExpression,omitempty"`
	Direction       SafetyDirection  `json:"direction,omitempty"`

	// Critical rules raise error alerts; the rest raise warnings.
	Critical bool `json:"critical"`

	AlertCode string `json:"alertCode"`
	Message   string `json:"message,omitempty"`
}

// Bounded reports whether the rule clamps the value.
func (s *SafetyRule) Bounded() bool {
	return s.Bound != nil || s.BoundExpression != ""
}

// Severity returns the alert severity raised by this rule.
func (s *SafetyRule) Severity() AlertSeverity {
	if s.Critical {
		return SeverityError
	}
	return SeverityWarning
}

// RoundingMode selects the final rounding behaviour.
type RoundingMode string

const (
	RoundHalfUp   RoundingMode = "half_up"
	RoundHalfEven RoundingMode = "half_even"
	RoundUp       RoundingMode = "up"
	RoundDown     RoundingMode = "down"
	RoundCeil     RoundingMode = "ceil"
	RoundFloor    RoundingMode = "floor"
)

// Valid reports whether m is a known rounding mode. Empty means RoundHalfUp.
func (m RoundingMode) Valid() bool {
	switch m {
	case "", RoundHalfUp, RoundHalfEven, RoundUp, RoundDown, RoundCeil, RoundFloor:
		return true
	}
	return false
}

// Validate checks the structural integrity of the table. It does not compile
// safety expressions.
func (t *RuleTable) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: table is required", ErrInvalidTable)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: table id is required", ErrInvalidTable)
	}
	if t.Precision < 0 {
		return fmt.Errorf("%w: table %s: precision must be >= 0", ErrInvalidTable, t.ID)
	}
	if !t.Rounding.Valid() {
		return fmt.Errorf("%w: table %s: unknown rounding mode %q", ErrInvalidTable, t.ID, t.Rounding)
	}

	inputs := make(map[string]string)
	categorical := make(map[string]bool)
	for i := range t.Rules {
		r := &t.Rules[i]
		if in, ok := inputs[r.Attribute]; ok && in != r.InputKey() {
			return fmt.Errorf("%w: rule %s: attribute %s reads both %s and %s", ErrInvalidTable, r.ID, r.Attribute, in, r.InputKey())
		}
		inputs[r.Attribute] = r.InputKey()
		if cat, ok := categorical[r.Attribute]; ok && cat != r.Match.IsCategorical() {
			return fmt.Errorf("%w: rule %s: attribute %s mixes categories and bands", ErrInvalidTable, r.ID, r.Attribute)
		}
		categorical[r.Attribute] = r.Match.IsCategorical()
		if r.ID == "" {
			return fmt.Errorf("%w: table %s: rule %d has no id", ErrInvalidTable, t.ID, i)
		}
		if r.Attribute == "" {
			return fmt.Errorf("%w: rule %s: attribute is required", ErrInvalidTable, r.ID)
		}
		if r.Adjustment.Kind() == "" {
			return fmt.Errorf("%w: rule %s: exactly one adjustment must be set", ErrInvalidTable, r.ID)
		}
		if r.Match.IsCategorical() && (r.Match.Min != nil || r.Match.Max != nil) {
			return fmt.Errorf("%w: rule %s: predicate mixes category and band", ErrInvalidTable, r.ID)
		}
		if r.Match.Min != nil && r.Match.Max != nil && r.Match.Min.GreaterThan(*r.Match.Max) {
			return fmt.Errorf("%w: rule %s: band min exceeds max", ErrInvalidTable, r.ID)
		}
		if r.Cap != nil && r.Cap.Min != nil && r.Cap.Max != nil && r.Cap.Min.GreaterThan(*r.Cap.Max) {
			return fmt.Errorf("%w: rule %s: cap min exceeds max", ErrInvalidTable, r.ID)
		}
	}

	for i := range t.SafetyRules {
		s := &t.SafetyRules[i]
		if s.ID == "" {
			return fmt.Errorf("%w: table %s: safety rule %d has no id", ErrInvalidTable, t.ID, i)
		}
		if s.AlertCode == "" {
			return fmt.Errorf("%w: safety rule %s: alertCode is required", ErrInvalidTable, s.ID)
		}
		if s.Bound != nil && s.BoundExpression != "" {
			return fmt.Errorf("%w: safety rule %s: bound and boundExpression are exclusive", ErrInvalidTable, s.ID)
		}
		switch s.Direction {
		case DirectionCeiling, DirectionFloor:
		case "":
			if s.Bounded() {
				return fmt.Errorf("%w: safety rule %s: direction is required with a bound", ErrInvalidTable, s.ID)
			}
		default:
			return fmt.Errorf("%w: safety rule %s: unknown direction %q", ErrInvalidTable, s.ID, s.Direction)
		}
	}

	return nil
}

// RulesFor returns the rules of one attribute in table order.
func (t *RuleTable) RulesFor(attribute string) []*Rule {
	var out []*Rule
	for i := range t.Rules {
		if t.Rules[i].Attribute == attribute {
			out = append(out, &t.Rules[i])
		}
	}
	return out
}

// Attributes returns the distinct attributes in first-appearance order.
func (t *RuleTable) Attributes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range t.Rules {
		if !seen[r.Attribute] {
			seen[r.Attribute] = true
			out = append(out, r.Attribute)
		}
	}
	return out
}
