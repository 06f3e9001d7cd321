package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

// Finding is a lint result for a rule table.
type Finding struct {
	Severity  domain.AlertSeverity `json:"severity"`
	Attribute string               `json:"attribute,omitempty"`
	RuleID    string               `json:"ruleId,omitempty"`
	Message   string               `json:"message"`
}

// Lint inspects a table for problems that validation accepts but authors
// usually want to know about: overlapping bands (resolved first-match-wins),
// gaps between bands, shadowed categories and order entries with no rules.
// Structural validation errors, such as a dimension mixing categories and
// bands, are reported as error findings.
func Lint(table *domain.RuleTable) []Finding {
	var findings []Finding
	if err := table.Validate(); err != nil {
		findings = append(findings, Finding{Severity: domain.SeverityError, Message: err.Error()})
		if table == nil {
			return findings
		}
	}
	if _, err := CompileSafety(table.SafetyRules); err != nil {
		findings = append(findings, Finding{Severity: domain.SeverityError, Message: err.Error()})
	}

	ids := make(map[string]bool)
	for _, r := range table.Rules {
		if ids[r.ID] {
			findings = append(findings, Finding{
				Severity:  domain.SeverityError,
				Attribute: r.Attribute,
				RuleID:    r.ID,
				Message:   fmt.Sprintf("duplicate rule id %s", r.ID),
			})
		}
		ids[r.ID] = true
	}

	for _, attribute := range table.Attributes() {
		findings = append(findings, lintDimension(attribute, table.RulesFor(attribute))...)
	}

	for _, attribute := range table.Order {
		if len(table.RulesFor(attribute)) == 0 {
			findings = append(findings, Finding{
				Severity:  domain.SeverityError,
				Attribute: attribute,
				Message:   fmt.Sprintf("order references %s but no rule uses it", attribute),
			})
		}
	}

	return findings
}

func lintDimension(attribute string, rules []*domain.Rule) []Finding {
	var findings []Finding
	var bands, categories []*domain.Rule
	for _, r := range rules {
		if r.Match.IsCategorical() {
			categories = append(categories, r)
		} else {
			bands = append(bands, r)
		}
	}

	seen := make(map[string]string)
	for _, r := range categories {
		key := strings.ToLower(strings.TrimSpace(r.Match.Equals))
		if first, ok := seen[key]; ok {
			findings = append(findings, Finding{
				Severity:  domain.SeverityWarning,
				Attribute: attribute,
				RuleID:    r.ID,
				Message:   fmt.Sprintf("category %q of rule %s is shadowed by rule %s", r.Match.Equals, r.ID, first),
			})
			continue
		}
		seen[key] = r.ID
	}

	for i := 0; i < len(bands); i++ {
		for j := i + 1; j < len(bands); j++ {
			if overlaps(bands[i].Match, bands[j].Match) {
				findings = append(findings, Finding{
					Severity:  domain.SeverityWarning,
					Attribute: attribute,
					RuleID:    bands[j].ID,
					Message: fmt.Sprintf("band %s of rule %s overlaps %s of rule %s; %s wins where they meet",
						bands[j].Match, bands[j].ID, bands[i].Match, bands[i].ID, bands[i].ID),
				})
			}
		}
	}

	findings = append(findings, gaps(attribute, bands)...)
	return findings
}

// overlaps reports whether two inclusive bands share at least one value.
func overlaps(a, b domain.Predicate) bool {
	if a.Max != nil && b.Min != nil && a.Max.LessThan(*b.Min) {
		return false
	}
	if b.Max != nil && a.Min != nil && b.Max.LessThan(*a.Min) {
		return false
	}
	return true
}

// gaps reports uncovered ranges between bands sorted by lower bound. Values
// in a gap resolve to no rule.
func gaps(attribute string, bands []*domain.Rule) []Finding {
	if len(bands) < 2 {
		return nil
	}
	sorted := append([]*domain.Rule(nil), bands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lower(sorted[i].Match).LessThan(lower(sorted[j].Match))
	})

	var findings []Finding
	reach := sorted[0].Match.Max
	for _, r := range sorted[1:] {
		if reach == nil {
			return findings
		}
		if r.Match.Min != nil && r.Match.Min.GreaterThan(*reach) {
			findings = append(findings, Finding{
				Severity:  domain.SeverityInfo,
				Attribute: attribute,
				RuleID:    r.ID,
				Message:   fmt.Sprintf("values between %s and %s match no %s band", reach, r.Match.Min, attribute),
			})
		}
		if r.Match.Max == nil || r.Match.Max.GreaterThan(*reach) {
			reach = r.Match.Max
		}
	}
	return findings
}

var minusInfinity = decimal.New(-1, 18)

func lower(p domain.Predicate) decimal.Decimal {
	if p.Min == nil {
		return minusInfinity
	}
	return *p.Min
}
