package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Context is the view of a promotion plan that rules can match on.
type Context struct {
	SourceClass   string
	TargetClass   string
	TargetEnvID   string
	StageName     string
	RiskTier      string
	RiskLevel     int
	WorkflowCount int
	HotfixCount   int
	ActorID       string
	ActorRole     string
}

type Decision struct {
	Effect      string `json:"effect"`
	RuleID      string `json:"rule_id,omitempty"`
	Description string `json:"description,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

var fields = map[string]func(Context) (string, bool){
	"source.class":   func(c Context) (string, bool) { return c.SourceClass, c.SourceClass != "" },
	"target.class":   func(c Context) (string, bool) { return c.TargetClass, c.TargetClass != "" },
	"target.id":      func(c Context) (string, bool) { return c.TargetEnvID, c.TargetEnvID != "" },
	"stage.name":     func(c Context) (string, bool) { return c.StageName, c.StageName != "" },
	"risk.tier":      func(c Context) (string, bool) { return c.RiskTier, c.RiskTier != "" },
	"risk.level":     func(c Context) (string, bool) { return strconv.Itoa(c.RiskLevel), true },
	"workflow.count": func(c Context) (string, bool) { return strconv.Itoa(c.WorkflowCount), true },
	"hotfix.count":   func(c Context) (string, bool) { return strconv.Itoa(c.HotfixCount), true },
	"actor.id":       func(c Context) (string, bool) { return c.ActorID, c.ActorID != "" },
	"actor.role":     func(c Context) (string, bool) { return c.ActorRole, c.ActorRole != "" },
}

func knownField(name string) bool {
	_, ok := fields[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (c Context) Field(name string) (string, bool) {
	get, ok := fields[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", false
	}
	return get(c)
}

// Evaluate returns the effect of the first matching rule, or the default
// effect (allow when unset).
func Evaluate(spec Spec, ctx Context) (Decision, error) {
	if err := spec.Validate(); err != nil {
		return Decision{}, err
	}
	for _, rule := range spec.Rules {
		if rule.matches(ctx) {
			return Decision{
				Effect:      normalizeEffect(rule.Effect),
				RuleID:      strings.TrimSpace(rule.ID),
				Description: strings.TrimSpace(rule.Description),
				Reason:      "rule_match",
			}, nil
		}
	}
	effect := normalizeEffect(spec.DefaultEffect)
	if effect == "" {
		effect = EffectAllow
	}
	return Decision{Effect: effect, Reason: "default"}, nil
}

func (r Rule) matches(ctx Context) bool {
	for _, cond := range r.When.All {
		if !cond.matches(ctx) {
			return false
		}
	}
	if len(r.When.Any) == 0 {
		return true
	}
	for _, cond := range r.When.Any {
		if cond.matches(ctx) {
			return true
		}
	}
	return false
}

func (c Condition) matches(ctx Context) bool {
	value, ok := ctx.Field(c.Field)
	if !ok {
		return false
	}
	value = normalizeString(value)
	want := normalizeString(c.Value)
	switch op := strings.ToLower(strings.TrimSpace(c.Op)); op {
	case "exists":
		return true
	case "eq":
		return value == want
	case "neq":
		return value != want
	case "in":
		return containsNormalized(c.Values, value)
	case "not_in":
		return !containsNormalized(c.Values, value)
	case "contains":
		return strings.Contains(value, want)
	case "matches":
		re, err := regexp.Compile(strings.TrimSpace(c.Value))
		return err == nil && re.MatchString(value)
	case "gt", "gte", "lt", "lte":
		return compareNumber(value, want, op)
	default:
		return false
	}
}

func compareNumber(left, right, op string) bool {
	l, lerr := strconv.ParseFloat(left, 64)
	r, rerr := strconv.ParseFloat(right, 64)
	if lerr != nil || rerr != nil {
		return false
	}
	switch op {
	case "gt":
		return l > r
	case "gte":
		return l >= r
	case "lt":
		return l < r
	default:
		return l <= r
	}
}

func containsNormalized(values []string, target string) bool {
	for _, v := range values {
		if normalizeString(v) == target {
			return true
		}
	}
	return false
}

func normalizeString(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func (d Decision) String() string {
	if d.RuleID == "" {
		return fmt.Sprintf("%s (%s)", d.Effect, d.Reason)
	}
	return fmt.Sprintf("%s (rule %s)", d.Effect, d.RuleID)
}
