// Package policy evaluates operator-supplied gate rules against a promotion
// plan. Rules are read from YAML and evaluated first-match-wins.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "flowgate.gate-policy.v1"

const (
	EffectAllow           = "allow"
	EffectDeny            = "deny"
	EffectRequireApproval = "require_approval"
)

type Spec struct {
	Schema        string `json:"schema" yaml:"schema"`
	DefaultEffect string `json:"default_effect,omitempty" yaml:"default_effect,omitempty"`
	Rules         []Rule `json:"rules" yaml:"rules"`
}

type Rule struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      string         `json:"effect" yaml:"effect"`
	When        ConditionGroup `json:"when" yaml:"when"`
}

type ConditionGroup struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

type Condition struct {
	Field  string   `json:"field" yaml:"field"`
	Op     string   `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return Spec{}, fmt.Errorf("decode gate policy: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("schema must be %q", SpecSchemaV1)
	}
	if d := strings.TrimSpace(s.DefaultEffect); d != "" && normalizeEffect(d) == "" {
		return fmt.Errorf("default_effect unsupported: %q", s.DefaultEffect)
	}

	seen := make(map[string]struct{}, len(s.Rules))
	for i, rule := range s.Rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return fmt.Errorf("rules[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rules[%d].id must be unique (duplicate %q)", i, id)
		}
		seen[id] = struct{}{}

		if normalizeEffect(rule.Effect) == "" {
			return fmt.Errorf("rules[%d].effect unsupported: %q", i, rule.Effect)
		}
		if len(rule.When.All) == 0 && len(rule.When.Any) == 0 {
			return fmt.Errorf("rules[%d].when must include all or any", i)
		}
		for j, c := range append(append([]Condition{}, rule.When.All...), rule.When.Any...) {
			if err := c.validate(); err != nil {
				return fmt.Errorf("rules[%d].when[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func (c Condition) validate() error {
	if !knownField(c.Field) {
		return fmt.Errorf("unknown field %q", c.Field)
	}
	op := strings.ToLower(strings.TrimSpace(c.Op))
	switch op {
	case "exists":
		return nil
	case "in", "not_in":
		if len(trimNonEmpty(c.Values)) == 0 {
			return fmt.Errorf("values must be non-empty for %s", op)
		}
		return nil
	case "eq", "neq", "contains", "matches", "gt", "gte", "lt", "lte":
		if strings.TrimSpace(c.Value) == "" {
			return fmt.Errorf("value is required for %s", op)
		}
		return nil
	case "":
		return errors.New("op is required")
	default:
		return fmt.Errorf("op unsupported: %q", c.Op)
	}
}

func normalizeEffect(effect string) string {
	switch e := strings.ToLower(strings.TrimSpace(effect)); e {
	case EffectAllow, EffectDeny, EffectRequireApproval:
		return e
	default:
		return ""
	}
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
