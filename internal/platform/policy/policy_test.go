package policy

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const prodPolicy = `
schema: flowgate.gate-policy.v1
default_effect: allow
rules:
  - id: high-risk-prod
    description: high risk changes to production need approval
    effect: require_approval
    when:
      all:
        - {field: target.class, op: eq, value: production}
        - {field: risk.level, op: gte, value: "3"}
  - id: deny-bots
    effect: deny
    when:
      any:
        - {field: actor.id, op: matches, value: "^bot-"}
`

func TestParseSpecRejectsUnknownField(t *testing.T) {
	if _, err := ParseSpec([]byte(prodPolicy)); err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	bad := `
schema: flowgate.gate-policy.v1
rules:
  - id: r1
    effect: deny
    when:
      all:
        - {field: dataset.id, op: eq, value: x}
`
	if _, err := ParseSpec([]byte(bad)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := ParseSpec([]byte("schema: animus.policy.v1\n")); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestEvaluateRuleOrder(t *testing.T) {
	spec, err := ParseSpec([]byte(prodPolicy))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}

	cases := []struct {
		name   string
		ctx    Context
		effect string
		rule   string
	}{
		{"high risk prod", Context{TargetClass: "production", RiskTier: "HIGH", RiskLevel: 3, ActorID: "bot-1"}, EffectRequireApproval, "high-risk-prod"},
		{"medium prod by bot", Context{TargetClass: "production", RiskLevel: 2, ActorID: "bot-1"}, EffectDeny, "deny-bots"},
		{"staging", Context{TargetClass: "staging", RiskLevel: 3, ActorID: "alice"}, EffectAllow, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Evaluate(spec, tc.ctx)
			if err != nil {
				t.Fatalf("Evaluate() err=%v", err)
			}
			if d.Effect != tc.effect || d.RuleID != tc.rule {
				t.Fatalf("decision=%+v, want %s/%s", d, tc.effect, tc.rule)
			}
		})
	}
}

func TestEvaluateDefaultsToAllow(t *testing.T) {
	d, err := Evaluate(Spec{Schema: SpecSchemaV1}, Context{})
	if err != nil || d.Effect != EffectAllow || d.Reason != "default" {
		t.Fatalf("decision=%+v err=%v", d, err)
	}
}

func TestStaticProvider(t *testing.T) {
	if _, ok := Static(nil).Current(); ok {
		t.Fatalf("expected no policy")
	}
	spec := Spec{Schema: SpecSchemaV1}
	if got, ok := Static(&spec).Current(); !ok || got.Schema != SpecSchemaV1 {
		t.Fatalf("Current()=%+v,%v", got, ok)
	}
}

func TestWatcherReloadsAndKeepsLastValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gates.yaml")
	if err := os.WriteFile(path, []byte("schema: flowgate.gate-policy.v1\ndefault_effect: deny\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(slog.New(slog.NewJSONHandler(io.Discard, nil)), path)
	if err != nil {
		t.Fatalf("NewWatcher() err=%v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte(prodPolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return w.Reloads() >= 1 })
	spec, _ := w.Current()
	if len(spec.Rules) != 2 {
		t.Fatalf("rules=%d, want 2", len(spec.Rules))
	}

	if err := os.WriteFile(path, []byte("schema: nope\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	spec, _ = w.Current()
	if spec.Schema != SpecSchemaV1 || len(spec.Rules) != 2 {
		t.Fatalf("invalid update replaced spec: %+v", spec)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
