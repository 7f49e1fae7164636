package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo/memory"
)

const sample = `
schema: flowgate.bootstrap.v1
tenants:
  - id: t1
    environments:
      - id: dev
        class: dev
        source_url: http://dev.internal:5678
        source_api_key_env: DEV_API_KEY
      - id: prod
        name: Production
        class: production
        source_url: http://prod.internal:5678
    stages:
      - source: dev
        target: prod
        require_approval: true
        require_credentials: true
        schedule:
          days: [mon, tue, wed, thu, fri]
          start_hour: 9
          end_hour: 17
          timezone: UTC
    drift_policy:
      ttl:
        high: 4h
      block_promotions_on_breach: false
`

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("schema: flowgate.bootstrap.v1\ntenants:\n  - id: t1\n    colour: blue\n"))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"schema":   "schema: other\n",
		"tenant":   "schema: flowgate.bootstrap.v1\ntenants:\n  - environments: []\n",
		"class":    "schema: flowgate.bootstrap.v1\ntenants:\n  - id: t1\n    environments:\n      - id: qa\n        class: qa\n",
		"loop":     "schema: flowgate.bootstrap.v1\ntenants:\n  - id: t1\n    stages:\n      - source: dev\n        target: dev\n",
		"day":      "schema: flowgate.bootstrap.v1\ntenants:\n  - id: t1\n    stages:\n      - source: a\n        target: b\n        schedule: {days: [funday], start_hour: 1, end_hour: 2}\n",
		"severity": "schema: flowgate.bootstrap.v1\ntenants:\n  - id: t1\n    drift_policy:\n      ttl: {urgent: 1h}\n",
	}
	for name, input := range cases {
		if _, err := Parse([]byte(input)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestApply(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	store := memory.New()
	ctx := context.Background()
	res, err := Apply(ctx, nil, store.Stores(), f)
	if err != nil {
		t.Fatalf("Apply() err=%v", err)
	}
	if res.Environments != 2 || res.Stages != 1 || res.Policies != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	prod, err := store.GetEnvironment(ctx, "t1", "prod")
	if err != nil || prod.Class != domain.EnvironmentProduction || prod.Name != "Production" {
		t.Fatalf("prod=%+v err=%v", prod, err)
	}
	dev, _ := store.GetEnvironment(ctx, "t1", "dev")
	if dev.Name != "dev" || dev.SourceAPIKeyEnv != "DEV_API_KEY" {
		t.Fatalf("unexpected dev %+v", dev)
	}

	stage, err := store.GetStageByEnvironments(ctx, "t1", "dev", "prod")
	if err != nil {
		t.Fatalf("GetStageByEnvironments() err=%v", err)
	}
	if stage.ID != "dev-prod" || !stage.RequireApproval || !stage.RequireCredentials || stage.ScheduleWindow == nil {
		t.Fatalf("unexpected stage %+v", stage)
	}
	if len(stage.ScheduleWindow.Days) != 5 || stage.ScheduleWindow.Days[0] != time.Monday {
		t.Fatalf("unexpected schedule %+v", stage.ScheduleWindow)
	}

	policy, err := store.GetDriftPolicy(ctx, "t1")
	if err != nil {
		t.Fatalf("GetDriftPolicy() err=%v", err)
	}
	if policy.TTLFor(domain.SeverityHigh) != 4*time.Hour || policy.TTLFor(domain.SeverityLow) != 168*time.Hour {
		t.Fatalf("unexpected ttl %+v", policy.TTL)
	}
	if policy.BlockPromotionsOnBreach || !policy.AutoResolveWhenClean {
		t.Fatalf("unexpected policy %+v", policy)
	}

	// Applying the same file twice is a no-op.
	if _, err := Apply(ctx, nil, store.Stores(), f); err != nil {
		t.Fatalf("second Apply() err=%v", err)
	}
	if stages, _ := store.ListStages(ctx, "t1"); len(stages) != 1 {
		t.Fatalf("expected one stage, got %d", len(stages))
	}
}

func TestApplyRefusesClassChangeWithoutRevalidate(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	store := memory.New()
	ctx := context.Background()
	if _, err := Apply(ctx, nil, store.Stores(), f); err != nil {
		t.Fatalf("Apply() err=%v", err)
	}

	changed := strings.Replace(sample, "        class: production\n", "        class: staging\n", 1)
	f2, err := Parse([]byte(changed))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if _, err := Apply(ctx, nil, store.Stores(), f2); err == nil || !strings.Contains(err.Error(), "requires revalidation") {
		t.Fatalf("expected revalidation error, got %v", err)
	}
	if prod, _ := store.GetEnvironment(ctx, "t1", "prod"); prod.Class != domain.EnvironmentProduction {
		t.Fatalf("class changed without revalidation: %s", prod.Class)
	}

	revalidated := strings.Replace(changed, "        class: staging\n", "        class: staging\n        revalidate: true\n", 1)
	f3, err := Parse([]byte(revalidated))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if _, err := Apply(ctx, nil, store.Stores(), f3); err != nil {
		t.Fatalf("Apply() with revalidate err=%v", err)
	}
	if prod, _ := store.GetEnvironment(ctx, "t1", "prod"); prod.Class != domain.EnvironmentStaging {
		t.Fatalf("class=%s, want staging", prod.Class)
	}
}

func TestApplyUnknownStageEnvironment(t *testing.T) {
	f, err := Parse([]byte("schema: flowgate.bootstrap.v1\ntenants:\n  - id: t1\n    stages:\n      - source: dev\n        target: prod\n"))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if _, err := Apply(context.Background(), nil, memory.New().Stores(), f); err == nil {
		t.Fatalf("expected missing environment error")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() err=%v", err)
	}
	if len(f.Tenants) != 1 || len(f.Tenants[0].Environments) != 2 {
		t.Fatalf("unexpected file %+v", f)
	}
}
