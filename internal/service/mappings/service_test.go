package mappings

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/auditlog"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/repo/memory"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

var tc = domain.TenantContext{TenantID: "t1", ActorID: "alice"}

func workflow(name, url string) []byte {
	return []byte(fmt.Sprintf(`{"name":%q,"nodes":[
 {"id":"n1","name":"Trigger","type":"n8n-nodes-base.manualTrigger","typeVersion":1},
 {"id":"n2","name":"Call","type":"n8n-nodes-base.httpRequest","typeVersion":4,"parameters":{"url":%q}}
],"connections":{"Trigger":{"main":[[{"node":"Call","type":"main","index":0}]]}},"settings":{}}`, name, url))
}

type fixture struct {
	store    *memory.Store
	sources  *workflowsource.MemoryResolver
	versions *versionstore.MemoryStore
	audit    *auditlog.MemoryRecorder
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		sources:  workflowsource.NewMemoryResolver(),
		versions: versionstore.NewMemoryStore(),
		audit:    auditlog.NewMemoryRecorder(),
	}
	ctx := context.Background()
	for _, id := range []string{"staging", "prod"} {
		if err := f.store.UpsertEnvironment(ctx, domain.Environment{ID: id, TenantID: tc.TenantID, Name: id, Class: domain.NormalizeEnvironmentClass(id)}); err != nil {
			t.Fatalf("UpsertEnvironment() err=%v", err)
		}
	}
	f.svc = New(Deps{
		Stores:   f.store.Stores(),
		Sources:  f.sources,
		Versions: f.versions,
		Audit:    f.audit,
		Now:      func() time.Time { return time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC) },
	})
	return f
}

func (f *fixture) mapping(t *testing.T, envID, workflowID string) domain.WorkflowEnvironmentMap {
	t.Helper()
	m, err := f.store.GetMappingByWorkflow(context.Background(), tc.TenantID, envID, workflowID)
	if err != nil {
		t.Fatalf("GetMappingByWorkflow(%s, %s) err=%v", envID, workflowID, err)
	}
	return m
}

func TestNewRequiresDeps(t *testing.T) {
	if New(Deps{}) != nil {
		t.Fatalf("expected nil service without deps")
	}
}

func TestOnboardCommitsCanonicalAndLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := workflow("Orders", "https://a.example")
	f.sources.Source("prod").Seed("wf-1", payload)

	maps, err := f.svc.Onboard(ctx, tc, "prod", []string{"wf-1"})
	if err != nil {
		t.Fatalf("Onboard() err=%v", err)
	}
	if len(maps) != 1 {
		t.Fatalf("expected one map, got %d", len(maps))
	}
	m := maps[0]
	hash, _ := normalize.HashRaw(payload)
	if m.Status != domain.MapLinked || m.GitContentHash != hash || m.EnvContentHash != hash || m.CanonicalID == "" {
		t.Fatalf("unexpected map %+v", m)
	}
	c, err := f.store.GetCanonical(ctx, tc.TenantID, m.CanonicalID)
	if err != nil {
		t.Fatalf("GetCanonical() err=%v", err)
	}
	if c.VersionPath != "tenants/t1/canonical/"+c.ID+".json" || c.ContentHash != hash || c.Name != "Orders" {
		t.Fatalf("unexpected canonical %+v", c)
	}
	committed, err := f.versions.ReadCommit(ctx, c.CommitRef, c.VersionPath)
	if err != nil {
		t.Fatalf("ReadCommit() err=%v", err)
	}
	if h, _ := normalize.HashRaw(committed); h != hash {
		t.Fatalf("committed hash=%s, want %s", h, hash)
	}
	if m.BaselineCommitRef != c.CommitRef || m.BaselinePath != c.VersionPath {
		t.Fatalf("map baseline %s@%s, want %s@%s", m.BaselinePath, m.BaselineCommitRef, c.VersionPath, c.CommitRef)
	}

	again, err := f.svc.Onboard(ctx, tc, "prod", []string{"wf-1"})
	if err != nil || len(again) != 1 || again[0].CanonicalID != m.CanonicalID {
		t.Fatalf("re-onboard=%+v err=%v", again, err)
	}
	if all, _ := f.store.ListCanonical(ctx, tc.TenantID); len(all) != 1 {
		t.Fatalf("expected one canonical workflow, got %d", len(all))
	}
	if _, err := f.svc.Onboard(ctx, tc, "prod", []string{"nope"}); !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestSyncAutoLinksUniqueHashMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := workflow("Orders", "https://a.example")
	f.sources.Source("staging").Seed("wf-1", payload)
	if _, err := f.svc.Onboard(ctx, tc, "staging", []string{"wf-1"}); err != nil {
		t.Fatalf("Onboard() err=%v", err)
	}
	canonicalID := f.mapping(t, "staging", "wf-1").CanonicalID

	f.sources.Source("prod").Seed("wf-7", payload)
	f.sources.Source("prod").Seed("wf-8", workflow("Billing", "https://b.example"))
	res, err := f.svc.Sync(ctx, tc, "prod")
	if err != nil {
		t.Fatalf("Sync() err=%v", err)
	}
	if len(res.AutoLinked) != 1 || res.AutoLinked[0] != "wf-7" || res.Unmapped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	staged := f.mapping(t, "staging", "wf-1")
	if m := f.mapping(t, "prod", "wf-7"); m.Status != domain.MapLinked || m.CanonicalID != canonicalID || m.BaselineCommitRef != staged.BaselineCommitRef {
		t.Fatalf("unexpected map %+v", m)
	}
	if m := f.mapping(t, "prod", "wf-8"); m.Status != domain.MapUnmapped || m.EnvContentHash == "" || m.BaselineCommitRef != "" {
		t.Fatalf("unexpected map %+v", m)
	}
}

func TestSyncDoesNotLinkCanonicalTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := workflow("Orders", "https://a.example")
	f.sources.Source("prod").Seed("wf-1", payload)
	if _, err := f.svc.Onboard(ctx, tc, "prod", []string{"wf-1"}); err != nil {
		t.Fatalf("Onboard() err=%v", err)
	}

	// A copy with the same content must not steal the canonical link.
	f.sources.Source("prod").Seed("wf-2", payload)
	res, err := f.svc.Sync(ctx, tc, "prod")
	if err != nil {
		t.Fatalf("Sync() err=%v", err)
	}
	if len(res.AutoLinked) != 0 || res.Linked != 1 || res.Unmapped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if m := f.mapping(t, "prod", "wf-2"); m.Status != domain.MapUnmapped {
		t.Fatalf("copy status=%s, want UNMAPPED", m.Status)
	}
}

func TestSyncMissingAndReturning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := workflow("Orders", "https://a.example")
	prod := f.sources.Source("prod")
	prod.Seed("wf-1", payload)
	prod.Seed("wf-2", workflow("Billing", "https://b.example"))
	if _, err := f.svc.Onboard(ctx, tc, "prod", []string{"wf-1"}); err != nil {
		t.Fatalf("Onboard() err=%v", err)
	}
	if _, err := f.svc.Sync(ctx, tc, "prod"); err != nil {
		t.Fatalf("Sync() err=%v", err)
	}

	if err := prod.DeleteWorkflow(ctx, "wf-1"); err != nil {
		t.Fatalf("DeleteWorkflow() err=%v", err)
	}
	if err := prod.DeleteWorkflow(ctx, "wf-2"); err != nil {
		t.Fatalf("DeleteWorkflow() err=%v", err)
	}
	res, err := f.svc.Sync(ctx, tc, "prod")
	if err != nil {
		t.Fatalf("Sync() err=%v", err)
	}
	if res.Missing != 2 {
		t.Fatalf("missing=%d, want 2", res.Missing)
	}
	if m := f.mapping(t, "prod", "wf-1"); m.Status != domain.MapMissing || m.CanonicalID == "" {
		t.Fatalf("unexpected map %+v", m)
	}

	prod.Seed("wf-1", payload)
	prod.Seed("wf-2", workflow("Billing", "https://b.example"))
	res, err = f.svc.Sync(ctx, tc, "prod")
	if err != nil {
		t.Fatalf("Sync() err=%v", err)
	}
	if len(res.Relinked) != 1 || res.Relinked[0] != "wf-1" || res.Unmapped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if m := f.mapping(t, "prod", "wf-1"); m.Status != domain.MapLinked {
		t.Fatalf("wf-1 status=%s, want LINKED", m.Status)
	}
	if m := f.mapping(t, "prod", "wf-2"); m.Status != domain.MapUnmapped {
		t.Fatalf("wf-2 status=%s, want UNMAPPED", m.Status)
	}
}

func TestIgnoredMapsAreUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sources.Source("prod").Seed("wf-1", workflow("Orders", "https://a.example"))
	if _, err := f.svc.Sync(ctx, tc, "prod"); err != nil {
		t.Fatalf("Sync() err=%v", err)
	}
	m, err := f.svc.Ignore(ctx, tc, f.mapping(t, "prod", "wf-1").ID)
	if err != nil || m.Status != domain.MapIgnored {
		t.Fatalf("Ignore()=%+v err=%v", m, err)
	}

	f.sources.Source("prod").Seed("wf-1", workflow("Orders", "https://changed.example"))
	res, err := f.svc.Sync(ctx, tc, "prod")
	if err != nil {
		t.Fatalf("Sync() err=%v", err)
	}
	if res.Ignored != 1 {
		t.Fatalf("ignored=%d, want 1", res.Ignored)
	}
	after := f.mapping(t, "prod", "wf-1")
	if after.Status != domain.MapIgnored || after.EnvContentHash != m.EnvContentHash {
		t.Fatalf("sync touched ignored map: %+v", after)
	}
	if _, err := f.svc.Ignore(ctx, tc, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetireUnlinksMaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := workflow("Orders", "https://a.example")
	f.sources.Source("prod").Seed("wf-1", payload)
	maps, err := f.svc.Onboard(ctx, tc, "prod", []string{"wf-1"})
	if err != nil {
		t.Fatalf("Onboard() err=%v", err)
	}

	c, err := f.svc.Retire(ctx, tc, maps[0].CanonicalID)
	if err != nil || !c.Retired() {
		t.Fatalf("Retire()=%+v err=%v", c, err)
	}
	if m := f.mapping(t, "prod", "wf-1"); m.Status != domain.MapUnmapped || m.CanonicalID != "" {
		t.Fatalf("unexpected map %+v", m)
	}
	// A retired canonical workflow is never auto-linked again.
	res, err := f.svc.Sync(ctx, tc, "prod")
	if err != nil || len(res.AutoLinked) != 0 {
		t.Fatalf("Sync()=%+v err=%v", res, err)
	}
	if got := f.audit.Actions("canonical.retired"); len(got) != 1 {
		t.Fatalf("audit actions=%v", got)
	}
}

func TestSyncSourceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.sources.Source("prod").ListErr = errors.New("dial tcp: refused")
	if _, err := f.svc.Sync(context.Background(), tc, "prod"); !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if _, err := f.svc.Sync(context.Background(), tc, "qa"); !errors.Is(err, domain.ErrEnvironmentNotFound) {
		t.Fatalf("expected ErrEnvironmentNotFound, got %v", err)
	}
}

func TestOnboardingJobPhases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prod := f.sources.Source("prod")
	prod.Seed("wf-1", workflow("Orders", "https://a.example"))
	prod.Seed("wf-2", workflow("Billing", "https://b.example"))
	prod.Seed("wf-3", []byte(`{"name":"Broken"}`))
	if _, err := f.svc.Onboard(ctx, tc, "prod", []string{"wf-1"}); err != nil {
		t.Fatalf("Onboard() err=%v", err)
	}

	job, err := f.svc.StartOnboarding(ctx, tc, "prod", nil)
	if err != nil {
		t.Fatalf("StartOnboarding() err=%v", err)
	}
	if job.Phase != domain.OnboardingQueued {
		t.Fatalf("phase=%s, want queued", job.Phase)
	}
	f.svc.Wait()

	got, err := f.svc.GetJob(ctx, tc, job.ID)
	if err != nil {
		t.Fatalf("GetJob() err=%v", err)
	}
	if got.Phase != domain.OnboardingCompleted || got.Total != 1 || got.Done != 1 || got.Failed != 0 {
		t.Fatalf("unexpected job %+v", got)
	}
	if m := f.mapping(t, "prod", "wf-2"); m.Status != domain.MapLinked {
		t.Fatalf("wf-2 status=%s, want LINKED", m.Status)
	}
	if _, err := f.store.GetMappingByWorkflow(ctx, tc.TenantID, "prod", "wf-3"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("malformed workflow must not be onboarded, got %v", err)
	}
	if _, err := f.svc.GetJob(ctx, domain.TenantContext{TenantID: "t2", ActorID: "bob"}, job.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestOnboardingJobFailsWhenSourceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sources.Source("prod").ListErr = errors.New("dial tcp: refused")

	job, err := f.svc.StartOnboarding(ctx, tc, "prod", nil)
	if err != nil {
		t.Fatalf("StartOnboarding() err=%v", err)
	}
	f.svc.Wait()
	got, err := f.svc.GetJob(ctx, tc, job.ID)
	if err != nil {
		t.Fatalf("GetJob() err=%v", err)
	}
	if got.Phase != domain.OnboardingFailed || len(got.Errors) != 1 {
		t.Fatalf("unexpected job %+v", got)
	}
}
