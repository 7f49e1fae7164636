package promotions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/envlock"
	"github.com/animus-labs/flowgate/internal/platform/auditlog"
	"github.com/animus-labs/flowgate/internal/platform/policy"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/repo/memory"
	"github.com/animus-labs/flowgate/internal/service/snapshots"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

var tc = domain.TenantContext{TenantID: "t1", ActorID: "alice", Role: "operator"}

func workflow(name, url string) []byte {
	return []byte(fmt.Sprintf(`{"name":%q,"nodes":[
 {"id":"n1","name":"Trigger","type":"n8n-nodes-base.manualTrigger","typeVersion":1},
 {"id":"n2","name":"Call","type":"n8n-nodes-base.httpRequest","typeVersion":4,"parameters":{"url":%q}}
],"connections":{"Trigger":{"main":[[{"node":"Call","type":"main","index":0}]]}},"settings":{}}`, name, url))
}

func workflowWithCredential(name, credential string) []byte {
	return []byte(fmt.Sprintf(`{"name":%q,"nodes":[
 {"id":"n1","name":"Trigger","type":"n8n-nodes-base.manualTrigger","typeVersion":1},
 {"id":"n2","name":"Call","type":"n8n-nodes-base.httpRequest","typeVersion":4,"parameters":{"url":"https://a.example"},
  "credentials":{"httpBasicAuth":{"id":"c1","name":%q}}}
],"connections":{"Trigger":{"main":[[{"node":"Call","type":"main","index":0}]]}}}`, name, credential))
}

type fakeDrift struct {
	exposure domain.DriftExposure
	err      error
	calls    [][]string
}

func (f *fakeDrift) BlockingIncidents(_ context.Context, _ domain.TenantContext, _ string, canonicalIDs []string, _ time.Time) (domain.DriftExposure, error) {
	f.calls = append(f.calls, canonicalIDs)
	return f.exposure, f.err
}

// gatedSource blocks creates until release is closed.
type gatedSource struct {
	workflowsource.Source
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedSource) CreateWorkflow(ctx context.Context, payload []byte) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.Source.CreateWorkflow(ctx, payload)
}

type gatedResolver struct {
	*workflowsource.MemoryResolver
	gates map[string]workflowsource.Source
}

func (r *gatedResolver) SourceFor(ctx context.Context, env domain.Environment) (workflowsource.Source, error) {
	if g, ok := r.gates[env.ID]; ok {
		return g, nil
	}
	return r.MemoryResolver.SourceFor(ctx, env)
}

type fixture struct {
	store    *memory.Store
	sources  *workflowsource.MemoryResolver
	resolver *gatedResolver
	versions *versionstore.MemoryStore
	locker   *envlock.MemoryLocker
	audit    *auditlog.MemoryRecorder
	drift    *fakeDrift
	snaps    *snapshots.Service
	clock    time.Time
	policy   *policy.Spec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sources := workflowsource.NewMemoryResolver()
	f := &fixture{
		store:    memory.New(),
		sources:  sources,
		resolver: &gatedResolver{MemoryResolver: sources, gates: map[string]workflowsource.Source{}},
		versions: versionstore.NewMemoryStore(),
		locker:   envlock.NewMemoryLocker(),
		audit:    auditlog.NewMemoryRecorder(),
		drift:    &fakeDrift{},
		clock:    time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	ctx := context.Background()
	for id, class := range map[string]domain.EnvironmentClass{
		"dev":     domain.EnvironmentDev,
		"staging": domain.EnvironmentStaging,
		"prod":    domain.EnvironmentProduction,
	} {
		if err := f.store.UpsertEnvironment(ctx, domain.Environment{ID: id, TenantID: tc.TenantID, Name: id, Class: class}); err != nil {
			t.Fatalf("UpsertEnvironment() err=%v", err)
		}
	}
	f.stage(t, func(*domain.PipelineStage) {})
	f.snaps = snapshots.New(snapshots.Deps{
		Environments: f.store,
		Snapshots:    f.store,
		Sources:      f.resolver,
		Versions:     f.versions,
		Locker:       f.locker,
		Audit:        f.audit,
		Now:          f.now,
	})
	return f
}

func (f *fixture) now() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

// stage upserts the dev -> prod stage after applying mutate.
func (f *fixture) stage(t *testing.T, mutate func(*domain.PipelineStage)) {
	t.Helper()
	s := domain.PipelineStage{
		ID:                  "dev-prod",
		TenantID:            tc.TenantID,
		PipelineID:          "main",
		Name:                "dev to prod",
		SourceEnvironmentID: "dev",
		TargetEnvironmentID: "prod",
	}
	mutate(&s)
	if err := f.store.UpsertStage(context.Background(), s); err != nil {
		t.Fatalf("UpsertStage() err=%v", err)
	}
}

func (f *fixture) service(t *testing.T) *Service {
	t.Helper()
	svc := New(Deps{
		Stores:    f.store.Stores(),
		Sources:   f.resolver,
		Versions:  f.versions,
		Locker:    f.locker,
		Snapshots: f.snaps,
		Drift:     f.drift,
		Policy:    policy.Static(f.policy),
		Audit:     f.audit,
		Now:       f.now,
	})
	if svc == nil {
		t.Fatalf("New() returned nil")
	}
	return svc
}

// link records payload as the canonical baseline of canonicalID and links
// workflowID in envID to it.
func (f *fixture) link(t *testing.T, envID, workflowID, canonicalID string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	hash, err := normalize.HashRaw(payload)
	if err != nil {
		t.Fatalf("HashRaw() err=%v", err)
	}
	if _, err := f.store.GetCanonical(ctx, tc.TenantID, canonicalID); errors.Is(err, repo.ErrNotFound) {
		path := versionstore.CanonicalPath(tc.TenantID, canonicalID)
		ref, err := f.versions.WriteCommit(ctx, path, payload)
		if err != nil {
			t.Fatalf("WriteCommit() err=%v", err)
		}
		err = f.store.CreateCanonical(ctx, domain.CanonicalWorkflow{
			ID: canonicalID, TenantID: tc.TenantID, Name: normalize.WorkflowName(payload),
			ContentHash: hash, CommitRef: ref, VersionPath: path, CreatedAt: f.clock, UpdatedAt: f.clock,
		})
		if err != nil {
			t.Fatalf("CreateCanonical() err=%v", err)
		}
	}
	c, err := f.store.GetCanonical(ctx, tc.TenantID, canonicalID)
	if err != nil {
		t.Fatalf("GetCanonical() err=%v", err)
	}
	err = f.store.UpsertMapping(ctx, domain.WorkflowEnvironmentMap{
		ID: uuid.NewString(), TenantID: tc.TenantID, EnvironmentID: envID, WorkflowID: workflowID,
		WorkflowName: normalize.WorkflowName(payload), CanonicalID: canonicalID, Status: domain.MapLinked,
		GitContentHash: hash, EnvContentHash: hash, BaselineCommitRef: c.CommitRef, BaselinePath: c.VersionPath,
	})
	if err != nil {
		t.Fatalf("UpsertMapping() err=%v", err)
	}
}

func (f *fixture) promotions(t *testing.T) []domain.Promotion {
	t.Helper()
	out, err := f.store.ListPromotions(context.Background(), repo.PromotionFilter{TenantID: tc.TenantID})
	if err != nil {
		t.Fatalf("ListPromotions() err=%v", err)
	}
	return out
}

func (f *fixture) snapshotsOf(t *testing.T, envID string, typ domain.SnapshotType) []domain.Snapshot {
	t.Helper()
	out, err := f.store.ListSnapshots(context.Background(), repo.SnapshotFilter{TenantID: tc.TenantID, EnvironmentID: envID, Type: typ})
	if err != nil {
		t.Fatalf("ListSnapshots() err=%v", err)
	}
	return out
}

var devToProd = InitiateRequest{SourceEnvironmentID: "dev", TargetEnvironmentID: "prod", Reason: "release"}

func TestNewRequiresDeps(t *testing.T) {
	if New(Deps{}) != nil {
		t.Fatalf("expected nil service without deps")
	}
}

func TestInitiateWithoutStage(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	f.sources.Source("staging").Seed("wf-1", workflow("Orders", "https://a.example"))

	_, err := svc.Initiate(context.Background(), tc, InitiateRequest{SourceEnvironmentID: "staging", TargetEnvironmentID: "prod"})
	if !errors.Is(err, domain.ErrPipelineStageNotFound) {
		t.Fatalf("expected ErrPipelineStageNotFound, got %v", err)
	}
	if n := len(f.promotions(t)); n != 0 {
		t.Fatalf("persisted %d promotions", n)
	}
}

func TestInitiatePlansCreate(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))

	p, err := svc.Initiate(context.Background(), tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	if p.Status != domain.PromotionPending || p.RequestedBy != "alice" || p.Reason != "release" {
		t.Fatalf("unexpected promotion %+v", p)
	}
	if len(p.Workflows) != 1 || p.Workflows[0].Action != domain.ActionCreate || p.Workflows[0].Name != "Orders" {
		t.Fatalf("unexpected plan %+v", p.Workflows)
	}
	if p.OverallRisk != domain.RiskHigh {
		t.Fatalf("new workflow risk=%s, want HIGH", p.OverallRisk)
	}
	if got := f.audit.Actions("promotion."); len(got) != 1 || got[0] != "promotion.initiated" {
		t.Fatalf("audit actions=%v", got)
	}
	if _, err := svc.Get(context.Background(), domain.TenantContext{TenantID: "t2", ActorID: "bob"}, p.ID); !errors.Is(err, domain.ErrPromotionNotFound) {
		t.Fatalf("expected ErrPromotionNotFound across tenants, got %v", err)
	}
}

func TestInitiateUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	req := devToProd
	req.WorkflowIDs = []string{"missing"}
	if _, err := svc.Initiate(context.Background(), tc, req); !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestInitiateDriftBlocks(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	payload := workflow("Orders", "https://a.example")
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://b.example"))
	f.link(t, "dev", "wf-1", "c1", payload)
	f.drift.exposure = domain.DriftExposure{
		Active:   []domain.DriftIncident{{ID: "inc-1"}},
		Blocking: []domain.DriftIncident{{ID: "inc-1"}},
	}

	_, err := svc.Initiate(context.Background(), tc, devToProd)
	if !errors.Is(err, domain.ErrActiveDriftBlocksPromotion) {
		t.Fatalf("expected ErrActiveDriftBlocksPromotion, got %v", err)
	}
	if len(f.drift.calls) != 1 || len(f.drift.calls[0]) != 1 || f.drift.calls[0][0] != "c1" {
		t.Fatalf("drift gate called with %v", f.drift.calls)
	}
	if n := len(f.promotions(t)); n != 0 {
		t.Fatalf("persisted %d promotions", n)
	}
}

func TestInitiateGateFailuresPersistNothing(t *testing.T) {
	denyProd, err := policy.ParseSpec([]byte(`
schema: flowgate.gate-policy.v1
rules:
  - id: freeze-prod
    effect: deny
    when:
      all:
        - field: target.class
          op: eq
          value: production
`))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}

	cases := []struct {
		name  string
		gate  string
		setup func(t *testing.T, f *fixture)
	}{
		{
			name: "missing credentials",
			gate: GateCredentials,
			setup: func(t *testing.T, f *fixture) {
				f.stage(t, func(s *domain.PipelineStage) { s.RequireCredentials = true })
				f.sources.Source("dev").Seed("wf-1", workflowWithCredential("Orders", "prod-basic"))
			},
		},
		{
			name: "outside schedule window",
			gate: GateSchedule,
			setup: func(t *testing.T, f *fixture) {
				f.stage(t, func(s *domain.PipelineStage) {
					s.ScheduleWindow = &domain.ScheduleWindow{StartHour: 1, EndHour: 2, Timezone: "UTC"}
				})
				f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))
			},
		},
		{
			name: "policy deny",
			gate: GatePolicy,
			setup: func(t *testing.T, f *fixture) {
				f.policy = &denyProd
				f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))
			},
		},
		{
			name: "drift not clean",
			gate: GateDrift,
			setup: func(t *testing.T, f *fixture) {
				f.stage(t, func(s *domain.PipelineStage) { s.RequireDriftClean = true })
				f.drift.exposure = domain.DriftExposure{Active: []domain.DriftIncident{{ID: "inc-1"}}}
				f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))
			},
		},
		{
			name: "nothing to promote",
			gate: GatePlan,
			setup: func(t *testing.T, f *fixture) {
				f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))
				f.sources.Source("prod").Seed("wf-9", workflow("Orders", "https://a.example"))
			},
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)
			svc := f.service(t)

			_, err := svc.Initiate(context.Background(), tc, devToProd)
			if !errors.Is(err, domain.ErrGateFailed) {
				t.Fatalf("expected ErrGateFailed, got %v", err)
			}
			var gerr *domain.GateError
			if !errors.As(err, &gerr) || len(gerr.Failed) != 1 || gerr.Failed[0].Name != tt.gate {
				t.Fatalf("expected only gate %s to fail, got %v", tt.gate, err)
			}
			if n := len(f.promotions(t)); n != 0 {
				t.Fatalf("persisted %d promotions", n)
			}
			if n := f.sources.Source("prod").Mutations(); n != 0 {
				t.Fatalf("target mutated %d times", n)
			}
		})
	}
}

func TestCredentialGatePassesWhenPresent(t *testing.T) {
	f := newFixture(t)
	f.stage(t, func(s *domain.PipelineStage) { s.RequireCredentials = true })
	f.sources.Source("dev").Seed("wf-1", workflowWithCredential("Orders", "prod-basic"))
	f.sources.Source("prod").SetCredentials(domain.Credential{ID: "x", Type: "httpBasicAuth", Name: "prod-basic"})
	svc := f.service(t)

	if _, err := svc.Initiate(context.Background(), tc, devToProd); err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	approveProd, err := policy.ParseSpec([]byte(`
schema: flowgate.gate-policy.v1
rules:
  - id: high-risk-prod
    effect: require_approval
    when:
      all:
        - field: target.class
          op: eq
          value: production
        - field: risk.tier
          op: eq
          value: HIGH
`))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	f.policy = &approveProd
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))
	svc := f.service(t)

	p, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	if p.Status != domain.PromotionPendingApproval {
		t.Fatalf("status=%s, want PENDING_APPROVAL", p.Status)
	}
	var terr *domain.TransitionError
	if _, err := svc.Execute(ctx, tc, p.ID); !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError executing unapproved promotion, got %v", err)
	}

	approver := domain.TenantContext{TenantID: tc.TenantID, ActorID: "bob"}
	p, err = svc.Approve(ctx, approver, p.ID, "lgtm")
	if err != nil {
		t.Fatalf("Approve() err=%v", err)
	}
	if p.Status != domain.PromotionApproved || p.Decision == nil || p.Decision.By != "bob" || p.Decision.Comment != "lgtm" {
		t.Fatalf("unexpected promotion %+v", p)
	}
	if _, err := svc.Reject(ctx, approver, p.ID, ""); !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError rejecting approved promotion, got %v", err)
	}

	p, err = svc.Execute(ctx, tc, p.ID)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if p.Status != domain.PromotionCompleted {
		t.Fatalf("status=%s, want COMPLETED", p.Status)
	}
}

func TestRejectAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stage(t, func(s *domain.PipelineStage) { s.RequireApproval = true })
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))
	svc := f.service(t)

	p, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	p, err = svc.Reject(ctx, tc, p.ID, "not today")
	if err != nil || p.Status != domain.PromotionRejected {
		t.Fatalf("Reject()=%+v err=%v", p, err)
	}

	q, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	q, err = svc.Cancel(ctx, tc, q.ID, "superseded")
	if err != nil || q.Status != domain.PromotionCancelled {
		t.Fatalf("Cancel()=%+v err=%v", q, err)
	}

	r, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	current := r.Status
	r.Status = domain.PromotionRunning
	if err := f.store.UpdatePromotion(ctx, r, current); err != nil {
		t.Fatalf("UpdatePromotion() err=%v", err)
	}
	var terr *domain.TransitionError
	if _, err := svc.Cancel(ctx, tc, r.ID, ""); !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError cancelling a running promotion, got %v", err)
	}
}

func TestExecuteFirstPromotion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))
	svc := f.service(t)

	if _, err := f.snaps.GetLatest(ctx, tc, "prod", domain.SnapshotPrePromotion); !errors.Is(err, domain.ErrNoSnapshotFound) {
		t.Fatalf("expected ErrNoSnapshotFound before first promotion, got %v", err)
	}
	p, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	p, err = svc.Execute(ctx, tc, p.ID)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if p.Status != domain.PromotionCompleted || p.PreSnapshotID == "" || p.PostSnapshotID == "" {
		t.Fatalf("unexpected promotion %+v", p)
	}
	if n := len(f.snapshotsOf(t, "prod", domain.SnapshotPrePromotion)); n != 1 {
		t.Fatalf("expected exactly one pre_promotion snapshot, got %d", n)
	}
	if _, err := f.snaps.GetLatest(ctx, tc, "prod", domain.SnapshotPrePromotion); err != nil {
		t.Fatalf("GetLatest() err=%v", err)
	}

	w := p.Workflows[0]
	if w.TargetWorkflowID == "" || w.CanonicalID == "" {
		t.Fatalf("expected target id and canonical id, got %+v", w)
	}
	if creates, _, _ := f.sources.Source("prod").Counts(); creates != 1 {
		t.Fatalf("creates=%d, want 1", creates)
	}
	for env, id := range map[string]string{"prod": w.TargetWorkflowID, "dev": w.SourceWorkflowID} {
		m, err := f.store.GetMappingByWorkflow(ctx, tc.TenantID, env, id)
		if err != nil {
			t.Fatalf("GetMappingByWorkflow(%s) err=%v", env, err)
		}
		if m.Status != domain.MapLinked || m.CanonicalID != w.CanonicalID || m.GitContentHash != w.SourceHash || m.EnvContentHash != w.SourceHash {
			t.Fatalf("unexpected %s mapping %+v", env, m)
		}
	}
	c, err := f.store.GetCanonical(ctx, tc.TenantID, w.CanonicalID)
	if err != nil || c.ContentHash != w.SourceHash {
		t.Fatalf("canonical=%+v err=%v", c, err)
	}
	for env, id := range map[string]string{"prod": w.TargetWorkflowID, "dev": w.SourceWorkflowID} {
		m, _ := f.store.GetMappingByWorkflow(ctx, tc.TenantID, env, id)
		if m.BaselineCommitRef != c.CommitRef || m.BaselinePath != c.VersionPath {
			t.Fatalf("%s mapping baseline %s@%s, want %s@%s", env, m.BaselinePath, m.BaselineCommitRef, c.VersionPath, c.CommitRef)
		}
	}
	if _, err := f.versions.ReadCommit(ctx, c.CommitRef, c.VersionPath); err != nil {
		t.Fatalf("ReadCommit() err=%v", err)
	}
	if got := f.audit.Actions("promotion.completed"); len(got) != 1 {
		t.Fatalf("audit actions=%v", got)
	}
	if f.locker.Held(tc.TenantID, "prod") {
		t.Fatalf("lock still held after execute")
	}

	var terr *domain.TransitionError
	if _, err := svc.Execute(ctx, tc, p.ID); !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError on second execute, got %v", err)
	}
}

func TestExecutePreSnapshotFailureMutatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))
	svc := f.service(t)

	p, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	f.sources.Source("prod").ListErr = errors.New("connection refused")

	p, err = svc.Execute(ctx, tc, p.ID)
	if !errors.Is(err, domain.ErrPromotionFailed) || !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected ErrPromotionFailed wrapping ErrSourceUnavailable, got %v", err)
	}
	if p.Status != domain.PromotionFailed {
		t.Fatalf("status=%s, want FAILED", p.Status)
	}
	if n := f.sources.Source("prod").Mutations(); n != 0 {
		t.Fatalf("target mutated %d times", n)
	}
	if n := len(f.snapshotsOf(t, "prod", "")); n != 0 {
		t.Fatalf("persisted %d snapshots", n)
	}
}

func TestExecuteApplyFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sources.Source("dev").Seed("wf-a", workflow("Alpha", "https://a.example"))
	f.sources.Source("dev").Seed("wf-b", workflow("Beta", "https://b.example"))
	f.sources.Source("prod").FailWrites["Beta"] = errors.New("upstream 500")
	svc := f.service(t)

	p, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	p, err = svc.Execute(ctx, tc, p.ID)
	if !errors.Is(err, domain.ErrPromotionFailed) {
		t.Fatalf("expected ErrPromotionFailed, got %v", err)
	}
	if errors.Is(err, domain.ErrRollbackPartial) || errors.Is(err, domain.ErrRollbackFailed) {
		t.Fatalf("rollback should have succeeded, got %v", err)
	}
	if p.Status != domain.PromotionFailed || p.Execution == nil || p.Execution.Rollback == nil {
		t.Fatalf("expected FAILED with rollback record, got %+v", p)
	}
	if rb := p.Execution.Rollback; rb.Outcome != domain.RestoreSuccess || rb.Removed != 1 || rb.SnapshotID != p.PreSnapshotID {
		t.Fatalf("unexpected rollback %+v", rb)
	}
	live, err := f.sources.Source("prod").ListWorkflows(ctx)
	if err != nil {
		t.Fatalf("ListWorkflows() err=%v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected created workflow to be removed, got %+v", live)
	}
	if _, err := f.store.GetMappingByWorkflow(ctx, tc.TenantID, "prod", p.Workflows[0].TargetWorkflowID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("failed promotion must not link maps, got %v", err)
	}
	stored, _ := svc.Get(ctx, tc, p.ID)
	if stored.Status != domain.PromotionFailed || stored.Execution.Rollback == nil {
		t.Fatalf("stored promotion %+v", stored)
	}
}

func TestConcurrentExecuteLocksEnvironment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))
	svc := f.service(t)

	first, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	second, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}

	gate := &gatedSource{Source: f.sources.Source("prod"), started: make(chan struct{}), release: make(chan struct{})}
	f.resolver.gates["prod"] = gate

	type result struct {
		p   domain.Promotion
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := svc.Execute(ctx, tc, first.ID)
		done <- result{p, err}
	}()
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first execute never reached the target")
	}

	if _, err := svc.Execute(ctx, tc, second.ID); !errors.Is(err, domain.ErrEnvironmentLocked) {
		t.Fatalf("expected ErrEnvironmentLocked, got %v", err)
	}
	close(gate.release)
	res := <-done
	if res.err != nil || res.p.Status != domain.PromotionCompleted {
		t.Fatalf("first execute=%+v err=%v", res.p, res.err)
	}
	stored, err := svc.Get(ctx, tc, second.ID)
	if err != nil || stored.Status != domain.PromotionPending {
		t.Fatalf("second promotion=%+v err=%v", stored, err)
	}
}

func TestRollbackRestoresPreviousBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	baseline := workflow("Orders", "https://a.example")
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://b.example"))
	f.sources.Source("prod").Seed("wf-9", baseline)
	f.link(t, "dev", "wf-1", "c1", baseline)
	f.link(t, "prod", "wf-9", "c1", baseline)
	before, _ := f.store.GetCanonical(ctx, tc.TenantID, "c1")
	svc := f.service(t)

	p, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	if w := p.Workflows[0]; w.Action != domain.ActionUpdate || w.TargetWorkflowID != "wf-9" || w.CanonicalID != "c1" {
		t.Fatalf("unexpected plan %+v", w)
	}
	p, err = svc.Execute(ctx, tc, p.ID)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	promoted, _ := f.store.GetCanonical(ctx, tc.TenantID, "c1")
	if promoted.ContentHash != p.Workflows[0].SourceHash {
		t.Fatalf("canonical not advanced: %+v", promoted)
	}

	p, err = svc.Rollback(ctx, tc, p.ID, "bad release")
	if err != nil {
		t.Fatalf("Rollback() err=%v", err)
	}
	if p.Status != domain.PromotionFailed || !p.HasAnnotation(domain.AnnotationManualRollback) {
		t.Fatalf("unexpected promotion %+v", p)
	}
	live, err := f.sources.Source("prod").GetWorkflow(ctx, "wf-9")
	if err != nil {
		t.Fatalf("GetWorkflow() err=%v", err)
	}
	baseHash, _ := normalize.HashRaw(baseline)
	if h, _ := normalize.HashRaw(live.Payload); h != baseHash {
		t.Fatalf("live hash=%s, want %s", h, baseHash)
	}
	after, _ := f.store.GetCanonical(ctx, tc.TenantID, "c1")
	if after.ContentHash != before.ContentHash || after.CommitRef != before.CommitRef {
		t.Fatalf("canonical=%+v, want baseline %+v", after, before)
	}
	m, _ := f.store.GetMappingByWorkflow(ctx, tc.TenantID, "prod", "wf-9")
	if m.GitContentHash != baseHash || m.EnvContentHash != baseHash || m.BaselineCommitRef != before.CommitRef {
		t.Fatalf("prod mapping %+v", m)
	}

	var terr *domain.TransitionError
	if _, err := svc.Rollback(ctx, tc, p.ID, ""); !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError on second rollback, got %v", err)
	}
}

func TestRollbackRetiresCreatedCanonical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://a.example"))
	svc := f.service(t)

	p, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	p, err = svc.Execute(ctx, tc, p.ID)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	w := p.Workflows[0]
	if _, err := svc.Rollback(ctx, tc, p.ID, ""); err != nil {
		t.Fatalf("Rollback() err=%v", err)
	}
	if _, err := f.sources.Source("prod").GetWorkflow(ctx, w.TargetWorkflowID); !errors.Is(err, workflowsource.ErrNotFound) {
		t.Fatalf("expected created workflow removed, got %v", err)
	}
	c, _ := f.store.GetCanonical(ctx, tc.TenantID, w.CanonicalID)
	if !c.Retired() {
		t.Fatalf("expected canonical retired, got %+v", c)
	}
	m, _ := f.store.GetMappingByWorkflow(ctx, tc.TenantID, "prod", w.TargetWorkflowID)
	if m.Status != domain.MapDeleted {
		t.Fatalf("prod mapping status=%s, want DELETED", m.Status)
	}
	src, _ := f.store.GetMappingByWorkflow(ctx, tc.TenantID, "dev", w.SourceWorkflowID)
	if src.Status != domain.MapUnmapped || src.CanonicalID != "" {
		t.Fatalf("dev mapping %+v", src)
	}
}

func TestHotfixExcludedUnlessOverwriteAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	baseline := workflow("Orders", "https://a.example")
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://dev.example"))
	f.sources.Source("prod").Seed("wf-9", workflow("Orders", "https://hotfix.example"))
	f.link(t, "dev", "wf-1", "c1", baseline)
	f.link(t, "prod", "wf-9", "c1", baseline)
	svc := f.service(t)

	_, err := svc.Initiate(ctx, tc, devToProd)
	var gerr *domain.GateError
	if !errors.As(err, &gerr) || gerr.Failed[0].Name != GatePlan {
		t.Fatalf("expected plan gate failure, got %v", err)
	}

	f.stage(t, func(s *domain.PipelineStage) { s.AllowHotfixOverwrite = true })
	p, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	w := p.Workflows[0]
	if w.Conflict != domain.ConflictTargetHotfix || w.Action != domain.ActionUpdate {
		t.Fatalf("unexpected plan %+v", w)
	}
}

var errLateTimeout = fmt.Errorf("%w: update workflow: context deadline exceeded", domain.ErrSourceUnavailable)

func TestExecuteTimedOutUpdateIsRestored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	baseline := workflow("Orders", "https://a.example")
	f.sources.Source("dev").Seed("wf-1", workflow("Orders", "https://b.example"))
	f.sources.Source("prod").Seed("wf-9", baseline)
	f.link(t, "dev", "wf-1", "c1", baseline)
	f.link(t, "prod", "wf-9", "c1", baseline)
	f.sources.Source("prod").LostAcks["Orders"] = errLateTimeout
	svc := f.service(t)

	p, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	p, err = svc.Execute(ctx, tc, p.ID)
	if !errors.Is(err, domain.ErrPromotionFailed) {
		t.Fatalf("expected ErrPromotionFailed, got %v", err)
	}
	rb := p.Execution.Rollback
	if rb == nil || rb.Outcome != domain.RestoreSuccess || rb.Restored != 1 {
		t.Fatalf("unexpected rollback %+v", rb)
	}
	live, err := f.sources.Source("prod").GetWorkflow(ctx, "wf-9")
	if err != nil {
		t.Fatalf("GetWorkflow() err=%v", err)
	}
	baseHash, _ := normalize.HashRaw(baseline)
	if h, _ := normalize.HashRaw(live.Payload); h != baseHash {
		t.Fatalf("live hash=%s, want pre-promotion %s", h, baseHash)
	}
}

func TestExecuteTimedOutCreateIsRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sources.Source("dev").Seed("wf-a", workflow("Alpha", "https://a.example"))
	f.sources.Source("prod").Seed("wf-keep", workflow("Keep", "https://k.example"))
	f.sources.Source("prod").LostAcks["Alpha"] = errLateTimeout
	svc := f.service(t)

	p, err := svc.Initiate(ctx, tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	p, err = svc.Execute(ctx, tc, p.ID)
	if !errors.Is(err, domain.ErrPromotionFailed) {
		t.Fatalf("expected ErrPromotionFailed, got %v", err)
	}
	if rb := p.Execution.Rollback; rb == nil || rb.Outcome != domain.RestoreSuccess || rb.Removed != 1 {
		t.Fatalf("unexpected rollback %+v", rb)
	}
	live, err := f.sources.Source("prod").ListWorkflows(ctx)
	if err != nil {
		t.Fatalf("ListWorkflows() err=%v", err)
	}
	if len(live) != 1 || live[0].ID != "wf-keep" {
		t.Fatalf("expected only wf-keep in prod, got %+v", live)
	}
}

// cancellingSource cancels the caller's context on the first create.
type cancellingSource struct {
	workflowsource.Source
	cancel context.CancelFunc
}

func (c *cancellingSource) CreateWorkflow(ctx context.Context, payload []byte) (string, error) {
	c.cancel()
	return c.Source.CreateWorkflow(ctx, payload)
}

// ctxPromotions fails writes on a done context, as the Postgres store does.
type ctxPromotions struct {
	repo.PromotionRepository
}

func (c ctxPromotions) UpdatePromotion(ctx context.Context, p domain.Promotion, expected domain.PromotionStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.PromotionRepository.UpdatePromotion(ctx, p, expected)
}

func TestExecuteSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.sources.Source("dev").Seed("wf-a", workflow("Alpha", "https://a.example"))
	f.sources.Source("dev").Seed("wf-b", workflow("Beta", "https://b.example"))
	stores := f.store.Stores()
	stores.Promotions = ctxPromotions{PromotionRepository: stores.Promotions}
	svc := New(Deps{
		Stores:    stores,
		Sources:   f.resolver,
		Versions:  f.versions,
		Locker:    f.locker,
		Snapshots: f.snaps,
		Drift:     f.drift,
		Now:       f.now,
	})

	p, err := svc.Initiate(context.Background(), tc, devToProd)
	if err != nil {
		t.Fatalf("Initiate() err=%v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.resolver.gates["prod"] = &cancellingSource{Source: f.sources.Source("prod"), cancel: cancel}

	p, err = svc.Execute(ctx, tc, p.ID)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if p.Status != domain.PromotionCompleted || p.PostSnapshotID == "" {
		t.Fatalf("unexpected promotion %+v", p)
	}
	if creates, _, _ := f.sources.Source("prod").Counts(); creates != 2 {
		t.Fatalf("creates=%d, want 2", creates)
	}
	stored, err := svc.Get(context.Background(), tc, p.ID)
	if err != nil || stored.Status != domain.PromotionCompleted {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}
	if f.locker.Held(tc.TenantID, "prod") {
		t.Fatalf("lock still held after execute")
	}
}
