package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.UpsertEnvironment(ctx, domain.Environment{TenantID: "t1", ID: "dev", Class: domain.EnvironmentDev}); err != nil {
		t.Fatalf("UpsertEnvironment() err=%v", err)
	}
	if _, err := s.GetEnvironment(ctx, "t2", "dev"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
	envs, _ := s.ListEnvironments(ctx, repo.EnvironmentFilter{TenantID: "t2"})
	if len(envs) != 0 {
		t.Fatalf("expected no environments for t2, got %d", len(envs))
	}
}

func TestMappingUniquePerWorkflow(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := domain.WorkflowEnvironmentMap{TenantID: "t1", EnvironmentID: "dev", WorkflowID: "w1", Status: domain.MapUnmapped}
	if err := s.UpsertMapping(ctx, m); err != nil {
		t.Fatalf("UpsertMapping() err=%v", err)
	}
	first, err := s.GetMappingByWorkflow(ctx, "t1", "dev", "w1")
	if err != nil {
		t.Fatalf("GetMappingByWorkflow() err=%v", err)
	}
	m.Status = domain.MapLinked
	m.CanonicalID = "c1"
	if err := s.UpsertMapping(ctx, m); err != nil {
		t.Fatalf("UpsertMapping() err=%v", err)
	}
	list, _ := s.ListMappings(ctx, repo.MappingFilter{TenantID: "t1"})
	if len(list) != 1 || list[0].ID != first.ID || list[0].Status != domain.MapLinked {
		t.Fatalf("unexpected mappings: %+v", list)
	}

	m.ID = "other"
	if err := s.UpsertMapping(ctx, m); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	bad := domain.WorkflowEnvironmentMap{TenantID: "t1", EnvironmentID: "dev", WorkflowID: "w2", Status: domain.MapLinked}
	if err := s.UpsertMapping(ctx, bad); err == nil {
		t.Fatalf("expected linked map without canonical id to be rejected")
	}
}

func TestLatestSnapshotNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, typ := range []domain.SnapshotType{domain.SnapshotManualBackup, domain.SnapshotPrePromotion, domain.SnapshotPostPromotion} {
		snap := domain.Snapshot{ID: string(typ), TenantID: "t1", EnvironmentID: "prod", Type: typ, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.CreateSnapshot(ctx, snap); err != nil {
			t.Fatalf("CreateSnapshot() err=%v", err)
		}
	}
	latest, err := s.LatestSnapshot(ctx, "t1", "prod", "")
	if err != nil || latest.Type != domain.SnapshotPostPromotion {
		t.Fatalf("LatestSnapshot()=%+v err=%v", latest, err)
	}
	pre, err := s.LatestSnapshot(ctx, "t1", "prod", domain.SnapshotPrePromotion)
	if err != nil || pre.Type != domain.SnapshotPrePromotion {
		t.Fatalf("LatestSnapshot(pre)=%+v err=%v", pre, err)
	}
	if _, err := s.LatestSnapshot(ctx, "t1", "dev", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.CreateSnapshot(ctx, domain.Snapshot{ID: string(domain.SnapshotManualBackup), TenantID: "t1"}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected duplicate snapshot to conflict, got %v", err)
	}
}

func TestPromotionCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := domain.Promotion{ID: "p1", TenantID: "t1", Status: domain.PromotionPending}
	if err := s.CreatePromotion(ctx, p); err != nil {
		t.Fatalf("CreatePromotion() err=%v", err)
	}
	p.Status = domain.PromotionRunning
	if err := s.UpdatePromotion(ctx, p, domain.PromotionPending); err != nil {
		t.Fatalf("UpdatePromotion() err=%v", err)
	}
	if err := s.UpdatePromotion(ctx, p, domain.PromotionPending); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict on stale status, got %v", err)
	}
	got, _ := s.GetPromotion(ctx, "t1", "p1")
	got.Workflows = append(got.Workflows, domain.PromotionWorkflow{Name: "mutated"})
	again, _ := s.GetPromotion(ctx, "t1", "p1")
	if len(again.Workflows) != 0 {
		t.Fatalf("stored promotion must not alias returned copies")
	}
}

func TestSingleActiveIncidentPerMap(t *testing.T) {
	ctx := context.Background()
	s := New()
	inc := domain.DriftIncident{ID: "i1", TenantID: "t1", MapID: "m1", State: domain.IncidentOpen}
	if err := s.CreateIncident(ctx, inc); err != nil {
		t.Fatalf("CreateIncident() err=%v", err)
	}
	dup := inc
	dup.ID = "i2"
	if err := s.CreateIncident(ctx, dup); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	inc.State = domain.IncidentReconciled
	if err := s.UpdateIncident(ctx, inc, domain.IncidentOpen); err != nil {
		t.Fatalf("UpdateIncident() err=%v", err)
	}
	if err := s.CreateIncident(ctx, dup); err != nil {
		t.Fatalf("expected new incident after resolution, got %v", err)
	}
	active, _ := s.ListIncidents(ctx, repo.IncidentFilter{TenantID: "t1", ActiveOnly: true})
	if len(active) != 1 || active[0].ID != "i2" {
		t.Fatalf("unexpected active incidents: %+v", active)
	}
}

func TestOnboardingForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	job := domain.OnboardingJob{ID: "j1", TenantID: "t1", Phase: domain.OnboardingQueued}
	if err := s.CreateOnboardingJob(ctx, job); err != nil {
		t.Fatalf("CreateOnboardingJob() err=%v", err)
	}
	job.Phase = domain.OnboardingCommitting
	if err := s.UpdateOnboardingJob(ctx, job); err != nil {
		t.Fatalf("UpdateOnboardingJob() err=%v", err)
	}
	job.Phase = domain.OnboardingFetching
	if err := s.UpdateOnboardingJob(ctx, job); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected backwards move to conflict, got %v", err)
	}
}
