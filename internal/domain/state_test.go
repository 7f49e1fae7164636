package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransitionPromotion(t *testing.T) {
	cases := []struct {
		from, to PromotionStatus
		want     bool
	}{
		{PromotionPending, PromotionPendingApproval, true},
		{PromotionPending, PromotionRunning, true},
		{PromotionPendingApproval, PromotionApproved, true},
		{PromotionPendingApproval, PromotionRejected, true},
		{PromotionPendingApproval, PromotionRunning, false},
		{PromotionPending, PromotionApproved, false},
		{PromotionApproved, PromotionRunning, true},
		{PromotionRunning, PromotionCancelled, false},
		{PromotionRunning, PromotionCompleted, true},
		{PromotionRunning, PromotionFailed, true},
		{PromotionCompleted, PromotionRunning, false},
		{PromotionCompleted, PromotionFailed, true},
		{PromotionRejected, PromotionApproved, false},
		{PromotionCancelled, PromotionPending, false},
	}
	for _, tc := range cases {
		if got := CanTransitionPromotion(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIncidentTransitions(t *testing.T) {
	if !CanTransitionIncident(IncidentOpen, IncidentAcknowledged) {
		t.Fatalf("expected open -> acknowledged")
	}
	if CanTransitionIncident(IncidentAcknowledged, IncidentOpen) {
		t.Fatalf("expected acknowledged -> open to be rejected")
	}
	if CanTransitionIncident(IncidentReconciled, IncidentClosed) {
		t.Fatalf("expected reconciled to be terminal")
	}
	if !IncidentAcknowledged.Active() || IncidentClosed.Active() {
		t.Fatalf("unexpected active states")
	}
}

func TestOnboardingPhasesMonotonic(t *testing.T) {
	if !CanAdvanceOnboardingPhase(OnboardingQueued, OnboardingFetching) {
		t.Fatalf("expected queued -> fetching")
	}
	if CanAdvanceOnboardingPhase(OnboardingLinking, OnboardingCommitting) {
		t.Fatalf("expected linking -> committing to be rejected")
	}
	if !CanAdvanceOnboardingPhase(OnboardingCommitting, OnboardingFailed) {
		t.Fatalf("expected committing -> failed")
	}
	if CanAdvanceOnboardingPhase(OnboardingCompleted, OnboardingFailed) {
		t.Fatalf("expected completed to be terminal")
	}
}

func TestMapValidateRequiresCanonicalForLinked(t *testing.T) {
	m := WorkflowEnvironmentMap{EnvironmentID: "env", WorkflowID: "wf", Status: MapLinked}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected error for linked map without canonical id")
	}
	m.CanonicalID = "c1"
	if err := m.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Status = MapUnmapped
	m.CanonicalID = ""
	if err := m.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSnapshotErrorMessages(t *testing.T) {
	err := error(&NoSnapshotError{EnvironmentID: "env-1"})
	if err.Error() != "No snapshot available for rollback in environment env-1" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	err = &NoSnapshotError{EnvironmentID: "env-1", Type: SnapshotPrePromotion}
	if err.Error() != "No snapshot available for rollback in environment env-1 with type pre_promotion" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !errors.Is(err, ErrNoSnapshotFound) {
		t.Fatalf("expected ErrNoSnapshotFound")
	}
	err = &SnapshotNotFoundError{SnapshotID: "s1"}
	if err.Error() != "Snapshot s1 not found" || !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("unexpected: %v", err)
	}
	err = &EmptySnapshotError{CommitRef: "abc"}
	if err.Error() != "No workflows found in GitHub for commit abc" || !errors.Is(err, ErrEmptySnapshotContent) {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestScheduleWindowContains(t *testing.T) {
	w := ScheduleWindow{Days: []time.Weekday{time.Tuesday}, StartHour: 9, EndHour: 17}
	inside := time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC) // Tuesday
	outsideHour := time.Date(2026, 10, 13, 18, 0, 0, 0, time.UTC)
	outsideDay := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	if !w.Contains(inside) {
		t.Fatalf("expected inside window")
	}
	if w.Contains(outsideHour) || w.Contains(outsideDay) {
		t.Fatalf("expected outside window")
	}
	if err := (ScheduleWindow{StartHour: 10, EndHour: 9}).Validate(); err == nil {
		t.Fatalf("expected invalid window")
	}
}

func TestDriftPolicyDefaults(t *testing.T) {
	p := DriftPolicy{TenantID: "t1", TTL: map[Severity]time.Duration{SeverityHigh: time.Hour}}
	if p.TTLFor(SeverityHigh) != time.Hour {
		t.Fatalf("expected override")
	}
	if p.TTLFor(SeverityLow) != 168*time.Hour {
		t.Fatalf("expected default low ttl")
	}
	if RiskHigh.Severity() != SeverityHigh || RiskLow.Severity() != SeverityLow {
		t.Fatalf("unexpected severity mapping")
	}
	if MaxRisk(RiskMedium, RiskLow) != RiskMedium || MaxRisk(RiskMedium, RiskHigh) != RiskHigh {
		t.Fatalf("unexpected max risk")
	}
}

func TestEnsureSnapshotImmutable(t *testing.T) {
	now := time.Now().UTC()
	s := Snapshot{ID: "s1", EnvironmentID: "e", Type: SnapshotManualBackup, CommitRef: "c", Path: "p", CreatedAt: now}
	if err := EnsureSnapshotImmutable(s, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	changed := s
	changed.CommitRef = "other"
	if err := EnsureSnapshotImmutable(s, changed); err == nil {
		t.Fatalf("expected immutability error")
	}
}

func TestEnsureEnvironmentClassChange(t *testing.T) {
	before := Environment{ID: "e", Class: EnvironmentStaging}
	after := Environment{ID: "e", Class: EnvironmentProduction}
	if err := EnsureEnvironmentClassChange(before, after, 1, false); err == nil {
		t.Fatalf("expected revalidation error")
	}
	if err := EnsureEnvironmentClassChange(before, after, 1, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := EnsureEnvironmentClassChange(before, after, 0, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
