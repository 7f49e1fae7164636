package drift

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/tracing"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

func (s *Service) Get(ctx context.Context, tc domain.TenantContext, id string) (domain.DriftIncident, error) {
	if err := tc.Validate(); err != nil {
		return domain.DriftIncident{}, err
	}
	inc, err := s.incidents.GetIncident(ctx, tc.TenantID, strings.TrimSpace(id))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DriftIncident{}, fmt.Errorf("%w: %s", domain.ErrIncidentNotFound, id)
	}
	return inc, err
}

func (s *Service) List(ctx context.Context, tc domain.TenantContext, filter repo.IncidentFilter) ([]domain.DriftIncident, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	filter.TenantID = tc.TenantID
	if filter.State != "" {
		if filter.State = domain.NormalizeIncidentState(string(filter.State)); filter.State == "" {
			return nil, errors.New("incident state is invalid")
		}
	}
	return s.incidents.ListIncidents(ctx, filter)
}

func (s *Service) Acknowledge(ctx context.Context, tc domain.TenantContext, id, note string) (domain.DriftIncident, error) {
	inc, err := s.Get(ctx, tc, id)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	if inc.State != domain.IncidentOpen {
		return domain.DriftIncident{}, &domain.TransitionError{Entity: "drift_incident", From: string(inc.State), To: string(domain.IncidentAcknowledged)}
	}
	now := s.now().UTC()
	inc.AcknowledgedBy = tc.ActorID
	inc.AcknowledgedAt = &now
	if note = strings.TrimSpace(note); note != "" {
		inc.Note = note
	}
	inc, err = s.transition(ctx, inc, domain.IncidentAcknowledged)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	s.emit(ctx, tc, inc, "drift.acknowledged", nil)
	return inc, nil
}

// Resolve closes an incident without touching either side.
func (s *Service) Resolve(ctx context.Context, tc domain.TenantContext, id, note string) (domain.DriftIncident, error) {
	inc, err := s.Get(ctx, tc, id)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	now := s.now().UTC()
	inc.Resolution = domain.ResolutionManual
	inc.ResolvedBy = tc.ActorID
	inc.ResolvedAt = &now
	if note = strings.TrimSpace(note); note != "" {
		inc.Note = note
	}
	inc, err = s.transition(ctx, inc, domain.IncidentResolved)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	s.emit(ctx, tc, inc, "drift.resolved", nil)
	return inc, nil
}

// Reconcile accepts the live definition as the new canonical baseline.
func (s *Service) Reconcile(ctx context.Context, tc domain.TenantContext, id string) (inc domain.DriftIncident, err error) {
	inc, err = s.Get(ctx, tc, id)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	if !domain.CanTransitionIncident(inc.State, domain.IncidentReconciled) {
		return domain.DriftIncident{}, &domain.TransitionError{Entity: "drift_incident", From: string(inc.State), To: string(domain.IncidentReconciled)}
	}
	ctx, span := tracing.Start(ctx, "drift.reconcile", tracing.Tenant(tc.TenantID, inc.EnvironmentID)...)
	defer func() { tracing.End(span, err) }()

	m, src, err := s.incidentTarget(ctx, tc, inc)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	live, err := src.GetWorkflow(ctx, inc.WorkflowID)
	if err != nil {
		return domain.DriftIncident{}, fmt.Errorf("%w: get workflow %s: %v", domain.ErrSourceUnavailable, inc.WorkflowID, err)
	}
	norm, err := s.normalizer.ParseAndNormalize(live.Payload)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	path := versionstore.CanonicalPath(tc.TenantID, inc.CanonicalID)
	ref, err := s.versions.WriteCommit(ctx, path, live.Payload)
	if err != nil {
		return domain.DriftIncident{}, fmt.Errorf("commit reconciled baseline: %w", err)
	}
	now := s.now().UTC()
	if err := s.canonical.UpdateCanonicalBaseline(ctx, tc.TenantID, inc.CanonicalID, norm.Hash, ref, path, now); err != nil {
		return domain.DriftIncident{}, fmt.Errorf("update canonical baseline: %w", err)
	}
	m.SetBaseline(norm.Hash, ref, path)
	m.EnvContentHash = norm.Hash
	m.LastSyncedAt = now
	m.UpdatedAt = now
	if err := s.mappings.UpsertMapping(ctx, m); err != nil {
		return domain.DriftIncident{}, fmt.Errorf("upsert mapping: %w", err)
	}

	inc.Resolution = domain.ResolutionReconciled
	inc.ResolvedBy = tc.ActorID
	inc.ResolvedAt = &now
	inc.CommitRef = ref
	inc.GitContentHash = norm.Hash
	inc.EnvContentHash = norm.Hash
	inc, err = s.transition(ctx, inc, domain.IncidentReconciled)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	s.emit(ctx, tc, inc, "drift.reconciled", map[string]any{"commit_ref": ref, "content_hash": norm.Hash})
	return inc, nil
}

// Stabilize rewrites the live workflow from the baseline recorded on its map
// after a pre_restore safety snapshot. The baseline itself is left untouched.
func (s *Service) Stabilize(ctx context.Context, tc domain.TenantContext, id string) (inc domain.DriftIncident, err error) {
	inc, err = s.Get(ctx, tc, id)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	if !domain.CanTransitionIncident(inc.State, domain.IncidentClosed) {
		return domain.DriftIncident{}, &domain.TransitionError{Entity: "drift_incident", From: string(inc.State), To: string(domain.IncidentClosed)}
	}
	ctx, span := tracing.Start(ctx, "drift.stabilize", tracing.Tenant(tc.TenantID, inc.EnvironmentID)...)
	defer func() { tracing.End(span, err) }()

	m, src, err := s.incidentTarget(ctx, tc, inc)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	payload, err := s.baselinePayload(ctx, tc, m)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	norm, err := s.normalizer.ParseAndNormalize(payload)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	writable, err := normalize.WritablePayload(payload)
	if err != nil {
		return domain.DriftIncident{}, err
	}

	lease, err := s.locker.TryAcquire(ctx, tc.TenantID, inc.EnvironmentID, "stabilize:"+inc.ID)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			s.logger.Warn("release environment lock failed", "environment_id", inc.EnvironmentID, "error", rerr)
		}
	}()

	safety, err := s.snapshots.Create(ctx, tc, inc.EnvironmentID, domain.SnapshotPreRestore, "stabilize drift incident "+inc.ID)
	if err != nil {
		return domain.DriftIncident{}, fmt.Errorf("safety snapshot: %w", err)
	}
	if err := src.UpdateWorkflow(ctx, inc.WorkflowID, writable); err != nil {
		return domain.DriftIncident{}, fmt.Errorf("%w: rewrite workflow %s: %v", domain.ErrSourceUnavailable, inc.WorkflowID, err)
	}

	now := s.now().UTC()
	m.EnvContentHash = norm.Hash
	m.LastSyncedAt = now
	m.UpdatedAt = now
	if err := s.mappings.UpsertMapping(ctx, m); err != nil {
		return domain.DriftIncident{}, fmt.Errorf("upsert mapping: %w", err)
	}

	inc.Resolution = domain.ResolutionStabilized
	inc.ResolvedBy = tc.ActorID
	inc.ResolvedAt = &now
	inc.SafetySnapshotID = safety.ID
	inc.EnvContentHash = norm.Hash
	inc, err = s.transition(ctx, inc, domain.IncidentClosed)
	if err != nil {
		return domain.DriftIncident{}, err
	}
	s.emit(ctx, tc, inc, "drift.stabilized", map[string]any{"safety_snapshot_id": safety.ID})
	return inc, nil
}

// BlockingIncidents reports the active incidents on the given canonical
// workflows of an environment. Blocking holds the TTL-breached ones when the
// tenant's policy blocks promotions on breach.
func (s *Service) BlockingIncidents(ctx context.Context, tc domain.TenantContext, envID string, canonicalIDs []string, now time.Time) (domain.DriftExposure, error) {
	exposure := domain.DriftExposure{Active: []domain.DriftIncident{}, Blocking: []domain.DriftIncident{}}
	if err := tc.Validate(); err != nil {
		return exposure, err
	}
	if len(canonicalIDs) == 0 {
		return exposure, nil
	}
	active, err := s.incidents.ListIncidents(ctx, repo.IncidentFilter{
		TenantID:      tc.TenantID,
		EnvironmentID: strings.TrimSpace(envID),
		CanonicalIDs:  canonicalIDs,
		ActiveOnly:    true,
	})
	if err != nil {
		return exposure, fmt.Errorf("list incidents: %w", err)
	}
	exposure.Active = active
	if !s.policy(ctx, tc.TenantID).BlockPromotionsOnBreach {
		return exposure, nil
	}
	for _, inc := range active {
		if inc.Breached || inc.BreachedAt(now) {
			exposure.Blocking = append(exposure.Blocking, inc)
		}
	}
	return exposure, nil
}

// MarkBreaches flags active incidents whose TTL elapsed. Each incident is
// audited once, when first flagged.
func (s *Service) MarkBreaches(ctx context.Context, tc domain.TenantContext, now time.Time) ([]string, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	active, err := s.incidents.ListIncidents(ctx, repo.IncidentFilter{TenantID: tc.TenantID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	var marked []string
	for _, inc := range active {
		if inc.Breached || !inc.BreachedAt(now) {
			continue
		}
		inc.Breached = true
		if err := s.incidents.UpdateIncident(ctx, inc, inc.State); err != nil {
			s.logger.Warn("mark incident breached failed", "incident_id", inc.ID, "error", err)
			continue
		}
		marked = append(marked, inc.ID)
		s.emit(ctx, tc, inc, "drift.ttl_breached", map[string]any{
			"severity":     string(inc.Severity),
			"ttl_deadline": inc.TTLDeadline.Format(time.RFC3339),
		})
	}
	return marked, nil
}

func (s *Service) transition(ctx context.Context, inc domain.DriftIncident, next domain.IncidentState) (domain.DriftIncident, error) {
	current := inc.State
	if !domain.CanTransitionIncident(current, next) {
		return domain.DriftIncident{}, &domain.TransitionError{Entity: "drift_incident", From: string(current), To: string(next)}
	}
	inc.State = next
	if err := s.incidents.UpdateIncident(ctx, inc, current); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.DriftIncident{}, &domain.TransitionError{Entity: "drift_incident", From: string(current), To: string(next)}
		}
		return domain.DriftIncident{}, fmt.Errorf("update incident: %w", err)
	}
	return inc, nil
}

// incidentTarget loads the map and the live source an incident refers to.
func (s *Service) incidentTarget(ctx context.Context, tc domain.TenantContext, inc domain.DriftIncident) (domain.WorkflowEnvironmentMap, workflowsource.Source, error) {
	m, err := s.mappings.GetMapping(ctx, tc.TenantID, inc.MapID)
	if err != nil {
		return domain.WorkflowEnvironmentMap{}, nil, fmt.Errorf("get mapping %s: %w", inc.MapID, err)
	}
	env, err := s.envs.GetEnvironment(ctx, tc.TenantID, inc.EnvironmentID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && !env.Active()) {
		return domain.WorkflowEnvironmentMap{}, nil, fmt.Errorf("%w: %s", domain.ErrEnvironmentNotFound, inc.EnvironmentID)
	}
	if err != nil {
		return domain.WorkflowEnvironmentMap{}, nil, err
	}
	src, err := s.sources.SourceFor(ctx, env)
	if err != nil {
		return domain.WorkflowEnvironmentMap{}, nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	return m, src, nil
}
