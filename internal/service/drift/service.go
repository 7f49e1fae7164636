package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/animus-labs/flowgate/internal/compare/diff"
	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/compare/risk"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/envlock"
	"github.com/animus-labs/flowgate/internal/platform/auditlog"
	"github.com/animus-labs/flowgate/internal/platform/metrics"
	"github.com/animus-labs/flowgate/internal/platform/tracing"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

// Snapshotter captures the safety snapshot taken before a stabilize.
type Snapshotter interface {
	Create(ctx context.Context, tc domain.TenantContext, envID string, typ domain.SnapshotType, reason string) (domain.Snapshot, error)
}

type Deps struct {
	Logger     *slog.Logger
	Stores     repo.Stores
	Sources    workflowsource.Resolver
	Versions   versionstore.Store
	Locker     envlock.Locker
	Snapshots  Snapshotter
	Audit      auditlog.Recorder
	Metrics    *metrics.Metrics
	Normalizer *normalize.Normalizer
	Now        func() time.Time
}

type Service struct {
	logger     *slog.Logger
	envs       repo.EnvironmentRepository
	canonical  repo.CanonicalRepository
	mappings   repo.MappingRepository
	incidents  repo.IncidentRepository
	policies   repo.DriftPolicyRepository
	status     repo.DriftStatusRepository
	sources    workflowsource.Resolver
	versions   versionstore.Store
	locker     envlock.Locker
	snapshots  Snapshotter
	audit      auditlog.Recorder
	metrics    *metrics.Metrics
	normalizer *normalize.Normalizer
	now        func() time.Time

	flight singleflight.Group
}

func New(d Deps) *Service {
	st := d.Stores
	if st.Environments == nil || st.Canonical == nil || st.Mappings == nil || st.Incidents == nil || st.DriftPolicies == nil || st.DriftStatus == nil {
		return nil
	}
	if d.Sources == nil || d.Versions == nil || d.Locker == nil || d.Snapshots == nil {
		return nil
	}
	s := &Service{
		logger:     d.Logger,
		envs:       st.Environments,
		canonical:  st.Canonical,
		mappings:   st.Mappings,
		incidents:  st.Incidents,
		policies:   st.DriftPolicies,
		status:     st.DriftStatus,
		sources:    d.Sources,
		versions:   d.Versions,
		locker:     d.Locker,
		snapshots:  d.Snapshots,
		audit:      d.Audit,
		metrics:    d.Metrics,
		normalizer: d.Normalizer,
		now:        d.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.normalizer == nil {
		s.normalizer = normalize.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Report is the outcome of one detection pass over an environment.
type Report struct {
	TenantID      string             `json:"tenant_id"`
	EnvironmentID string             `json:"environment_id"`
	Status        domain.DriftStatus `json:"status"`
	Checked       int                `json:"checked"`
	Drifted       int                `json:"drifted"`
	Missing       int                `json:"missing"`
	Opened        []string           `json:"opened,omitempty"`
	Refreshed     []string           `json:"refreshed,omitempty"`
	AutoResolved  []string           `json:"auto_resolved,omitempty"`
	Error         string             `json:"error,omitempty"`
	CheckedAt     time.Time          `json:"checked_at"`
}

// DetectEnvironment runs one detection pass. Concurrent calls for the same
// environment share a single pass.
func (s *Service) DetectEnvironment(ctx context.Context, tc domain.TenantContext, envID string) (Report, error) {
	if err := tc.Validate(); err != nil {
		return Report{}, err
	}
	envID = strings.TrimSpace(envID)
	v, err, _ := s.flight.Do(tc.TenantID+"/"+envID, func() (any, error) {
		return s.detect(ctx, tc, envID)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

// drifted is a LINKED map whose live hash differs from its baseline.
type drifted struct {
	m         domain.WorkflowEnvironmentMap
	live      normalize.Normalized
	changes   domain.ChangeSet
	severity  domain.Severity
	riskLevel domain.RiskTier
}

func (s *Service) detect(ctx context.Context, tc domain.TenantContext, envID string) (report Report, err error) {
	ctx, span := tracing.Start(ctx, "drift.detect", tracing.Tenant(tc.TenantID, envID)...)
	defer func() { tracing.End(span, err) }()

	env, err := s.envs.GetEnvironment(ctx, tc.TenantID, envID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && !env.Active()) {
		return Report{}, fmt.Errorf("%w: %s", domain.ErrEnvironmentNotFound, envID)
	}
	if err != nil {
		return Report{}, err
	}
	now := s.now().UTC()
	report = Report{TenantID: tc.TenantID, EnvironmentID: env.ID, CheckedAt: now}
	if env.Class == domain.EnvironmentDev {
		report.Status = domain.DriftStatusSkipped
		return s.publish(ctx, report), nil
	}

	maps, err := s.mappings.ListMappings(ctx, repo.MappingFilter{TenantID: tc.TenantID, EnvironmentID: env.ID, Status: domain.MapLinked})
	if err != nil {
		return Report{}, fmt.Errorf("list mappings: %w", err)
	}
	if len(maps) == 0 {
		report.Status = domain.DriftStatusNew
		return s.publish(ctx, report), nil
	}

	src, err := s.sources.SourceFor(ctx, env)
	var live []domain.RawWorkflow
	if err == nil {
		live, err = src.ListWorkflows(ctx)
	}
	if err != nil {
		report.Status = domain.DriftStatusError
		report.Error = err.Error()
		s.logger.Warn("drift source unavailable", "tenant_id", tc.TenantID, "environment_id", env.ID, "error", err)
		return s.publish(ctx, report), nil
	}
	liveByID := make(map[string]domain.RawWorkflow, len(live))
	for _, wf := range live {
		liveByID[wf.ID] = wf
	}

	// Every baseline is read before any incident is touched, so an
	// unreachable Version Store raises nothing.
	var (
		found []drifted
		clean []domain.WorkflowEnvironmentMap
	)
	for _, m := range maps {
		wf, ok := liveByID[m.WorkflowID]
		if !ok {
			report.Missing++
			continue
		}
		report.Checked++
		norm, err := s.normalizer.ParseAndNormalize(wf.Payload)
		if err != nil {
			s.logger.Warn("drift skipped malformed workflow", "environment_id", env.ID, "workflow_id", wf.ID, "error", err)
			continue
		}
		m.EnvContentHash = norm.Hash
		if norm.Hash == m.GitContentHash {
			clean = append(clean, m)
			continue
		}
		baseline, err := s.baseline(ctx, tc, m)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedDefinition) {
				s.logger.Warn("canonical baseline malformed", "canonical_id", m.CanonicalID, "error", err)
				continue
			}
			report.Status = domain.DriftStatusGitUnavailable
			report.Error = err.Error()
			s.logger.Warn("drift version store unavailable", "tenant_id", tc.TenantID, "environment_id", env.ID, "error", err)
			return s.publish(ctx, report), nil
		}
		changes := diff.Compute(norm, baseline)
		tier := risk.Classify(changes).Tier
		found = append(found, drifted{m: m, live: norm, changes: changes, severity: tier.Severity(), riskLevel: tier})
	}

	policy := s.policy(ctx, tc.TenantID)
	for _, d := range found {
		id, opened, err := s.raise(ctx, tc, env, d, policy, now)
		if err != nil {
			s.logger.Error("raise drift incident failed", "environment_id", env.ID, "map_id", d.m.ID, "error", err)
			continue
		}
		if opened {
			report.Opened = append(report.Opened, id)
		} else {
			report.Refreshed = append(report.Refreshed, id)
		}
		s.touchMap(ctx, d.m, now)
	}
	for _, m := range clean {
		if policy.AutoResolveWhenClean {
			if id, ok := s.autoResolve(ctx, tc, m, now); ok {
				report.AutoResolved = append(report.AutoResolved, id)
			}
		}
		s.touchMap(ctx, m, now)
	}

	report.Drifted = len(found)
	report.Status = domain.DriftStatusInSync
	if report.Drifted > 0 {
		report.Status = domain.DriftStatusDetected
	}
	s.logger.Info("drift check",
		"tenant_id", tc.TenantID,
		"environment_id", env.ID,
		"status", report.Status,
		"checked", report.Checked,
		"drifted", report.Drifted,
	)
	return s.publish(ctx, report), nil
}

// baseline reads and normalizes the definition m is measured against.
func (s *Service) baseline(ctx context.Context, tc domain.TenantContext, m domain.WorkflowEnvironmentMap) (normalize.Normalized, error) {
	payload, err := s.baselinePayload(ctx, tc, m)
	if err != nil {
		return normalize.Normalized{}, err
	}
	return s.normalizer.ParseAndNormalize(payload)
}

// baselinePayload reads the commit recorded on m. Maps linked before the
// commit was recorded fall back to the canonical workflow's latest commit.
func (s *Service) baselinePayload(ctx context.Context, tc domain.TenantContext, m domain.WorkflowEnvironmentMap) ([]byte, error) {
	ref, path := m.BaselineCommitRef, m.BaselinePath
	if ref == "" {
		c, err := s.canonical.GetCanonical(ctx, tc.TenantID, m.CanonicalID)
		if err != nil {
			return nil, fmt.Errorf("get canonical %s: %w", m.CanonicalID, err)
		}
		ref, path = c.CommitRef, c.VersionPath
	}
	payload, err := s.versions.ReadCommit(ctx, ref, path)
	if err != nil {
		return nil, fmt.Errorf("read baseline of %s: %w", m.CanonicalID, err)
	}
	return payload, nil
}

func (s *Service) raise(ctx context.Context, tc domain.TenantContext, env domain.Environment, d drifted, policy domain.DriftPolicy, now time.Time) (string, bool, error) {
	active, err := s.incidents.GetActiveIncidentForMap(ctx, tc.TenantID, d.m.ID)
	if errors.Is(err, repo.ErrNotFound) {
		inc := domain.DriftIncident{
			ID:             uuid.NewString(),
			TenantID:       tc.TenantID,
			EnvironmentID:  env.ID,
			MapID:          d.m.ID,
			CanonicalID:    d.m.CanonicalID,
			WorkflowID:     d.m.WorkflowID,
			State:          domain.IncidentOpen,
			Severity:       d.severity,
			Risk:           d.riskLevel,
			ChangeSet:      d.changes,
			GitContentHash: d.m.GitContentHash,
			EnvContentHash: d.live.Hash,
			DetectedAt:     now,
			LastSeenAt:     now,
			TTLDeadline:    now.Add(policy.TTLFor(d.severity)),
		}
		err = s.incidents.CreateIncident(ctx, inc)
		if err == nil {
			s.metrics.IncidentOpened(string(inc.Severity))
			s.emit(ctx, domain.SystemActor(tc.TenantID, tc.ActorID), inc, "drift.incident_opened", map[string]any{
				"severity": string(inc.Severity),
				"changes":  len(inc.ChangeSet.Changes),
			})
			return inc.ID, true, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return "", false, fmt.Errorf("create incident: %w", err)
		}
		// Opened concurrently; refresh that one instead.
		active, err = s.incidents.GetActiveIncidentForMap(ctx, tc.TenantID, d.m.ID)
	}
	if err != nil {
		return "", false, fmt.Errorf("get active incident: %w", err)
	}
	expected := active.State
	active.LastSeenAt = now
	active.ChangeSet = d.changes
	active.EnvContentHash = d.live.Hash
	active.GitContentHash = d.m.GitContentHash
	if active.Severity != d.severity {
		active.Severity = d.severity
		active.TTLDeadline = active.DetectedAt.Add(policy.TTLFor(d.severity))
	}
	active.Risk = d.riskLevel
	if err := s.incidents.UpdateIncident(ctx, active, expected); err != nil {
		return "", false, fmt.Errorf("refresh incident: %w", err)
	}
	return active.ID, false, nil
}

func (s *Service) autoResolve(ctx context.Context, tc domain.TenantContext, m domain.WorkflowEnvironmentMap, now time.Time) (string, bool) {
	active, err := s.incidents.GetActiveIncidentForMap(ctx, tc.TenantID, m.ID)
	if err != nil {
		return "", false
	}
	expected := active.State
	active.State = domain.IncidentResolved
	active.Resolution = domain.ResolutionAutoResolved
	active.ResolvedBy = tc.ActorID
	active.ResolvedAt = &now
	active.LastSeenAt = now
	active.EnvContentHash = m.EnvContentHash
	if err := s.incidents.UpdateIncident(ctx, active, expected); err != nil {
		s.logger.Warn("auto-resolve incident failed", "incident_id", active.ID, "error", err)
		return "", false
	}
	s.emit(ctx, tc, active, "drift.auto_resolved", nil)
	return active.ID, true
}

func (s *Service) touchMap(ctx context.Context, m domain.WorkflowEnvironmentMap, now time.Time) {
	m.LastSyncedAt = now
	m.UpdatedAt = now
	if err := s.mappings.UpsertMapping(ctx, m); err != nil {
		s.logger.Warn("update mapping env hash failed", "map_id", m.ID, "error", err)
	}
}

func (s *Service) policy(ctx context.Context, tenantID string) domain.DriftPolicy {
	p, err := s.policies.GetDriftPolicy(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("drift policy lookup failed, using defaults", "tenant_id", tenantID, "error", err)
		}
		return domain.DefaultDriftPolicy(tenantID)
	}
	return p
}

// publish persists the environment status and counts the check.
func (s *Service) publish(ctx context.Context, r Report) Report {
	st := domain.EnvironmentDriftStatus{
		TenantID:      r.TenantID,
		EnvironmentID: r.EnvironmentID,
		Status:        r.Status,
		DriftedCount:  r.Drifted,
		CheckedCount:  r.Checked,
		Error:         r.Error,
		CheckedAt:     r.CheckedAt,
	}
	if err := s.status.PutDriftStatus(ctx, st); err != nil {
		s.logger.Warn("persist drift status failed", "environment_id", r.EnvironmentID, "error", err)
	}
	s.metrics.DriftCheck(string(r.Status))
	return r
}

// Status returns the last persisted detection status of an environment.
func (s *Service) Status(ctx context.Context, tc domain.TenantContext, envID string) (domain.EnvironmentDriftStatus, error) {
	if err := tc.Validate(); err != nil {
		return domain.EnvironmentDriftStatus{}, err
	}
	return s.status.GetDriftStatus(ctx, tc.TenantID, strings.TrimSpace(envID))
}

func (s *Service) emit(ctx context.Context, tc domain.TenantContext, inc domain.DriftIncident, action string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["environment_id"] = inc.EnvironmentID
	payload["map_id"] = inc.MapID
	payload["state"] = string(inc.State)
	auditlog.Emit(ctx, s.logger, s.audit, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		TenantID:     tc.TenantID,
		Actor:        tc.ActorID,
		Action:       action,
		ResourceType: "drift_incident",
		ResourceID:   inc.ID,
		Payload:      payload,
	})
}
