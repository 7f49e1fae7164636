// Package memory implements every repository in process. It backs dev mode
// and the service tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

type Store struct {
	mu sync.RWMutex

	environments map[string]domain.Environment
	stages       map[string]domain.PipelineStage
	policies     map[string]domain.DriftPolicy
	canonical    map[string]domain.CanonicalWorkflow
	mappings     map[string]domain.WorkflowEnvironmentMap
	snapshots    []domain.Snapshot
	promotions   map[string]domain.Promotion
	promoOrder   []string
	incidents    map[string]domain.DriftIncident
	driftStatus  map[string]domain.EnvironmentDriftStatus
	jobs         map[string]domain.OnboardingJob
}

func New() *Store {
	return &Store{
		environments: map[string]domain.Environment{},
		stages:       map[string]domain.PipelineStage{},
		policies:     map[string]domain.DriftPolicy{},
		canonical:    map[string]domain.CanonicalWorkflow{},
		mappings:     map[string]domain.WorkflowEnvironmentMap{},
		promotions:   map[string]domain.Promotion{},
		incidents:    map[string]domain.DriftIncident{},
		driftStatus:  map[string]domain.EnvironmentDriftStatus{},
		jobs:         map[string]domain.OnboardingJob{},
	}
}

// Stores exposes s through every repository interface.
func (s *Store) Stores() repo.Stores {
	return repo.Stores{
		Environments:  s,
		Stages:        s,
		DriftPolicies: s,
		Canonical:     s,
		Mappings:      s,
		Snapshots:     s,
		Promotions:    s,
		Incidents:     s,
		DriftStatus:   s,
		Onboarding:    s,
	}
}

func key(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func clone[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("clone %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("clone %T: %v", v, err))
	}
	return out
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

func (s *Store) UpsertEnvironment(_ context.Context, env domain.Environment) error {
	if strings.TrimSpace(env.TenantID) == "" || strings.TrimSpace(env.ID) == "" {
		return fmt.Errorf("tenant id and environment id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(env.TenantID, env.ID)
	if existing, ok := s.environments[k]; ok && env.CreatedAt.IsZero() {
		env.CreatedAt = existing.CreatedAt
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	s.environments[k] = env
	return nil
}

func (s *Store) GetEnvironment(_ context.Context, tenantID, id string) (domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.environments[key(tenantID, id)]
	if !ok {
		return domain.Environment{}, repo.ErrNotFound
	}
	return env, nil
}

func (s *Store) ListEnvironments(_ context.Context, filter repo.EnvironmentFilter) ([]domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Environment{}
	for _, env := range s.environments {
		if env.TenantID != filter.TenantID {
			continue
		}
		if filter.Class != "" && env.Class != filter.Class {
			continue
		}
		if !filter.IncludeDeleted && !env.Active() {
			continue
		}
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListTenants(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, env := range s.environments {
		seen[env.TenantID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) UpsertStage(_ context.Context, stage domain.PipelineStage) error {
	if strings.TrimSpace(stage.TenantID) == "" || strings.TrimSpace(stage.ID) == "" {
		return fmt.Errorf("tenant id and stage id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.stages {
		if existing.TenantID == stage.TenantID && existing.ID != stage.ID &&
			existing.SourceEnvironmentID == stage.SourceEnvironmentID &&
			existing.TargetEnvironmentID == stage.TargetEnvironmentID {
			return fmt.Errorf("stage %s already links %s to %s: %w", existing.ID, stage.SourceEnvironmentID, stage.TargetEnvironmentID, repo.ErrConflict)
		}
	}
	s.stages[key(stage.TenantID, stage.ID)] = clone(stage)
	return nil
}

func (s *Store) GetStageByEnvironments(_ context.Context, tenantID, sourceEnvID, targetEnvID string) (domain.PipelineStage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stage := range s.stages {
		if stage.TenantID == tenantID && stage.SourceEnvironmentID == sourceEnvID && stage.TargetEnvironmentID == targetEnvID {
			return clone(stage), nil
		}
	}
	return domain.PipelineStage{}, repo.ErrNotFound
}

func (s *Store) ListStages(_ context.Context, tenantID string) ([]domain.PipelineStage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.PipelineStage{}
	for _, stage := range s.stages {
		if stage.TenantID == tenantID {
			out = append(out, clone(stage))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertDriftPolicy(_ context.Context, policy domain.DriftPolicy) error {
	if strings.TrimSpace(policy.TenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.TenantID] = clone(policy)
	return nil
}

func (s *Store) GetDriftPolicy(_ context.Context, tenantID string) (domain.DriftPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[tenantID]
	if !ok {
		return domain.DriftPolicy{}, repo.ErrNotFound
	}
	return clone(p), nil
}

func (s *Store) CreateCanonical(_ context.Context, c domain.CanonicalWorkflow) error {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(c.TenantID, c.ID)
	if _, ok := s.canonical[k]; ok {
		return fmt.Errorf("canonical workflow %s: %w", c.ID, repo.ErrConflict)
	}
	s.canonical[k] = c
	return nil
}

func (s *Store) GetCanonical(_ context.Context, tenantID, id string) (domain.CanonicalWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.canonical[key(tenantID, id)]
	if !ok {
		return domain.CanonicalWorkflow{}, repo.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListCanonical(_ context.Context, tenantID string) ([]domain.CanonicalWorkflow, error) {
	return s.listCanonical(func(c domain.CanonicalWorkflow) bool { return c.TenantID == tenantID }), nil
}

func (s *Store) ListCanonicalByHash(_ context.Context, tenantID, contentHash string) ([]domain.CanonicalWorkflow, error) {
	return s.listCanonical(func(c domain.CanonicalWorkflow) bool {
		return c.TenantID == tenantID && c.ContentHash == contentHash
	}), nil
}

func (s *Store) listCanonical(match func(domain.CanonicalWorkflow) bool) []domain.CanonicalWorkflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.CanonicalWorkflow{}
	for _, c := range s.canonical {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) UpdateCanonicalBaseline(_ context.Context, tenantID, id, contentHash, commitRef, versionPath string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, id)
	c, ok := s.canonical[k]
	if !ok {
		return repo.ErrNotFound
	}
	c.ContentHash = contentHash
	c.CommitRef = commitRef
	c.VersionPath = versionPath
	c.UpdatedAt = at.UTC()
	s.canonical[k] = c
	return nil
}

func (s *Store) RetireCanonical(_ context.Context, tenantID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, id)
	c, ok := s.canonical[k]
	if !ok {
		return repo.ErrNotFound
	}
	if c.RetiredAt == nil {
		t := at.UTC()
		c.RetiredAt = &t
		c.UpdatedAt = t
		s.canonical[k] = c
	}
	return nil
}

func (s *Store) UpsertMapping(_ context.Context, m domain.WorkflowEnvironmentMap) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, existing := range s.mappings {
		if existing.TenantID == m.TenantID && existing.EnvironmentID == m.EnvironmentID && existing.WorkflowID == m.WorkflowID {
			if m.ID == "" {
				m.ID = existing.ID
			}
			if m.ID != existing.ID {
				return fmt.Errorf("workflow %s already mapped: %w", m.WorkflowID, repo.ErrConflict)
			}
			delete(s.mappings, k)
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	s.mappings[key(m.TenantID, m.ID)] = m
	return nil
}

func (s *Store) GetMapping(_ context.Context, tenantID, id string) (domain.WorkflowEnvironmentMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[key(tenantID, id)]
	if !ok {
		return domain.WorkflowEnvironmentMap{}, repo.ErrNotFound
	}
	return m, nil
}

func (s *Store) GetMappingByWorkflow(_ context.Context, tenantID, envID, workflowID string) (domain.WorkflowEnvironmentMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.TenantID == tenantID && m.EnvironmentID == envID && m.WorkflowID == workflowID {
			return m, nil
		}
	}
	return domain.WorkflowEnvironmentMap{}, repo.ErrNotFound
}

func (s *Store) ListMappings(_ context.Context, filter repo.MappingFilter) ([]domain.WorkflowEnvironmentMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.WorkflowEnvironmentMap{}
	for _, m := range s.mappings {
		if m.TenantID != filter.TenantID {
			continue
		}
		if filter.EnvironmentID != "" && m.EnvironmentID != filter.EnvironmentID {
			continue
		}
		if filter.CanonicalID != "" && m.CanonicalID != filter.CanonicalID {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnvironmentID != out[j].EnvironmentID {
			return out[i].EnvironmentID < out[j].EnvironmentID
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	return out, nil
}

func (s *Store) CreateSnapshot(_ context.Context, snap domain.Snapshot) error {
	if strings.TrimSpace(snap.ID) == "" {
		return fmt.Errorf("snapshot id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.snapshots {
		if existing.TenantID == snap.TenantID && existing.ID == snap.ID {
			return fmt.Errorf("snapshot %s: %w", snap.ID, repo.ErrConflict)
		}
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, tenantID, id string) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.snapshots {
		if snap.TenantID == tenantID && snap.ID == id {
			return snap, nil
		}
	}
	return domain.Snapshot{}, repo.ErrNotFound
}

func (s *Store) LatestSnapshot(ctx context.Context, tenantID, envID string, typ domain.SnapshotType) (domain.Snapshot, error) {
	list, _ := s.ListSnapshots(ctx, repo.SnapshotFilter{TenantID: tenantID, EnvironmentID: envID, Type: typ, Limit: 1})
	if len(list) == 0 {
		return domain.Snapshot{}, repo.ErrNotFound
	}
	return list[0], nil
}

// ListSnapshots returns newest first; snapshots sharing a timestamp keep
// reverse insertion order.
func (s *Store) ListSnapshots(_ context.Context, filter repo.SnapshotFilter) ([]domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Snapshot{}
	for _, snap := range slices.Backward(s.snapshots) {
		if snap.TenantID != filter.TenantID {
			continue
		}
		if filter.EnvironmentID != "" && snap.EnvironmentID != filter.EnvironmentID {
			continue
		}
		if filter.Type != "" && snap.Type != filter.Type {
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, filter.Limit), nil
}

func (s *Store) CreatePromotion(_ context.Context, p domain.Promotion) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("promotion id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(p.TenantID, p.ID)
	if _, ok := s.promotions[k]; ok {
		return fmt.Errorf("promotion %s: %w", p.ID, repo.ErrConflict)
	}
	s.promotions[k] = clone(p)
	s.promoOrder = append(s.promoOrder, k)
	return nil
}

func (s *Store) GetPromotion(_ context.Context, tenantID, id string) (domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.promotions[key(tenantID, id)]
	if !ok {
		return domain.Promotion{}, repo.ErrNotFound
	}
	return clone(p), nil
}

func (s *Store) UpdatePromotion(_ context.Context, p domain.Promotion, expected domain.PromotionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(p.TenantID, p.ID)
	current, ok := s.promotions[k]
	if !ok {
		return repo.ErrNotFound
	}
	if current.Status != expected {
		return fmt.Errorf("promotion %s is %s, expected %s: %w", p.ID, current.Status, expected, repo.ErrConflict)
	}
	s.promotions[k] = clone(p)
	return nil
}

func (s *Store) ListPromotions(_ context.Context, filter repo.PromotionFilter) ([]domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Promotion{}
	for _, k := range slices.Backward(s.promoOrder) {
		p := s.promotions[k]
		if p.TenantID != filter.TenantID {
			continue
		}
		if filter.TargetEnvironmentID != "" && p.TargetEnvironmentID != filter.TargetEnvironmentID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, clone(p))
	}
	return limit(out, filter.Limit), nil
}

func (s *Store) CreateIncident(_ context.Context, i domain.DriftIncident) error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("incident id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.incidents {
		if existing.TenantID == i.TenantID && existing.MapID == i.MapID && existing.State.Active() {
			return fmt.Errorf("map %s already has active incident %s: %w", i.MapID, existing.ID, repo.ErrConflict)
		}
	}
	s.incidents[key(i.TenantID, i.ID)] = clone(i)
	return nil
}

func (s *Store) GetIncident(_ context.Context, tenantID, id string) (domain.DriftIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.incidents[key(tenantID, id)]
	if !ok {
		return domain.DriftIncident{}, repo.ErrNotFound
	}
	return clone(i), nil
}

func (s *Store) GetActiveIncidentForMap(_ context.Context, tenantID, mapID string) (domain.DriftIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, i := range s.incidents {
		if i.TenantID == tenantID && i.MapID == mapID && i.State.Active() {
			return clone(i), nil
		}
	}
	return domain.DriftIncident{}, repo.ErrNotFound
}

func (s *Store) UpdateIncident(_ context.Context, i domain.DriftIncident, expected domain.IncidentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(i.TenantID, i.ID)
	current, ok := s.incidents[k]
	if !ok {
		return repo.ErrNotFound
	}
	if current.State != expected {
		return fmt.Errorf("incident %s is %s, expected %s: %w", i.ID, current.State, expected, repo.ErrConflict)
	}
	s.incidents[k] = clone(i)
	return nil
}

func (s *Store) ListIncidents(_ context.Context, filter repo.IncidentFilter) ([]domain.DriftIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.DriftIncident{}
	for _, i := range s.incidents {
		if i.TenantID != filter.TenantID {
			continue
		}
		if filter.EnvironmentID != "" && i.EnvironmentID != filter.EnvironmentID {
			continue
		}
		if len(filter.CanonicalIDs) > 0 && !slices.Contains(filter.CanonicalIDs, i.CanonicalID) {
			continue
		}
		if filter.ActiveOnly && !i.State.Active() {
			continue
		}
		if filter.State != "" && i.State != filter.State {
			continue
		}
		out = append(out, clone(i))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].DetectedAt.Equal(out[b].DetectedAt) {
			return out[a].DetectedAt.After(out[b].DetectedAt)
		}
		return out[a].ID < out[b].ID
	})
	return limit(out, filter.Limit), nil
}

func (s *Store) PutDriftStatus(_ context.Context, st domain.EnvironmentDriftStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driftStatus[key(st.TenantID, st.EnvironmentID)] = st
	return nil
}

func (s *Store) GetDriftStatus(_ context.Context, tenantID, envID string) (domain.EnvironmentDriftStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.driftStatus[key(tenantID, envID)]
	if !ok {
		return domain.EnvironmentDriftStatus{}, repo.ErrNotFound
	}
	return st, nil
}

func (s *Store) CreateOnboardingJob(_ context.Context, job domain.OnboardingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(job.TenantID, job.ID)
	if _, ok := s.jobs[k]; ok {
		return fmt.Errorf("onboarding job %s: %w", job.ID, repo.ErrConflict)
	}
	s.jobs[k] = clone(job)
	return nil
}

func (s *Store) GetOnboardingJob(_ context.Context, tenantID, id string) (domain.OnboardingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[key(tenantID, id)]
	if !ok {
		return domain.OnboardingJob{}, repo.ErrNotFound
	}
	return clone(job), nil
}

func (s *Store) UpdateOnboardingJob(_ context.Context, job domain.OnboardingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(job.TenantID, job.ID)
	current, ok := s.jobs[k]
	if !ok {
		return repo.ErrNotFound
	}
	if !domain.CanAdvanceOnboardingPhase(current.Phase, job.Phase) {
		return fmt.Errorf("onboarding job %s cannot move from %s to %s: %w", job.ID, current.Phase, job.Phase, repo.ErrConflict)
	}
	s.jobs[k] = clone(job)
	return nil
}
