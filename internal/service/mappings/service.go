package mappings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/auditlog"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

type Deps struct {
	Logger     *slog.Logger
	Stores     repo.Stores
	Sources    workflowsource.Resolver
	Versions   versionstore.Store
	Audit      auditlog.Recorder
	Normalizer *normalize.Normalizer
	Now        func() time.Time
}

type Service struct {
	logger     *slog.Logger
	envs       repo.EnvironmentRepository
	canonical  repo.CanonicalRepository
	mappings   repo.MappingRepository
	jobs       repo.OnboardingRepository
	sources    workflowsource.Resolver
	versions   versionstore.Store
	audit      auditlog.Recorder
	normalizer *normalize.Normalizer
	now        func() time.Time

	running sync.WaitGroup
}

func New(d Deps) *Service {
	st := d.Stores
	if st.Environments == nil || st.Canonical == nil || st.Mappings == nil || st.Onboarding == nil {
		return nil
	}
	if d.Sources == nil || d.Versions == nil {
		return nil
	}
	s := &Service{
		logger:     d.Logger,
		envs:       st.Environments,
		canonical:  st.Canonical,
		mappings:   st.Mappings,
		jobs:       st.Onboarding,
		sources:    d.Sources,
		versions:   d.Versions,
		audit:      d.Audit,
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

// Wait blocks until every onboarding job started so far has finished.
func (s *Service) Wait() {
	s.running.Wait()
}

func (s *Service) ListMappings(ctx context.Context, tc domain.TenantContext, filter repo.MappingFilter) ([]domain.WorkflowEnvironmentMap, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	filter.TenantID = tc.TenantID
	if filter.Status != "" {
		if filter.Status = domain.NormalizeMapStatus(string(filter.Status)); filter.Status == "" {
			return nil, errors.New("mapping status is invalid")
		}
	}
	return s.mappings.ListMappings(ctx, filter)
}

// Ignore excludes a workflow from linking and drift checks.
func (s *Service) Ignore(ctx context.Context, tc domain.TenantContext, mapID string) (domain.WorkflowEnvironmentMap, error) {
	if err := tc.Validate(); err != nil {
		return domain.WorkflowEnvironmentMap{}, err
	}
	m, err := s.mappings.GetMapping(ctx, tc.TenantID, strings.TrimSpace(mapID))
	if err != nil {
		return domain.WorkflowEnvironmentMap{}, fmt.Errorf("mapping %s: %w", mapID, err)
	}
	if m.Status == domain.MapIgnored {
		return m, nil
	}
	previous := m.Status
	m.Status = domain.MapIgnored
	m.CanonicalID = ""
	m.SetBaseline("", "", "")
	m.UpdatedAt = s.now().UTC()
	if err := s.mappings.UpsertMapping(ctx, m); err != nil {
		return domain.WorkflowEnvironmentMap{}, fmt.Errorf("upsert mapping: %w", err)
	}
	s.emit(ctx, tc, "mapping.ignored", "workflow_map", m.ID, map[string]any{
		"environment_id":  m.EnvironmentID,
		"workflow_id":     m.WorkflowID,
		"previous_status": string(previous),
	})
	return m, nil
}

// Retire retires a canonical workflow and unlinks every map that references it.
func (s *Service) Retire(ctx context.Context, tc domain.TenantContext, canonicalID string) (domain.CanonicalWorkflow, error) {
	if err := tc.Validate(); err != nil {
		return domain.CanonicalWorkflow{}, err
	}
	canonicalID = strings.TrimSpace(canonicalID)
	now := s.now().UTC()
	if err := s.canonical.RetireCanonical(ctx, tc.TenantID, canonicalID, now); err != nil {
		return domain.CanonicalWorkflow{}, fmt.Errorf("canonical workflow %s: %w", canonicalID, err)
	}
	maps, err := s.mappings.ListMappings(ctx, repo.MappingFilter{TenantID: tc.TenantID, CanonicalID: canonicalID})
	if err != nil {
		return domain.CanonicalWorkflow{}, fmt.Errorf("list mappings: %w", err)
	}
	for _, m := range maps {
		if m.Status == domain.MapIgnored || m.Status == domain.MapDeleted {
			continue
		}
		m.Status = domain.MapUnmapped
		m.CanonicalID = ""
		m.SetBaseline("", "", "")
		m.UpdatedAt = now
		if err := s.mappings.UpsertMapping(ctx, m); err != nil {
			return domain.CanonicalWorkflow{}, fmt.Errorf("unlink mapping %s: %w", m.ID, err)
		}
	}
	c, err := s.canonical.GetCanonical(ctx, tc.TenantID, canonicalID)
	if err != nil {
		return domain.CanonicalWorkflow{}, err
	}
	s.emit(ctx, tc, "canonical.retired", "canonical_workflow", c.ID, map[string]any{"unlinked": len(maps)})
	return c, nil
}

func (s *Service) environmentSource(ctx context.Context, tc domain.TenantContext, envID string) (domain.Environment, workflowsource.Source, error) {
	env, err := s.envs.GetEnvironment(ctx, tc.TenantID, strings.TrimSpace(envID))
	if errors.Is(err, repo.ErrNotFound) || (err == nil && !env.Active()) {
		return domain.Environment{}, nil, fmt.Errorf("%w: %s", domain.ErrEnvironmentNotFound, envID)
	}
	if err != nil {
		return domain.Environment{}, nil, err
	}
	src, err := s.sources.SourceFor(ctx, env)
	if err != nil {
		return domain.Environment{}, nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	return env, src, nil
}

func (s *Service) emit(ctx context.Context, tc domain.TenantContext, action, resourceType, resourceID string, payload map[string]any) {
	auditlog.Emit(ctx, s.logger, s.audit, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		TenantID:     tc.TenantID,
		Actor:        tc.ActorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
	})
}

func sourceErr(op string, err error) error {
	if errors.Is(err, domain.ErrSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrSourceUnavailable, op, err)
}
