package promotions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/envlock"
	"github.com/animus-labs/flowgate/internal/platform/auditlog"
	"github.com/animus-labs/flowgate/internal/platform/metrics"
	"github.com/animus-labs/flowgate/internal/platform/policy"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/service/snapshots"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

// Snapshotter is the part of the snapshot manager a promotion uses.
type Snapshotter interface {
	Create(ctx context.Context, tc domain.TenantContext, envID string, typ domain.SnapshotType, reason string) (domain.Snapshot, error)
	Get(ctx context.Context, tc domain.TenantContext, id string) (domain.Snapshot, error)
	RestoreHeld(ctx context.Context, tc domain.TenantContext, lease *envlock.Lease, req snapshots.RestoreRequest) (snapshots.RestoreResult, error)
}

// DriftGate reports the drift exposure of workflows in a target environment.
type DriftGate interface {
	BlockingIncidents(ctx context.Context, tc domain.TenantContext, envID string, canonicalIDs []string, now time.Time) (domain.DriftExposure, error)
}

type Deps struct {
	Logger     *slog.Logger
	Stores     repo.Stores
	Sources    workflowsource.Resolver
	Versions   versionstore.Store
	Locker     envlock.Locker
	Snapshots  Snapshotter
	Drift      DriftGate
	Policy     policy.Provider
	Audit      auditlog.Recorder
	Metrics    *metrics.Metrics
	Normalizer *normalize.Normalizer
	Now        func() time.Time
}

type Service struct {
	logger     *slog.Logger
	envs       repo.EnvironmentRepository
	stages     repo.StageRepository
	canonical  repo.CanonicalRepository
	mappings   repo.MappingRepository
	promotions repo.PromotionRepository
	sources    workflowsource.Resolver
	versions   versionstore.Store
	locker     envlock.Locker
	snapshots  Snapshotter
	drift      DriftGate
	policy     policy.Provider
	audit      auditlog.Recorder
	metrics    *metrics.Metrics
	normalizer *normalize.Normalizer
	now        func() time.Time
}

func New(d Deps) *Service {
	st := d.Stores
	if st.Environments == nil || st.Stages == nil || st.Canonical == nil || st.Mappings == nil || st.Promotions == nil {
		return nil
	}
	if d.Sources == nil || d.Versions == nil || d.Locker == nil || d.Snapshots == nil || d.Drift == nil {
		return nil
	}
	s := &Service{
		logger:     d.Logger,
		envs:       st.Environments,
		stages:     st.Stages,
		canonical:  st.Canonical,
		mappings:   st.Mappings,
		promotions: st.Promotions,
		sources:    d.Sources,
		versions:   d.Versions,
		locker:     d.Locker,
		snapshots:  d.Snapshots,
		drift:      d.Drift,
		policy:     d.Policy,
		audit:      d.Audit,
		metrics:    d.Metrics,
		normalizer: d.Normalizer,
		now:        d.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.policy == nil {
		s.policy = policy.Static(nil)
	}
	if s.normalizer == nil {
		s.normalizer = normalize.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Get(ctx context.Context, tc domain.TenantContext, id string) (domain.Promotion, error) {
	if err := tc.Validate(); err != nil {
		return domain.Promotion{}, err
	}
	p, err := s.promotions.GetPromotion(ctx, tc.TenantID, strings.TrimSpace(id))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Promotion{}, fmt.Errorf("%w: %s", domain.ErrPromotionNotFound, id)
	}
	return p, err
}

func (s *Service) List(ctx context.Context, tc domain.TenantContext, filter repo.PromotionFilter) ([]domain.Promotion, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	filter.TenantID = tc.TenantID
	if filter.Status != "" {
		if filter.Status = domain.NormalizePromotionStatus(string(filter.Status)); filter.Status == "" {
			return nil, errors.New("promotion status is invalid")
		}
	}
	return s.promotions.ListPromotions(ctx, filter)
}

// Approve moves a promotion from PENDING_APPROVAL to APPROVED.
func (s *Service) Approve(ctx context.Context, tc domain.TenantContext, id, comment string) (domain.Promotion, error) {
	return s.decide(ctx, tc, id, domain.PromotionApproved, comment, "promotion.approved")
}

func (s *Service) Reject(ctx context.Context, tc domain.TenantContext, id, comment string) (domain.Promotion, error) {
	return s.decide(ctx, tc, id, domain.PromotionRejected, comment, "promotion.rejected")
}

func (s *Service) decide(ctx context.Context, tc domain.TenantContext, id string, next domain.PromotionStatus, comment, action string) (domain.Promotion, error) {
	if err := tc.Validate(); err != nil {
		return domain.Promotion{}, err
	}
	p, err := s.Get(ctx, tc, id)
	if err != nil {
		return domain.Promotion{}, err
	}
	if p.Status != domain.PromotionPendingApproval {
		return domain.Promotion{}, &domain.TransitionError{Entity: "promotion", From: string(p.Status), To: string(next)}
	}
	now := s.now().UTC()
	p.Decision = &domain.PromotionDecision{By: tc.ActorID, At: now, Comment: strings.TrimSpace(comment)}
	p, err = s.transition(ctx, p, next, now)
	if err != nil {
		return domain.Promotion{}, err
	}
	s.emit(ctx, tc, p, action, map[string]any{"comment": p.Decision.Comment})
	return p, nil
}

// Cancel is permitted until the promotion starts running.
func (s *Service) Cancel(ctx context.Context, tc domain.TenantContext, id, reason string) (domain.Promotion, error) {
	if err := tc.Validate(); err != nil {
		return domain.Promotion{}, err
	}
	p, err := s.Get(ctx, tc, id)
	if err != nil {
		return domain.Promotion{}, err
	}
	now := s.now().UTC()
	if reason = strings.TrimSpace(reason); reason != "" {
		p.Decision = &domain.PromotionDecision{By: tc.ActorID, At: now, Comment: reason}
	}
	p, err = s.transition(ctx, p, domain.PromotionCancelled, now)
	if err != nil {
		return domain.Promotion{}, err
	}
	s.emit(ctx, tc, p, "promotion.cancelled", map[string]any{"reason": reason})
	return p, nil
}

// transition persists p in status next provided the stored status is still
// the one p was read with.
func (s *Service) transition(ctx context.Context, p domain.Promotion, next domain.PromotionStatus, now time.Time) (domain.Promotion, error) {
	current := p.Status
	if !domain.CanTransitionPromotion(current, next) {
		return domain.Promotion{}, &domain.TransitionError{Entity: "promotion", From: string(current), To: string(next)}
	}
	p.Status = next
	p.UpdatedAt = now
	if err := s.promotions.UpdatePromotion(ctx, p, current); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Promotion{}, &domain.TransitionError{Entity: "promotion", From: string(current), To: string(next)}
		}
		return domain.Promotion{}, fmt.Errorf("update promotion: %w", err)
	}
	return p, nil
}

func (s *Service) emit(ctx context.Context, tc domain.TenantContext, p domain.Promotion, action string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["status"] = string(p.Status)
	payload["source_environment_id"] = p.SourceEnvironmentID
	payload["target_environment_id"] = p.TargetEnvironmentID
	auditlog.Emit(ctx, s.logger, s.audit, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		TenantID:     tc.TenantID,
		Actor:        tc.ActorID,
		Action:       action,
		ResourceType: "promotion",
		ResourceID:   p.ID,
		Payload:      payload,
	})
}

func (s *Service) environment(ctx context.Context, tc domain.TenantContext, id string) (domain.Environment, error) {
	env, err := s.envs.GetEnvironment(ctx, tc.TenantID, strings.TrimSpace(id))
	if errors.Is(err, repo.ErrNotFound) || (err == nil && !env.Active()) {
		return domain.Environment{}, fmt.Errorf("%w: %s", domain.ErrEnvironmentNotFound, id)
	}
	return env, err
}

func (s *Service) source(ctx context.Context, env domain.Environment) (workflowsource.Source, error) {
	src, err := s.sources.SourceFor(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	return src, nil
}

func sourceErr(op string, err error) error {
	if errors.Is(err, domain.ErrSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrSourceUnavailable, op, err)
}
