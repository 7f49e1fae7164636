package promotions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/envlock"
	"github.com/animus-labs/flowgate/internal/platform/tracing"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/service/snapshots"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

const annotationBaselineUpdateFailed = "baseline_update_failed"

// Execute applies a PENDING or APPROVED promotion to its target. On an apply
// failure the pre_promotion snapshot is restored and the returned error wraps
// domain.ErrPromotionFailed; the promotion is returned alongside it.
func (s *Service) Execute(ctx context.Context, tc domain.TenantContext, id string) (p domain.Promotion, err error) {
	if err := tc.Validate(); err != nil {
		return domain.Promotion{}, err
	}
	p, err = s.Get(ctx, tc, id)
	if err != nil {
		return domain.Promotion{}, err
	}
	if p.Status != domain.PromotionPending && p.Status != domain.PromotionApproved {
		return domain.Promotion{}, &domain.TransitionError{Entity: "promotion", From: string(p.Status), To: string(domain.PromotionRunning)}
	}
	ctx, span := tracing.Start(ctx, "promotion.execute", tracing.Tenant(tc.TenantID, p.TargetEnvironmentID)...)
	defer func() { tracing.End(span, err) }()

	targetEnv, err := s.environment(ctx, tc, p.TargetEnvironmentID)
	if err != nil {
		return domain.Promotion{}, err
	}
	sourceEnv, err := s.environment(ctx, tc, p.SourceEnvironmentID)
	if err != nil {
		return domain.Promotion{}, err
	}

	lease, err := s.locker.TryAcquire(ctx, tc.TenantID, targetEnv.ID, "promotion:"+p.ID)
	if err != nil {
		return domain.Promotion{}, err
	}
	// Once the lease is held the promotion runs to a terminal state; each
	// source call carries its own timeout.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			s.logger.Warn("release environment lock failed", "environment_id", targetEnv.ID, "error", rerr)
		}
	}()

	now := s.now().UTC()
	p.Execution = &domain.PromotionExecution{StartedAt: now, Applied: []domain.AppliedWorkflow{}}
	p, err = s.transition(ctx, p, domain.PromotionRunning, now)
	if err != nil {
		return domain.Promotion{}, err
	}
	s.logger.Info("promotion running", "tenant_id", tc.TenantID, "promotion_id", p.ID, "target_environment_id", targetEnv.ID)

	pre, err := s.snapshots.Create(ctx, tc, targetEnv.ID, domain.SnapshotPrePromotion, "before promotion "+p.ID)
	if err != nil {
		p.Execution.Error = "pre-promotion snapshot: " + err.Error()
		failed, ferr := s.finish(ctx, tc, p, domain.PromotionFailed)
		if ferr != nil {
			return domain.Promotion{}, ferr
		}
		s.metrics.Promotion("failed")
		return failed, fmt.Errorf("%w: pre-promotion snapshot: %w", domain.ErrPromotionFailed, err)
	}
	p.PreSnapshotID = pre.ID

	sourceSrc, err := s.source(ctx, sourceEnv)
	if err == nil {
		var targetSrc workflowsource.Source
		targetSrc, err = s.source(ctx, targetEnv)
		if err == nil {
			err = s.apply(ctx, &p, sourceSrc, targetSrc)
		}
	}
	if err != nil {
		return s.failAndRestore(ctx, tc, lease, p, err)
	}

	if post, perr := s.snapshots.Create(ctx, tc, targetEnv.ID, domain.SnapshotPostPromotion, "after promotion "+p.ID); perr != nil {
		s.logger.Warn("post-promotion snapshot failed", "promotion_id", p.ID, "error", perr)
	} else {
		p.PostSnapshotID = post.ID
	}
	if berr := s.recordBaselines(ctx, tc, &p); berr != nil {
		s.logger.Error("canonical baseline update failed", "promotion_id", p.ID, "error", berr)
		p.Annotations = append(p.Annotations, annotationBaselineUpdateFailed)
	}
	completed, err := s.finish(ctx, tc, p, domain.PromotionCompleted)
	if err != nil {
		return domain.Promotion{}, err
	}
	s.metrics.Promotion("completed")
	return completed, nil
}

// apply writes every mutating workflow in plan order and stops at the first
// failure. Successful writes are recorded on p.Execution.
func (s *Service) apply(ctx context.Context, p *domain.Promotion, sourceSrc, targetSrc workflowsource.Source) error {
	for i := range p.Workflows {
		w := &p.Workflows[i]
		if !w.Mutating() {
			continue
		}
		applied := domain.AppliedWorkflow{SourceWorkflowID: w.SourceWorkflowID, TargetWorkflowID: w.TargetWorkflowID, Action: w.Action}
		err := s.applyOne(ctx, w, &applied, sourceSrc, targetSrc)
		if err != nil {
			applied.Error = err.Error()
			p.Execution.Applied = append(p.Execution.Applied, applied)
			return fmt.Errorf("apply %s: %w", w.Name, err)
		}
		p.Execution.Applied = append(p.Execution.Applied, applied)
	}
	return nil
}

func (s *Service) applyOne(ctx context.Context, w *domain.PromotionWorkflow, applied *domain.AppliedWorkflow, sourceSrc, targetSrc workflowsource.Source) error {
	raw, err := sourceSrc.GetWorkflow(ctx, w.SourceWorkflowID)
	if err != nil {
		return err
	}
	norm, err := s.sourceDefinition(raw)
	if err != nil {
		return err
	}
	if norm.Hash != w.SourceHash {
		return fmt.Errorf("source workflow %s changed since initiation", w.SourceWorkflowID)
	}
	payload, err := normalize.WritablePayload(raw.Payload)
	if err != nil {
		return err
	}
	switch w.Action {
	case domain.ActionCreate:
		id, err := targetSrc.CreateWorkflow(ctx, payload)
		if err != nil {
			return err
		}
		w.TargetWorkflowID = id
		applied.TargetWorkflowID = id
	case domain.ActionUpdate:
		if err := targetSrc.UpdateWorkflow(ctx, w.TargetWorkflowID, payload); err != nil {
			return err
		}
	}
	applied.Hash = norm.Hash
	return nil
}

// failAndRestore rolls the target back to the pre_promotion snapshot while
// the lease is still held and marks the promotion FAILED.
func (s *Service) failAndRestore(ctx context.Context, tc domain.TenantContext, lease *envlock.Lease, p domain.Promotion, cause error) (domain.Promotion, error) {
	p.Execution.Error = cause.Error()
	s.logger.Error("promotion apply failed", "tenant_id", tc.TenantID, "promotion_id", p.ID, "error", cause)

	// A failed write may still have landed, so the snapshot is always restored.
	var record domain.RollbackRecord
	res, rerr := s.snapshots.RestoreHeld(ctx, tc, lease, snapshots.RestoreRequest{
		SnapshotID:          p.PreSnapshotID,
		TargetEnvironmentID: p.TargetEnvironmentID,
		OverwriteExisting:   true,
		SkipValidation:      true,
		RemoveWorkflowIDs:   createdIDs(p),
		RemoveUnknownNamed:  uncertainCreates(p),
	})
	now := s.now().UTC()
	if rerr != nil {
		record = domain.RollbackRecord{SnapshotID: p.PreSnapshotID, Outcome: domain.RestoreFailed, Errors: []string{rerr.Error()}, At: now}
	} else {
		record = res.Record(now)
	}
	p.Execution.Rollback = &record
	s.metrics.Rollback(string(record.Outcome))

	failed, err := s.finish(ctx, tc, p, domain.PromotionFailed)
	if err != nil {
		return domain.Promotion{}, err
	}
	s.metrics.Promotion("failed")
	switch record.Outcome {
	case domain.RestoreFailed:
		return failed, fmt.Errorf("%w: %w: %v", domain.ErrPromotionFailed, domain.ErrRollbackFailed, cause)
	case domain.RestorePartial:
		return failed, fmt.Errorf("%w: %w: %v", domain.ErrPromotionFailed, domain.ErrRollbackPartial, cause)
	default:
		return failed, fmt.Errorf("%w: %v", domain.ErrPromotionFailed, cause)
	}
}

// finish moves a RUNNING promotion to its terminal state.
func (s *Service) finish(ctx context.Context, tc domain.TenantContext, p domain.Promotion, status domain.PromotionStatus) (domain.Promotion, error) {
	now := s.now().UTC()
	p.Execution.FinishedAt = &now
	out, err := s.transition(ctx, p, status, now)
	if err != nil {
		return domain.Promotion{}, err
	}
	action := "promotion.completed"
	if status == domain.PromotionFailed {
		action = "promotion.failed"
	}
	payload := map[string]any{"applied": len(p.Execution.Applied)}
	if p.Execution.Rollback != nil {
		payload["rollback_outcome"] = string(p.Execution.Rollback.Outcome)
	}
	s.emit(ctx, tc, out, action, payload)
	s.logger.Info("promotion finished", "tenant_id", tc.TenantID, "promotion_id", p.ID, "status", status, "applied", len(p.Execution.Applied))
	return out, nil
}

// recordBaselines commits each promoted definition as its canonical baseline
// and links the source and target workflows to it.
func (s *Service) recordBaselines(ctx context.Context, tc domain.TenantContext, p *domain.Promotion) error {
	var errs []error
	now := s.now().UTC()
	sourceSrc, targetSrc, err := s.sourcesFor(ctx, tc, *p)
	if err != nil {
		return err
	}
	for i := range p.Workflows {
		w := &p.Workflows[i]
		if !w.Mutating() || w.TargetWorkflowID == "" {
			continue
		}
		raw, err := targetSrc.GetWorkflow(ctx, w.TargetWorkflowID)
		if err != nil {
			raw, err = sourceSrc.GetWorkflow(ctx, w.SourceWorkflowID)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", w.Name, err))
			continue
		}
		if w.CanonicalID == "" {
			w.CanonicalID = uuid.NewString()
		}
		path := versionstore.CanonicalPath(tc.TenantID, w.CanonicalID)
		ref, err := s.versions.WriteCommit(ctx, path, raw.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("commit %s: %w", w.Name, err))
			continue
		}
		if w.PreviousCommit == "" && w.BaselineHash == "" {
			err = s.canonical.CreateCanonical(ctx, domain.CanonicalWorkflow{
				ID:          w.CanonicalID,
				TenantID:    tc.TenantID,
				Name:        w.Name,
				ContentHash: w.SourceHash,
				CommitRef:   ref,
				VersionPath: path,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		} else {
			err = s.canonical.UpdateCanonicalBaseline(ctx, tc.TenantID, w.CanonicalID, w.SourceHash, ref, path, now)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("baseline %s: %w", w.Name, err))
			continue
		}
		promoted := baselineRef{hash: w.SourceHash, commit: ref, path: path}
		if err := s.linkMap(ctx, tc, p.TargetEnvironmentID, w.TargetWorkflowID, w.Name, w.CanonicalID, promoted, w.SourceHash, now); err != nil {
			errs = append(errs, err)
		}
		if err := s.linkMap(ctx, tc, p.SourceEnvironmentID, w.SourceWorkflowID, w.Name, w.CanonicalID, promoted, w.SourceHash, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// baselineRef is the committed definition a map is measured against.
type baselineRef struct {
	hash   string
	commit string
	path   string
}

func (s *Service) linkMap(ctx context.Context, tc domain.TenantContext, envID, workflowID, name, canonicalID string, baseline baselineRef, envHash string, now time.Time) error {
	m, err := s.mappings.GetMappingByWorkflow(ctx, tc.TenantID, envID, workflowID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("get mapping %s/%s: %w", envID, workflowID, err)
	}
	if errors.Is(err, repo.ErrNotFound) {
		m = domain.WorkflowEnvironmentMap{ID: uuid.NewString(), TenantID: tc.TenantID, EnvironmentID: envID, WorkflowID: workflowID}
	}
	m.WorkflowName = name
	m.CanonicalID = canonicalID
	m.Status = domain.MapLinked
	m.SetBaseline(baseline.hash, baseline.commit, baseline.path)
	m.EnvContentHash = envHash
	m.LastSyncedAt = now
	m.UpdatedAt = now
	if err := s.mappings.UpsertMapping(ctx, m); err != nil {
		return fmt.Errorf("upsert mapping %s/%s: %w", envID, workflowID, err)
	}
	return nil
}

func (s *Service) sourcesFor(ctx context.Context, tc domain.TenantContext, p domain.Promotion) (workflowsource.Source, workflowsource.Source, error) {
	sourceEnv, err := s.environment(ctx, tc, p.SourceEnvironmentID)
	if err != nil {
		return nil, nil, err
	}
	targetEnv, err := s.environment(ctx, tc, p.TargetEnvironmentID)
	if err != nil {
		return nil, nil, err
	}
	sourceSrc, err := s.source(ctx, sourceEnv)
	if err != nil {
		return nil, nil, err
	}
	targetSrc, err := s.source(ctx, targetEnv)
	if err != nil {
		return nil, nil, err
	}
	return sourceSrc, targetSrc, nil
}

func createdIDs(p domain.Promotion) []string {
	var out []string
	if p.Execution == nil {
		return nil
	}
	for _, a := range p.Execution.Applied {
		if a.Action == domain.ActionCreate && a.Error == "" && a.TargetWorkflowID != "" {
			out = append(out, a.TargetWorkflowID)
		}
	}
	return out
}

// uncertainCreates names the workflows whose create returned an error.
func uncertainCreates(p domain.Promotion) []string {
	if p.Execution == nil {
		return nil
	}
	names := make(map[string]string, len(p.Workflows))
	for _, w := range p.Workflows {
		names[w.SourceWorkflowID] = w.Name
	}
	var out []string
	for _, a := range p.Execution.Applied {
		if a.Action == domain.ActionCreate && a.Error != "" {
			if name := names[a.SourceWorkflowID]; name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// Rollback restores a COMPLETED promotion's pre_promotion snapshot and the
// canonical baselines it replaced, then records it as FAILED with the
// manual_rollback annotation.
func (s *Service) Rollback(ctx context.Context, tc domain.TenantContext, id, reason string) (p domain.Promotion, err error) {
	if err := tc.Validate(); err != nil {
		return domain.Promotion{}, err
	}
	p, err = s.Get(ctx, tc, id)
	if err != nil {
		return domain.Promotion{}, err
	}
	if p.Status != domain.PromotionCompleted {
		return domain.Promotion{}, &domain.TransitionError{Entity: "promotion", From: string(p.Status), To: string(domain.PromotionFailed)}
	}
	if p.PreSnapshotID == "" {
		return domain.Promotion{}, &domain.NoSnapshotError{EnvironmentID: p.TargetEnvironmentID, Type: domain.SnapshotPrePromotion}
	}
	if _, err := s.snapshots.Get(ctx, tc, p.PreSnapshotID); err != nil {
		return domain.Promotion{}, err
	}
	ctx, span := tracing.Start(ctx, "promotion.rollback", tracing.Tenant(tc.TenantID, p.TargetEnvironmentID)...)
	defer func() { tracing.End(span, err) }()

	lease, err := s.locker.TryAcquire(ctx, tc.TenantID, p.TargetEnvironmentID, "rollback:"+p.ID)
	if err != nil {
		return domain.Promotion{}, err
	}
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			s.logger.Warn("release environment lock failed", "environment_id", p.TargetEnvironmentID, "error", rerr)
		}
	}()

	res, err := s.snapshots.RestoreHeld(ctx, tc, lease, snapshots.RestoreRequest{
		SnapshotID:          p.PreSnapshotID,
		TargetEnvironmentID: p.TargetEnvironmentID,
		OverwriteExisting:   true,
		SkipValidation:      true,
		RemoveWorkflowIDs:   createdIDs(p),
	})
	if err != nil {
		return domain.Promotion{}, fmt.Errorf("restore pre-promotion snapshot: %w", err)
	}
	now := s.now().UTC()
	record := res.Record(now)
	if berr := s.restoreBaselines(ctx, tc, p, now); berr != nil {
		record.Errors = append(record.Errors, berr.Error())
		if record.Outcome == domain.RestoreSuccess {
			record.Outcome = domain.RestorePartial
		}
	}
	if p.Execution == nil {
		p.Execution = &domain.PromotionExecution{StartedAt: p.CreatedAt}
	}
	p.Execution.Rollback = &record
	p.Annotations = append(p.Annotations, domain.AnnotationManualRollback)
	if reason = strings.TrimSpace(reason); reason != "" {
		p.Decision = &domain.PromotionDecision{By: tc.ActorID, At: now, Comment: reason}
	}
	p, err = s.transition(ctx, p, domain.PromotionFailed, now)
	if err != nil {
		return domain.Promotion{}, err
	}
	s.metrics.Rollback(string(record.Outcome))
	s.emit(ctx, tc, p, "promotion.rolled_back", map[string]any{
		"snapshot_id": record.SnapshotID,
		"outcome":     string(record.Outcome),
		"reason":      reason,
	})
	switch record.Outcome {
	case domain.RestoreFailed:
		return p, fmt.Errorf("%w: %d workflow(s) not restored", domain.ErrRollbackFailed, record.Failed)
	case domain.RestorePartial:
		return p, fmt.Errorf("%w: %d workflow(s) not restored", domain.ErrRollbackPartial, record.Failed)
	}
	return p, nil
}

// restoreBaselines puts back the canonical baselines a promotion replaced.
// Canonical workflows the promotion created are retired and their maps
// marked DELETED.
func (s *Service) restoreBaselines(ctx context.Context, tc domain.TenantContext, p domain.Promotion, now time.Time) error {
	var (
		errs []error
		err  error
	)
	for _, w := range p.Workflows {
		if !w.Mutating() || w.CanonicalID == "" {
			continue
		}
		if w.PreviousCommit == "" {
			if err := s.canonical.RetireCanonical(ctx, tc.TenantID, w.CanonicalID, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
				errs = append(errs, fmt.Errorf("retire %s: %w", w.CanonicalID, err))
			}
			if err := s.unlink(ctx, tc, p.SourceEnvironmentID, w.SourceWorkflowID, now); err != nil {
				errs = append(errs, err)
			}
			if w.Action == domain.ActionCreate {
				err = s.markDeleted(ctx, tc, p.TargetEnvironmentID, w.TargetWorkflowID, now)
			} else {
				err = s.unlink(ctx, tc, p.TargetEnvironmentID, w.TargetWorkflowID, now)
			}
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := s.canonical.UpdateCanonicalBaseline(ctx, tc.TenantID, w.CanonicalID, w.BaselineHash, w.PreviousCommit, w.PreviousPath, now); err != nil {
			errs = append(errs, fmt.Errorf("baseline %s: %w", w.CanonicalID, err))
			continue
		}
		if w.Action == domain.ActionCreate {
			err = s.markDeleted(ctx, tc, p.TargetEnvironmentID, w.TargetWorkflowID, now)
		} else {
			err = s.linkMap(ctx, tc, p.TargetEnvironmentID, w.TargetWorkflowID, w.Name, w.CanonicalID, targetBaseline(w), w.TargetHash, now)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// targetBaseline is the baseline the target map held before the promotion,
// falling back to the canonical baseline for maps recorded without one.
func targetBaseline(w domain.PromotionWorkflow) baselineRef {
	if w.TargetBaselineCommit != "" {
		return baselineRef{hash: w.TargetBaselineHash, commit: w.TargetBaselineCommit, path: w.TargetBaselinePath}
	}
	return baselineRef{hash: w.BaselineHash, commit: w.PreviousCommit, path: w.PreviousPath}
}

func (s *Service) markDeleted(ctx context.Context, tc domain.TenantContext, envID, workflowID string, now time.Time) error {
	m, err := s.mappings.GetMappingByWorkflow(ctx, tc.TenantID, envID, workflowID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get mapping %s/%s: %w", envID, workflowID, err)
	}
	m.Status = domain.MapDeleted
	m.EnvContentHash = ""
	m.UpdatedAt = now
	if err := s.mappings.UpsertMapping(ctx, m); err != nil {
		return fmt.Errorf("upsert mapping %s/%s: %w", envID, workflowID, err)
	}
	return nil
}

// unlink returns a map that was linked by a rolled back promotion to UNMAPPED.
func (s *Service) unlink(ctx context.Context, tc domain.TenantContext, envID, workflowID string, now time.Time) error {
	m, err := s.mappings.GetMappingByWorkflow(ctx, tc.TenantID, envID, workflowID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get mapping %s/%s: %w", envID, workflowID, err)
	}
	m.Status = domain.MapUnmapped
	m.CanonicalID = ""
	m.SetBaseline("", "", "")
	m.UpdatedAt = now
	if err := s.mappings.UpsertMapping(ctx, m); err != nil {
		return fmt.Errorf("upsert mapping %s/%s: %w", envID, workflowID, err)
	}
	return nil
}
