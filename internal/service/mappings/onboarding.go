package mappings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

// pendingLink is a canonical workflow committed during onboarding whose map
// has not been written yet.
type pendingLink struct {
	m domain.WorkflowEnvironmentMap
	c domain.CanonicalWorkflow
}

// Onboard creates a canonical workflow from each live workflow and links it.
// Workflows that are already LINKED are returned unchanged.
func (s *Service) Onboard(ctx context.Context, tc domain.TenantContext, envID string, workflowIDs []string) ([]domain.WorkflowEnvironmentMap, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	if len(workflowIDs) == 0 {
		return nil, errors.New("workflow ids are required")
	}
	env, src, err := s.environmentSource(ctx, tc, envID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.WorkflowEnvironmentMap, 0, len(workflowIDs))
	for _, id := range workflowIDs {
		id = strings.TrimSpace(id)
		wf, err := src.GetWorkflow(ctx, id)
		if errors.Is(err, workflowsource.ErrNotFound) {
			return out, fmt.Errorf("workflow %s: %w", id, domain.ErrWorkflowNotFound)
		}
		if err != nil {
			return out, sourceErr("get workflow", err)
		}
		pending, existing, err := s.commitCanonical(ctx, tc, env.ID, wf)
		if err != nil {
			return out, err
		}
		if existing != nil {
			out = append(out, *existing)
			continue
		}
		m, err := s.link(ctx, tc, pending)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// commitCanonical writes wf to the Version Store as a new canonical workflow.
// It returns the existing map instead when wf is already LINKED.
func (s *Service) commitCanonical(ctx context.Context, tc domain.TenantContext, envID string, wf domain.RawWorkflow) (pendingLink, *domain.WorkflowEnvironmentMap, error) {
	m, err := s.mappings.GetMappingByWorkflow(ctx, tc.TenantID, envID, wf.ID)
	switch {
	case err == nil && m.Status == domain.MapLinked:
		return pendingLink{}, &m, nil
	case errors.Is(err, repo.ErrNotFound):
		m = domain.WorkflowEnvironmentMap{ID: uuid.NewString(), TenantID: tc.TenantID, EnvironmentID: envID, WorkflowID: wf.ID}
	case err != nil:
		return pendingLink{}, nil, fmt.Errorf("get mapping: %w", err)
	}
	norm, err := s.normalizer.ParseAndNormalize(wf.Payload)
	if err != nil {
		return pendingLink{}, nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
	}
	now := s.now().UTC()
	id := uuid.NewString()
	c := domain.CanonicalWorkflow{
		ID:          id,
		TenantID:    tc.TenantID,
		Name:        norm.Name,
		ContentHash: norm.Hash,
		VersionPath: versionstore.CanonicalPath(tc.TenantID, id),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ref, err := s.versions.WriteCommit(ctx, c.VersionPath, wf.Payload)
	if err != nil {
		return pendingLink{}, nil, fmt.Errorf("commit canonical %s: %w", wf.ID, err)
	}
	c.CommitRef = ref
	if err := s.canonical.CreateCanonical(ctx, c); err != nil {
		return pendingLink{}, nil, fmt.Errorf("create canonical: %w", err)
	}
	m.WorkflowName = norm.Name
	m.EnvContentHash = norm.Hash
	return pendingLink{m: m, c: c}, nil, nil
}

func (s *Service) link(ctx context.Context, tc domain.TenantContext, p pendingLink) (domain.WorkflowEnvironmentMap, error) {
	now := s.now().UTC()
	m := p.m
	m.Status = domain.MapLinked
	m.CanonicalID = p.c.ID
	m.SetBaseline(p.c.ContentHash, p.c.CommitRef, p.c.VersionPath)
	m.LastSyncedAt = now
	m.UpdatedAt = now
	if err := s.mappings.UpsertMapping(ctx, m); err != nil {
		return domain.WorkflowEnvironmentMap{}, fmt.Errorf("upsert mapping %s: %w", m.WorkflowID, err)
	}
	s.emit(ctx, tc, "canonical.onboarded", "canonical_workflow", p.c.ID, map[string]any{
		"environment_id": m.EnvironmentID,
		"workflow_id":    m.WorkflowID,
		"commit_ref":     p.c.CommitRef,
	})
	return m, nil
}

// StartOnboarding records an onboarding job and runs it in the background.
// With no workflow ids every live workflow that is not LINKED or IGNORED is
// onboarded.
func (s *Service) StartOnboarding(ctx context.Context, tc domain.TenantContext, envID string, workflowIDs []string) (domain.OnboardingJob, error) {
	if err := tc.Validate(); err != nil {
		return domain.OnboardingJob{}, err
	}
	env, src, err := s.environmentSource(ctx, tc, envID)
	if err != nil {
		return domain.OnboardingJob{}, err
	}
	now := s.now().UTC()
	job := domain.OnboardingJob{
		ID:            uuid.NewString(),
		TenantID:      tc.TenantID,
		EnvironmentID: env.ID,
		RequestedBy:   tc.ActorID,
		WorkflowIDs:   workflowIDs,
		Phase:         domain.OnboardingQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.jobs.CreateOnboardingJob(ctx, job); err != nil {
		return domain.OnboardingJob{}, fmt.Errorf("insert onboarding job: %w", err)
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.runJob(context.WithoutCancel(ctx), tc, src, job)
	}()
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, tc domain.TenantContext, id string) (domain.OnboardingJob, error) {
	if err := tc.Validate(); err != nil {
		return domain.OnboardingJob{}, err
	}
	job, err := s.jobs.GetOnboardingJob(ctx, tc.TenantID, strings.TrimSpace(id))
	if err != nil {
		return domain.OnboardingJob{}, fmt.Errorf("onboarding job %s: %w", id, err)
	}
	return job, nil
}

func (s *Service) runJob(ctx context.Context, tc domain.TenantContext, src workflowsource.Source, job domain.OnboardingJob) {
	logger := s.logger.With("tenant_id", tc.TenantID, "environment_id", job.EnvironmentID, "job_id", job.ID)
	fail := func(err error) {
		job.Errors = append(job.Errors, err.Error())
		s.advance(ctx, &job, domain.OnboardingFailed)
		logger.Error("onboarding failed", "error", err)
	}
	if !s.advance(ctx, &job, domain.OnboardingFetching) {
		return
	}
	workflows, err := s.candidates(ctx, tc, src, job)
	if err != nil {
		fail(err)
		return
	}
	job.Total = len(workflows)
	if !s.advance(ctx, &job, domain.OnboardingCommitting) {
		return
	}

	var pending []pendingLink
	for _, wf := range workflows {
		p, existing, err := s.commitCanonical(ctx, tc, job.EnvironmentID, wf)
		switch {
		case err != nil:
			job.Failed++
			job.Errors = append(job.Errors, fmt.Sprintf("%s: %v", wf.ID, err))
		case existing != nil:
			job.Done++
		default:
			pending = append(pending, p)
		}
	}
	if !s.advance(ctx, &job, domain.OnboardingLinking) {
		return
	}
	for _, p := range pending {
		if _, err := s.link(ctx, tc, p); err != nil {
			job.Failed++
			job.Errors = append(job.Errors, fmt.Sprintf("%s: %v", p.m.WorkflowID, err))
			continue
		}
		job.Done++
	}

	final := domain.OnboardingCompleted
	if job.Total > 0 && job.Failed == job.Total {
		final = domain.OnboardingFailed
	}
	s.advance(ctx, &job, final)
	logger.Info("onboarding finished", "phase", final, "done", job.Done, "failed", job.Failed)
}

func (s *Service) candidates(ctx context.Context, tc domain.TenantContext, src workflowsource.Source, job domain.OnboardingJob) ([]domain.RawWorkflow, error) {
	if len(job.WorkflowIDs) > 0 {
		out := make([]domain.RawWorkflow, 0, len(job.WorkflowIDs))
		for _, id := range job.WorkflowIDs {
			wf, err := src.GetWorkflow(ctx, strings.TrimSpace(id))
			if err != nil {
				return nil, fmt.Errorf("get workflow %s: %w", id, err)
			}
			out = append(out, wf)
		}
		return out, nil
	}
	live, err := src.ListWorkflows(ctx)
	if err != nil {
		return nil, sourceErr("list workflows", err)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	out := live[:0]
	for _, wf := range live {
		m, err := s.mappings.GetMappingByWorkflow(ctx, tc.TenantID, job.EnvironmentID, wf.ID)
		if err == nil && (m.Status == domain.MapLinked || m.Status == domain.MapIgnored) {
			continue
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("get mapping: %w", err)
		}
		if _, err := normalize.Parse(wf.Payload); err != nil {
			s.logger.Warn("onboarding skipped malformed workflow", "workflow_id", wf.ID, "error", err)
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

// advance persists the next phase. It reports false when the transition was
// refused, in which case the job is left as stored.
func (s *Service) advance(ctx context.Context, job *domain.OnboardingJob, next domain.OnboardingPhase) bool {
	if !domain.CanAdvanceOnboardingPhase(job.Phase, next) {
		return false
	}
	prev := job.Phase
	job.Phase = next
	job.UpdatedAt = s.now().UTC()
	if err := s.jobs.UpdateOnboardingJob(ctx, *job); err != nil {
		job.Phase = prev
		s.logger.Error("update onboarding job failed", "job_id", job.ID, "phase", next, "error", err)
		return false
	}
	return true
}
