package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

type OnboardingStore struct {
	db DB
}

const (
	insertOnboardingJobQuery = `INSERT INTO onboarding_jobs (
		tenant_id,
		job_id,
		environment_id,
		requested_by,
		workflow_ids,
		phase,
		total,
		done,
		failed,
		errors,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (tenant_id, job_id) DO NOTHING`

	selectOnboardingJobQuery = `SELECT tenant_id, job_id, environment_id, requested_by, workflow_ids, phase, total, done, failed, errors, created_at, updated_at
	 FROM onboarding_jobs
	 WHERE tenant_id = $1 AND job_id = $2`

	updateOnboardingJobQuery = `UPDATE onboarding_jobs
	 SET phase = $3, total = $4, done = $5, failed = $6, errors = $7, updated_at = $8
	 WHERE tenant_id = $1 AND job_id = $2 AND phase = $9`
)

func NewOnboardingStore(db DB) *OnboardingStore {
	if db == nil {
		return nil
	}
	return &OnboardingStore{db: db}
}

func (s *OnboardingStore) CreateOnboardingJob(ctx context.Context, job domain.OnboardingJob) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("onboarding store not initialized")
	}
	if strings.TrimSpace(job.TenantID) == "" || strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("tenant id and job id are required")
	}
	ids, err := json.Marshal(nonNil(job.WorkflowIDs))
	if err != nil {
		return err
	}
	errs, err := json.Marshal(nonNil(job.Errors))
	if err != nil {
		return err
	}
	createdAt := normalizeTime(job.CreatedAt)
	res, err := s.db.ExecContext(
		ctx,
		insertOnboardingJobQuery,
		job.TenantID,
		job.ID,
		job.EnvironmentID,
		job.RequestedBy,
		ids,
		string(job.Phase),
		job.Total,
		job.Done,
		job.Failed,
		errs,
		createdAt,
		createdAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("onboarding job %s: %w", job.ID, repo.ErrConflict)
	}
	return nil
}

func (s *OnboardingStore) GetOnboardingJob(ctx context.Context, tenantID, id string) (domain.OnboardingJob, error) {
	if s == nil || s.db == nil {
		return domain.OnboardingJob{}, fmt.Errorf("onboarding store not initialized")
	}
	var (
		job       domain.OnboardingJob
		phase     string
		ids, errs []byte
	)
	err := s.db.QueryRowContext(ctx, selectOnboardingJobQuery, strings.TrimSpace(tenantID), strings.TrimSpace(id)).Scan(
		&job.TenantID,
		&job.ID,
		&job.EnvironmentID,
		&job.RequestedBy,
		&ids,
		&phase,
		&job.Total,
		&job.Done,
		&job.Failed,
		&errs,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.OnboardingJob{}, handleNotFound(err)
	}
	if err := json.Unmarshal(ids, &job.WorkflowIDs); err != nil {
		return domain.OnboardingJob{}, fmt.Errorf("decode workflow ids: %w", err)
	}
	if err := json.Unmarshal(errs, &job.Errors); err != nil {
		return domain.OnboardingJob{}, fmt.Errorf("decode errors: %w", err)
	}
	job.Phase = domain.OnboardingPhase(phase)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

// UpdateOnboardingJob only moves a job forward. The phase read and the write
// are tied together by the phase predicate of the update.
func (s *OnboardingStore) UpdateOnboardingJob(ctx context.Context, job domain.OnboardingJob) error {
	current, err := s.GetOnboardingJob(ctx, job.TenantID, job.ID)
	if err != nil {
		return err
	}
	if !domain.CanAdvanceOnboardingPhase(current.Phase, job.Phase) {
		return fmt.Errorf("onboarding job %s cannot move from %s to %s: %w", job.ID, current.Phase, job.Phase, repo.ErrConflict)
	}
	errs, err := json.Marshal(nonNil(job.Errors))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(
		ctx,
		updateOnboardingJobQuery,
		job.TenantID,
		job.ID,
		string(job.Phase),
		job.Total,
		job.Done,
		job.Failed,
		errs,
		normalizeTime(job.UpdatedAt),
		string(current.Phase),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("onboarding job %s changed concurrently: %w", job.ID, repo.ErrConflict)
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
