package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
)

type StageStore struct {
	db DB
}

const (
	upsertStageQuery = `INSERT INTO pipeline_stages (
		tenant_id,
		stage_id,
		pipeline_id,
		name,
		source_environment_id,
		target_environment_id,
		require_approval,
		require_drift_clean,
		require_credentials,
		allow_hotfix_overwrite,
		schedule_window
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (tenant_id, stage_id) DO UPDATE SET
		pipeline_id = EXCLUDED.pipeline_id,
		name = EXCLUDED.name,
		source_environment_id = EXCLUDED.source_environment_id,
		target_environment_id = EXCLUDED.target_environment_id,
		require_approval = EXCLUDED.require_approval,
		require_drift_clean = EXCLUDED.require_drift_clean,
		require_credentials = EXCLUDED.require_credentials,
		allow_hotfix_overwrite = EXCLUDED.allow_hotfix_overwrite,
		schedule_window = EXCLUDED.schedule_window`

	stageColumns = `tenant_id, stage_id, pipeline_id, name, source_environment_id, target_environment_id, require_approval, require_drift_clean, require_credentials, allow_hotfix_overwrite, schedule_window`

	selectStageByEnvironmentsQuery = `SELECT ` + stageColumns + `
	 FROM pipeline_stages
	 WHERE tenant_id = $1 AND source_environment_id = $2 AND target_environment_id = $3`

	listStagesQuery = `SELECT ` + stageColumns + `
	 FROM pipeline_stages
	 WHERE tenant_id = $1
	 ORDER BY stage_id ASC`
)

func NewStageStore(db DB) *StageStore {
	if db == nil {
		return nil
	}
	return &StageStore{db: db}
}

func (s *StageStore) UpsertStage(ctx context.Context, stage domain.PipelineStage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("stage store not initialized")
	}
	tenantID := strings.TrimSpace(stage.TenantID)
	stageID := strings.TrimSpace(stage.ID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if stageID == "" {
		return fmt.Errorf("stage id is required")
	}
	var window []byte
	if stage.ScheduleWindow != nil {
		raw, err := json.Marshal(stage.ScheduleWindow)
		if err != nil {
			return fmt.Errorf("encode schedule window: %w", err)
		}
		window = raw
	}
	_, err := s.db.ExecContext(
		ctx,
		upsertStageQuery,
		tenantID,
		stageID,
		strings.TrimSpace(stage.PipelineID),
		strings.TrimSpace(stage.Name),
		strings.TrimSpace(stage.SourceEnvironmentID),
		strings.TrimSpace(stage.TargetEnvironmentID),
		stage.RequireApproval,
		stage.RequireDriftClean,
		stage.RequireCredentials,
		stage.AllowHotfixOverwrite,
		window,
	)
	return handleWriteErr("stage "+stageID, err)
}

func (s *StageStore) GetStageByEnvironments(ctx context.Context, tenantID, sourceEnvID, targetEnvID string) (domain.PipelineStage, error) {
	if s == nil || s.db == nil {
		return domain.PipelineStage{}, fmt.Errorf("stage store not initialized")
	}
	stage, err := scanStage(s.db.QueryRowContext(ctx, selectStageByEnvironmentsQuery, strings.TrimSpace(tenantID), strings.TrimSpace(sourceEnvID), strings.TrimSpace(targetEnvID)))
	if err != nil {
		return domain.PipelineStage{}, handleNotFound(err)
	}
	return stage, nil
}

func (s *StageStore) ListStages(ctx context.Context, tenantID string) ([]domain.PipelineStage, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("stage store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listStagesQuery, strings.TrimSpace(tenantID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.PipelineStage{}
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, stage)
	}
	return out, rows.Err()
}

func scanStage(row scanner) (domain.PipelineStage, error) {
	var (
		stage  domain.PipelineStage
		window []byte
	)
	if err := row.Scan(
		&stage.TenantID,
		&stage.ID,
		&stage.PipelineID,
		&stage.Name,
		&stage.SourceEnvironmentID,
		&stage.TargetEnvironmentID,
		&stage.RequireApproval,
		&stage.RequireDriftClean,
		&stage.RequireCredentials,
		&stage.AllowHotfixOverwrite,
		&window,
	); err != nil {
		return domain.PipelineStage{}, err
	}
	if len(window) > 0 {
		var w domain.ScheduleWindow
		if err := json.Unmarshal(window, &w); err != nil {
			return domain.PipelineStage{}, fmt.Errorf("decode schedule window: %w", err)
		}
		stage.ScheduleWindow = &w
	}
	return stage, nil
}
