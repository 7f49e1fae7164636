package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

type MappingStore struct {
	db DB
}

const (
	// upsertMappingQuery keeps one row per (tenant, environment, workflow).
	// An explicit map id that disagrees with the stored one is a conflict and
	// returns no row.
	upsertMappingQuery = `INSERT INTO workflow_env_maps (
		tenant_id,
		map_id,
		environment_id,
		workflow_id,
		workflow_name,
		canonical_id,
		status,
		git_content_hash,
		env_content_hash,
		baseline_commit_ref,
		baseline_path,
		last_synced_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (tenant_id, environment_id, workflow_id) DO UPDATE SET
		workflow_name = EXCLUDED.workflow_name,
		canonical_id = EXCLUDED.canonical_id,
		status = EXCLUDED.status,
		git_content_hash = EXCLUDED.git_content_hash,
		env_content_hash = EXCLUDED.env_content_hash,
		baseline_commit_ref = EXCLUDED.baseline_commit_ref,
		baseline_path = EXCLUDED.baseline_path,
		last_synced_at = EXCLUDED.last_synced_at,
		updated_at = EXCLUDED.updated_at
	WHERE NOT $14::boolean OR workflow_env_maps.map_id = EXCLUDED.map_id
	RETURNING map_id`

	mappingColumns = `tenant_id, map_id, environment_id, workflow_id, workflow_name, canonical_id, status, git_content_hash, env_content_hash, baseline_commit_ref, baseline_path, last_synced_at, updated_at`

	selectMappingQuery = `SELECT ` + mappingColumns + `
	 FROM workflow_env_maps
	 WHERE tenant_id = $1 AND map_id = $2`

	selectMappingByWorkflowQuery = `SELECT ` + mappingColumns + `
	 FROM workflow_env_maps
	 WHERE tenant_id = $1 AND environment_id = $2 AND workflow_id = $3`

	listMappingsQuery = `SELECT ` + mappingColumns + `
	 FROM workflow_env_maps
	 WHERE tenant_id = $1
	   AND ($2 = '' OR environment_id = $2)
	   AND ($3 = '' OR canonical_id = $3)
	   AND ($4 = '' OR status = $4)
	 ORDER BY environment_id ASC, workflow_id ASC`
)

func NewMappingStore(db DB) *MappingStore {
	if db == nil {
		return nil
	}
	return &MappingStore{db: db}
}

func (s *MappingStore) UpsertMapping(ctx context.Context, m domain.WorkflowEnvironmentMap) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("mapping store not initialized")
	}
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	id := strings.TrimSpace(m.ID)
	explicitID := id != ""
	if !explicitID {
		id = uuid.NewString()
	}
	syncedAt := normalizeTime(m.LastSyncedAt)
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = syncedAt
	}

	var stored string
	err := s.db.QueryRowContext(
		ctx,
		upsertMappingQuery,
		strings.TrimSpace(m.TenantID),
		id,
		strings.TrimSpace(m.EnvironmentID),
		strings.TrimSpace(m.WorkflowID),
		m.WorkflowName,
		nullIfEmpty(m.CanonicalID),
		string(m.Status),
		m.GitContentHash,
		m.EnvContentHash,
		m.BaselineCommitRef,
		m.BaselinePath,
		syncedAt,
		updatedAt.UTC(),
		explicitID,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("workflow %s already mapped: %w", m.WorkflowID, repo.ErrConflict)
	}
	return handleWriteErr("mapping "+id, err)
}

func (s *MappingStore) GetMapping(ctx context.Context, tenantID, id string) (domain.WorkflowEnvironmentMap, error) {
	if s == nil || s.db == nil {
		return domain.WorkflowEnvironmentMap{}, fmt.Errorf("mapping store not initialized")
	}
	m, err := scanMapping(s.db.QueryRowContext(ctx, selectMappingQuery, strings.TrimSpace(tenantID), strings.TrimSpace(id)))
	if err != nil {
		return domain.WorkflowEnvironmentMap{}, handleNotFound(err)
	}
	return m, nil
}

func (s *MappingStore) GetMappingByWorkflow(ctx context.Context, tenantID, envID, workflowID string) (domain.WorkflowEnvironmentMap, error) {
	if s == nil || s.db == nil {
		return domain.WorkflowEnvironmentMap{}, fmt.Errorf("mapping store not initialized")
	}
	m, err := scanMapping(s.db.QueryRowContext(ctx, selectMappingByWorkflowQuery, strings.TrimSpace(tenantID), strings.TrimSpace(envID), strings.TrimSpace(workflowID)))
	if err != nil {
		return domain.WorkflowEnvironmentMap{}, handleNotFound(err)
	}
	return m, nil
}

func (s *MappingStore) ListMappings(ctx context.Context, filter repo.MappingFilter) ([]domain.WorkflowEnvironmentMap, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("mapping store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		listMappingsQuery,
		strings.TrimSpace(filter.TenantID),
		strings.TrimSpace(filter.EnvironmentID),
		strings.TrimSpace(filter.CanonicalID),
		string(filter.Status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.WorkflowEnvironmentMap{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMapping(row scanner) (domain.WorkflowEnvironmentMap, error) {
	var (
		m           domain.WorkflowEnvironmentMap
		canonicalID sql.NullString
		status      string
	)
	if err := row.Scan(
		&m.TenantID,
		&m.ID,
		&m.EnvironmentID,
		&m.WorkflowID,
		&m.WorkflowName,
		&canonicalID,
		&status,
		&m.GitContentHash,
		&m.EnvContentHash,
		&m.BaselineCommitRef,
		&m.BaselinePath,
		&m.LastSyncedAt,
		&m.UpdatedAt,
	); err != nil {
		return domain.WorkflowEnvironmentMap{}, err
	}
	m.CanonicalID = canonicalID.String
	m.Status = domain.MapStatus(status)
	m.LastSyncedAt = m.LastSyncedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}
