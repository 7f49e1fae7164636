package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

type CanonicalStore struct {
	db DB
}

const (
	insertCanonicalQuery = `INSERT INTO canonical_workflows (
		tenant_id,
		canonical_id,
		name,
		content_hash,
		commit_ref,
		version_path,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (tenant_id, canonical_id) DO NOTHING`

	canonicalColumns = `tenant_id, canonical_id, name, content_hash, commit_ref, version_path, created_at, updated_at, retired_at`

	selectCanonicalQuery = `SELECT ` + canonicalColumns + `
	 FROM canonical_workflows
	 WHERE tenant_id = $1 AND canonical_id = $2`

	listCanonicalQuery = `SELECT ` + canonicalColumns + `
	 FROM canonical_workflows
	 WHERE tenant_id = $1
	 ORDER BY canonical_id ASC`

	listCanonicalByHashQuery = `SELECT ` + canonicalColumns + `
	 FROM canonical_workflows
	 WHERE tenant_id = $1 AND content_hash = $2
	 ORDER BY canonical_id ASC`

	updateCanonicalBaselineQuery = `UPDATE canonical_workflows
	 SET content_hash = $3, commit_ref = $4, version_path = $5, updated_at = $6
	 WHERE tenant_id = $1 AND canonical_id = $2`

	retireCanonicalQuery = `UPDATE canonical_workflows
	 SET retired_at = COALESCE(retired_at, $3), updated_at = CASE WHEN retired_at IS NULL THEN $3 ELSE updated_at END
	 WHERE tenant_id = $1 AND canonical_id = $2`
)

func NewCanonicalStore(db DB) *CanonicalStore {
	if db == nil {
		return nil
	}
	return &CanonicalStore{db: db}
}

func (s *CanonicalStore) CreateCanonical(ctx context.Context, c domain.CanonicalWorkflow) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("canonical store not initialized")
	}
	tenantID := strings.TrimSpace(c.TenantID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(c.ContentHash) == "" {
		return fmt.Errorf("content hash is required")
	}
	id := strings.TrimSpace(c.ID)
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := normalizeTime(c.CreatedAt)
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	res, err := s.db.ExecContext(
		ctx,
		insertCanonicalQuery,
		tenantID,
		id,
		strings.TrimSpace(c.Name),
		c.ContentHash,
		c.CommitRef,
		c.VersionPath,
		createdAt,
		updatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("canonical workflow %s: %w", id, repo.ErrConflict)
	}
	return nil
}

func (s *CanonicalStore) GetCanonical(ctx context.Context, tenantID, id string) (domain.CanonicalWorkflow, error) {
	if s == nil || s.db == nil {
		return domain.CanonicalWorkflow{}, fmt.Errorf("canonical store not initialized")
	}
	c, err := scanCanonical(s.db.QueryRowContext(ctx, selectCanonicalQuery, strings.TrimSpace(tenantID), strings.TrimSpace(id)))
	if err != nil {
		return domain.CanonicalWorkflow{}, handleNotFound(err)
	}
	return c, nil
}

func (s *CanonicalStore) ListCanonical(ctx context.Context, tenantID string) ([]domain.CanonicalWorkflow, error) {
	return s.list(ctx, listCanonicalQuery, strings.TrimSpace(tenantID))
}

func (s *CanonicalStore) ListCanonicalByHash(ctx context.Context, tenantID, contentHash string) ([]domain.CanonicalWorkflow, error) {
	return s.list(ctx, listCanonicalByHashQuery, strings.TrimSpace(tenantID), contentHash)
}

func (s *CanonicalStore) list(ctx context.Context, query string, args ...any) ([]domain.CanonicalWorkflow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("canonical store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.CanonicalWorkflow{}
	for rows.Next() {
		c, err := scanCanonical(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *CanonicalStore) UpdateCanonicalBaseline(ctx context.Context, tenantID, id, contentHash, commitRef, versionPath string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("canonical store not initialized")
	}
	if strings.TrimSpace(contentHash) == "" {
		return fmt.Errorf("content hash is required")
	}
	res, err := s.db.ExecContext(ctx, updateCanonicalBaselineQuery, strings.TrimSpace(tenantID), strings.TrimSpace(id), contentHash, commitRef, versionPath, normalizeTime(at))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *CanonicalStore) RetireCanonical(ctx context.Context, tenantID, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("canonical store not initialized")
	}
	res, err := s.db.ExecContext(ctx, retireCanonicalQuery, strings.TrimSpace(tenantID), strings.TrimSpace(id), normalizeTime(at))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanCanonical(row scanner) (domain.CanonicalWorkflow, error) {
	var (
		c         domain.CanonicalWorkflow
		retiredAt sql.NullTime
	)
	if err := row.Scan(
		&c.TenantID,
		&c.ID,
		&c.Name,
		&c.ContentHash,
		&c.CommitRef,
		&c.VersionPath,
		&c.CreatedAt,
		&c.UpdatedAt,
		&retiredAt,
	); err != nil {
		return domain.CanonicalWorkflow{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.RetiredAt = timePtr(retiredAt)
	return c, nil
}
