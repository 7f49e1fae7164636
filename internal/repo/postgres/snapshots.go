package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

type SnapshotStore struct {
	db DB
}

const (
	insertSnapshotQuery = `INSERT INTO snapshots (
		tenant_id,
		snapshot_id,
		environment_id,
		type,
		commit_ref,
		path,
		actor,
		reason,
		workflow_count,
		content_sha256,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (tenant_id, snapshot_id) DO NOTHING
	RETURNING snapshot_id`

	snapshotColumns = `tenant_id, snapshot_id, environment_id, type, commit_ref, path, actor, reason, workflow_count, content_sha256, created_at`

	selectSnapshotQuery = `SELECT ` + snapshotColumns + `
	 FROM snapshots
	 WHERE tenant_id = $1 AND snapshot_id = $2`

	listSnapshotsQuery = `SELECT ` + snapshotColumns + `
	 FROM snapshots
	 WHERE tenant_id = $1
	   AND ($2 = '' OR environment_id = $2)
	   AND ($3 = '' OR type = $3)
	 ORDER BY created_at DESC, snapshot_id DESC
	 LIMIT $4`
)

func NewSnapshotStore(db DB) *SnapshotStore {
	if db == nil {
		return nil
	}
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) CreateSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("snapshot store not initialized")
	}
	tenantID := strings.TrimSpace(snap.TenantID)
	snapID := strings.TrimSpace(snap.ID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if snapID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	if domain.NormalizeSnapshotType(string(snap.Type)) == "" {
		return fmt.Errorf("snapshot type is invalid")
	}
	if strings.TrimSpace(snap.CommitRef) == "" {
		return fmt.Errorf("commit ref is required")
	}

	var inserted string
	err := s.db.QueryRowContext(
		ctx,
		insertSnapshotQuery,
		tenantID,
		snapID,
		strings.TrimSpace(snap.EnvironmentID),
		string(snap.Type),
		snap.CommitRef,
		snap.Path,
		snap.Actor,
		snap.Reason,
		snap.WorkflowCount,
		snap.ContentSHA256,
		normalizeTime(snap.CreatedAt),
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("snapshot %s: %w", snapID, repo.ErrConflict)
	}
	return err
}

func (s *SnapshotStore) GetSnapshot(ctx context.Context, tenantID, id string) (domain.Snapshot, error) {
	if s == nil || s.db == nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot store not initialized")
	}
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, selectSnapshotQuery, strings.TrimSpace(tenantID), strings.TrimSpace(id)))
	if err != nil {
		return domain.Snapshot{}, handleNotFound(err)
	}
	return snap, nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, tenantID, envID string, typ domain.SnapshotType) (domain.Snapshot, error) {
	list, err := s.ListSnapshots(ctx, repo.SnapshotFilter{TenantID: tenantID, EnvironmentID: envID, Type: typ, Limit: 1})
	if err != nil {
		return domain.Snapshot{}, err
	}
	if len(list) == 0 {
		return domain.Snapshot{}, repo.ErrNotFound
	}
	return list[0], nil
}

func (s *SnapshotStore) ListSnapshots(ctx context.Context, filter repo.SnapshotFilter) ([]domain.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("snapshot store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		listSnapshotsQuery,
		strings.TrimSpace(filter.TenantID),
		strings.TrimSpace(filter.EnvironmentID),
		string(filter.Type),
		nullLimit(filter.Limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row scanner) (domain.Snapshot, error) {
	var (
		snap domain.Snapshot
		typ  string
	)
	if err := row.Scan(
		&snap.TenantID,
		&snap.ID,
		&snap.EnvironmentID,
		&typ,
		&snap.CommitRef,
		&snap.Path,
		&snap.Actor,
		&snap.Reason,
		&snap.WorkflowCount,
		&snap.ContentSHA256,
		&snap.CreatedAt,
	); err != nil {
		return domain.Snapshot{}, err
	}
	snap.Type = domain.SnapshotType(typ)
	snap.CreatedAt = snap.CreatedAt.UTC()
	return snap, nil
}
