package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
)

type DriftStatusStore struct {
	db DB
}

const (
	upsertDriftStatusQuery = `INSERT INTO environment_drift_status (
		tenant_id,
		environment_id,
		status,
		drifted_count,
		checked_count,
		error,
		checked_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (tenant_id, environment_id) DO UPDATE SET
		status = EXCLUDED.status,
		drifted_count = EXCLUDED.drifted_count,
		checked_count = EXCLUDED.checked_count,
		error = EXCLUDED.error,
		checked_at = EXCLUDED.checked_at`

	selectDriftStatusQuery = `SELECT tenant_id, environment_id, status, drifted_count, checked_count, error, checked_at
	 FROM environment_drift_status
	 WHERE tenant_id = $1 AND environment_id = $2`
)

func NewDriftStatusStore(db DB) *DriftStatusStore {
	if db == nil {
		return nil
	}
	return &DriftStatusStore{db: db}
}

func (s *DriftStatusStore) PutDriftStatus(ctx context.Context, st domain.EnvironmentDriftStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("drift status store not initialized")
	}
	if strings.TrimSpace(st.TenantID) == "" || strings.TrimSpace(st.EnvironmentID) == "" {
		return fmt.Errorf("tenant id and environment id are required")
	}
	_, err := s.db.ExecContext(
		ctx,
		upsertDriftStatusQuery,
		st.TenantID,
		st.EnvironmentID,
		string(st.Status),
		st.DriftedCount,
		st.CheckedCount,
		st.Error,
		normalizeTime(st.CheckedAt),
	)
	return err
}

func (s *DriftStatusStore) GetDriftStatus(ctx context.Context, tenantID, envID string) (domain.EnvironmentDriftStatus, error) {
	if s == nil || s.db == nil {
		return domain.EnvironmentDriftStatus{}, fmt.Errorf("drift status store not initialized")
	}
	var (
		st     domain.EnvironmentDriftStatus
		status string
	)
	err := s.db.QueryRowContext(ctx, selectDriftStatusQuery, strings.TrimSpace(tenantID), strings.TrimSpace(envID)).Scan(
		&st.TenantID,
		&st.EnvironmentID,
		&status,
		&st.DriftedCount,
		&st.CheckedCount,
		&st.Error,
		&st.CheckedAt,
	)
	if err != nil {
		return domain.EnvironmentDriftStatus{}, handleNotFound(err)
	}
	st.Status = domain.DriftStatus(status)
	st.CheckedAt = st.CheckedAt.UTC()
	return st, nil
}
