package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

type IncidentStore struct {
	db DB
}

const (
	// insertIncidentQuery relies on drift_incidents_active_map_idx to refuse a
	// second OPEN or ACKNOWLEDGED incident for the same map.
	insertIncidentQuery = `INSERT INTO drift_incidents (
		tenant_id,
		incident_id,
		environment_id,
		map_id,
		canonical_id,
		workflow_id,
		state,
		resolution,
		severity,
		risk,
		change_set,
		git_content_hash,
		env_content_hash,
		detected_at,
		last_seen_at,
		ttl_deadline,
		breached,
		acknowledged_by,
		acknowledged_at,
		resolved_by,
		resolved_at,
		safety_snapshot_id,
		commit_ref,
		note
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`

	updateIncidentQuery = `UPDATE drift_incidents SET
		state = $7,
		resolution = $8,
		severity = $9,
		risk = $10,
		change_set = $11,
		git_content_hash = $12,
		env_content_hash = $13,
		detected_at = $14,
		last_seen_at = $15,
		ttl_deadline = $16,
		breached = $17,
		acknowledged_by = $18,
		acknowledged_at = $19,
		resolved_by = $20,
		resolved_at = $21,
		safety_snapshot_id = $22,
		commit_ref = $23,
		note = $24
	 WHERE tenant_id = $1 AND incident_id = $2 AND state = $25
	   AND environment_id = $3 AND map_id = $4 AND canonical_id = $5 AND workflow_id = $6`

	incidentExistsQuery = `SELECT 1 FROM drift_incidents WHERE tenant_id = $1 AND incident_id = $2`

	incidentColumns = `tenant_id, incident_id, environment_id, map_id, canonical_id, workflow_id, state, resolution, severity, risk, change_set, git_content_hash, env_content_hash, detected_at, last_seen_at, ttl_deadline, breached, acknowledged_by, acknowledged_at, resolved_by, resolved_at, safety_snapshot_id, commit_ref, note`

	selectIncidentQuery = `SELECT ` + incidentColumns + `
	 FROM drift_incidents
	 WHERE tenant_id = $1 AND incident_id = $2`

	selectActiveIncidentForMapQuery = `SELECT ` + incidentColumns + `
	 FROM drift_incidents
	 WHERE tenant_id = $1 AND map_id = $2 AND state IN ('OPEN', 'ACKNOWLEDGED')`

	listIncidentsQuery = `SELECT ` + incidentColumns + `
	 FROM drift_incidents
	 WHERE tenant_id = $1
	   AND ($2 = '' OR environment_id = $2)
	   AND (cardinality($3::text[]) = 0 OR canonical_id = ANY($3::text[]))
	   AND (NOT $4 OR state IN ('OPEN', 'ACKNOWLEDGED'))
	   AND ($5 = '' OR state = $5)
	 ORDER BY detected_at DESC, incident_id ASC
	 LIMIT $6`
)

func NewIncidentStore(db DB) *IncidentStore {
	if db == nil {
		return nil
	}
	return &IncidentStore{db: db}
}

func (s *IncidentStore) CreateIncident(ctx context.Context, i domain.DriftIncident) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("incident store not initialized")
	}
	if strings.TrimSpace(i.TenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("incident id is required")
	}
	if strings.TrimSpace(i.MapID) == "" {
		return fmt.Errorf("map id is required")
	}
	args, err := incidentArgs(i)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertIncidentQuery, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("map %s already has an active incident: %w", i.MapID, repo.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *IncidentStore) GetIncident(ctx context.Context, tenantID, id string) (domain.DriftIncident, error) {
	if s == nil || s.db == nil {
		return domain.DriftIncident{}, fmt.Errorf("incident store not initialized")
	}
	i, err := scanIncident(s.db.QueryRowContext(ctx, selectIncidentQuery, strings.TrimSpace(tenantID), strings.TrimSpace(id)))
	if err != nil {
		return domain.DriftIncident{}, handleNotFound(err)
	}
	return i, nil
}

func (s *IncidentStore) GetActiveIncidentForMap(ctx context.Context, tenantID, mapID string) (domain.DriftIncident, error) {
	if s == nil || s.db == nil {
		return domain.DriftIncident{}, fmt.Errorf("incident store not initialized")
	}
	i, err := scanIncident(s.db.QueryRowContext(ctx, selectActiveIncidentForMapQuery, strings.TrimSpace(tenantID), strings.TrimSpace(mapID)))
	if err != nil {
		return domain.DriftIncident{}, handleNotFound(err)
	}
	return i, nil
}

func (s *IncidentStore) UpdateIncident(ctx context.Context, i domain.DriftIncident, expected domain.IncidentState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("incident store not initialized")
	}
	args, err := incidentArgs(i)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, updateIncidentQuery, append(args, string(expected))...)
	if err != nil {
		return err
	}
	if err := casResult(ctx, s.db, res, incidentExistsQuery, i.TenantID, i.ID); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("incident %s is no longer %s: %w", i.ID, expected, err)
		}
		return err
	}
	return nil
}

func (s *IncidentStore) ListIncidents(ctx context.Context, filter repo.IncidentFilter) ([]domain.DriftIncident, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("incident store not initialized")
	}
	canonicalIDs := filter.CanonicalIDs
	if canonicalIDs == nil {
		canonicalIDs = []string{}
	}
	rows, err := s.db.QueryContext(
		ctx,
		listIncidentsQuery,
		strings.TrimSpace(filter.TenantID),
		strings.TrimSpace(filter.EnvironmentID),
		canonicalIDs,
		filter.ActiveOnly,
		string(filter.State),
		nullLimit(filter.Limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.DriftIncident{}
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func incidentArgs(i domain.DriftIncident) ([]any, error) {
	changes, err := json.Marshal(i.ChangeSet)
	if err != nil {
		return nil, fmt.Errorf("encode change set: %w", err)
	}
	return []any{
		i.TenantID,
		i.ID,
		i.EnvironmentID,
		i.MapID,
		i.CanonicalID,
		i.WorkflowID,
		string(i.State),
		string(i.Resolution),
		string(i.Severity),
		string(i.Risk),
		changes,
		i.GitContentHash,
		i.EnvContentHash,
		normalizeTime(i.DetectedAt),
		normalizeTime(i.LastSeenAt),
		i.TTLDeadline.UTC(),
		i.Breached,
		i.AcknowledgedBy,
		nullTimePtr(i.AcknowledgedAt),
		i.ResolvedBy,
		nullTimePtr(i.ResolvedAt),
		i.SafetySnapshotID,
		i.CommitRef,
		i.Note,
	}, nil
}

func scanIncident(row scanner) (domain.DriftIncident, error) {
	var (
		i              domain.DriftIncident
		state          string
		resolution     string
		severity       string
		risk           string
		changes        []byte
		acknowledgedAt sql.NullTime
		resolvedAt     sql.NullTime
	)
	if err := row.Scan(
		&i.TenantID,
		&i.ID,
		&i.EnvironmentID,
		&i.MapID,
		&i.CanonicalID,
		&i.WorkflowID,
		&state,
		&resolution,
		&severity,
		&risk,
		&changes,
		&i.GitContentHash,
		&i.EnvContentHash,
		&i.DetectedAt,
		&i.LastSeenAt,
		&i.TTLDeadline,
		&i.Breached,
		&i.AcknowledgedBy,
		&acknowledgedAt,
		&i.ResolvedBy,
		&resolvedAt,
		&i.SafetySnapshotID,
		&i.CommitRef,
		&i.Note,
	); err != nil {
		return domain.DriftIncident{}, err
	}
	if err := json.Unmarshal(changes, &i.ChangeSet); err != nil {
		return domain.DriftIncident{}, fmt.Errorf("decode change set: %w", err)
	}
	i.State = domain.IncidentState(state)
	i.Resolution = domain.DriftResolution(resolution)
	i.Severity = domain.Severity(severity)
	i.Risk = domain.RiskTier(risk)
	i.DetectedAt = i.DetectedAt.UTC()
	i.LastSeenAt = i.LastSeenAt.UTC()
	i.TTLDeadline = i.TTLDeadline.UTC()
	i.AcknowledgedAt = timePtr(acknowledgedAt)
	i.ResolvedAt = timePtr(resolvedAt)
	return i, nil
}
