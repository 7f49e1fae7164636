package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

type EnvironmentStore struct {
	db DB
}

const (
	upsertEnvironmentQuery = `INSERT INTO environments (
		tenant_id,
		environment_id,
		name,
		class,
		source_url,
		source_api_key_env,
		created_at,
		deleted_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (tenant_id, environment_id) DO UPDATE SET
		name = EXCLUDED.name,
		class = EXCLUDED.class,
		source_url = EXCLUDED.source_url,
		source_api_key_env = EXCLUDED.source_api_key_env,
		deleted_at = EXCLUDED.deleted_at`

	selectEnvironmentQuery = `SELECT tenant_id, environment_id, name, class, source_url, source_api_key_env, created_at, deleted_at
	 FROM environments
	 WHERE tenant_id = $1 AND environment_id = $2`

	listEnvironmentsQuery = `SELECT tenant_id, environment_id, name, class, source_url, source_api_key_env, created_at, deleted_at
	 FROM environments
	 WHERE tenant_id = $1
	   AND ($2 = '' OR class = $2)
	   AND ($3 OR deleted_at IS NULL)
	 ORDER BY environment_id ASC`

	listTenantsQuery = `SELECT DISTINCT tenant_id FROM environments ORDER BY tenant_id ASC`
)

func NewEnvironmentStore(db DB) *EnvironmentStore {
	if db == nil {
		return nil
	}
	return &EnvironmentStore{db: db}
}

func (s *EnvironmentStore) UpsertEnvironment(ctx context.Context, env domain.Environment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("environment store not initialized")
	}
	tenantID := strings.TrimSpace(env.TenantID)
	envID := strings.TrimSpace(env.ID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if envID == "" {
		return fmt.Errorf("environment id is required")
	}
	class := domain.NormalizeEnvironmentClass(string(env.Class))
	if class == "" {
		return fmt.Errorf("environment class is invalid")
	}
	_, err := s.db.ExecContext(
		ctx,
		upsertEnvironmentQuery,
		tenantID,
		envID,
		strings.TrimSpace(env.Name),
		string(class),
		strings.TrimSpace(env.SourceURL),
		strings.TrimSpace(env.SourceAPIKeyEnv),
		normalizeTime(env.CreatedAt),
		nullTimePtr(env.DeletedAt),
	)
	return err
}

func (s *EnvironmentStore) GetEnvironment(ctx context.Context, tenantID, id string) (domain.Environment, error) {
	if s == nil || s.db == nil {
		return domain.Environment{}, fmt.Errorf("environment store not initialized")
	}
	env, err := scanEnvironment(s.db.QueryRowContext(ctx, selectEnvironmentQuery, strings.TrimSpace(tenantID), strings.TrimSpace(id)))
	if err != nil {
		return domain.Environment{}, handleNotFound(err)
	}
	return env, nil
}

func (s *EnvironmentStore) ListEnvironments(ctx context.Context, filter repo.EnvironmentFilter) ([]domain.Environment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("environment store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listEnvironmentsQuery, strings.TrimSpace(filter.TenantID), string(filter.Class), filter.IncludeDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Environment{}
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *EnvironmentStore) ListTenants(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("environment store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listTenantsQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, err
		}
		out = append(out, tenantID)
	}
	return out, rows.Err()
}

func scanEnvironment(row scanner) (domain.Environment, error) {
	var (
		env       domain.Environment
		class     string
		deletedAt sql.NullTime
	)
	if err := row.Scan(
		&env.TenantID,
		&env.ID,
		&env.Name,
		&class,
		&env.SourceURL,
		&env.SourceAPIKeyEnv,
		&env.CreatedAt,
		&deletedAt,
	); err != nil {
		return domain.Environment{}, err
	}
	env.Class = domain.EnvironmentClass(class)
	env.CreatedAt = env.CreatedAt.UTC()
	env.DeletedAt = timePtr(deletedAt)
	return env, nil
}
