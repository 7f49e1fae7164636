package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
)

type DriftPolicyStore struct {
	db DB
}

const (
	upsertDriftPolicyQuery = `INSERT INTO drift_policies (
		tenant_id,
		ttl_low_seconds,
		ttl_medium_seconds,
		ttl_high_seconds,
		block_promotions_on_breach,
		auto_resolve_when_clean
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (tenant_id) DO UPDATE SET
		ttl_low_seconds = EXCLUDED.ttl_low_seconds,
		ttl_medium_seconds = EXCLUDED.ttl_medium_seconds,
		ttl_high_seconds = EXCLUDED.ttl_high_seconds,
		block_promotions_on_breach = EXCLUDED.block_promotions_on_breach,
		auto_resolve_when_clean = EXCLUDED.auto_resolve_when_clean`

	selectDriftPolicyQuery = `SELECT tenant_id, ttl_low_seconds, ttl_medium_seconds, ttl_high_seconds, block_promotions_on_breach, auto_resolve_when_clean
	 FROM drift_policies
	 WHERE tenant_id = $1`
)

func NewDriftPolicyStore(db DB) *DriftPolicyStore {
	if db == nil {
		return nil
	}
	return &DriftPolicyStore{db: db}
}

func (s *DriftPolicyStore) UpsertDriftPolicy(ctx context.Context, policy domain.DriftPolicy) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("drift policy store not initialized")
	}
	tenantID := strings.TrimSpace(policy.TenantID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		upsertDriftPolicyQuery,
		tenantID,
		int64(policy.TTLFor(domain.SeverityLow)/time.Second),
		int64(policy.TTLFor(domain.SeverityMedium)/time.Second),
		int64(policy.TTLFor(domain.SeverityHigh)/time.Second),
		policy.BlockPromotionsOnBreach,
		policy.AutoResolveWhenClean,
	)
	return err
}

func (s *DriftPolicyStore) GetDriftPolicy(ctx context.Context, tenantID string) (domain.DriftPolicy, error) {
	if s == nil || s.db == nil {
		return domain.DriftPolicy{}, fmt.Errorf("drift policy store not initialized")
	}
	var (
		policy            domain.DriftPolicy
		low, medium, high int64
	)
	err := s.db.QueryRowContext(ctx, selectDriftPolicyQuery, strings.TrimSpace(tenantID)).Scan(
		&policy.TenantID,
		&low,
		&medium,
		&high,
		&policy.BlockPromotionsOnBreach,
		&policy.AutoResolveWhenClean,
	)
	if err != nil {
		return domain.DriftPolicy{}, handleNotFound(err)
	}
	policy.TTL = map[domain.Severity]time.Duration{
		domain.SeverityLow:    time.Duration(low) * time.Second,
		domain.SeverityMedium: time.Duration(medium) * time.Second,
		domain.SeverityHigh:   time.Duration(high) * time.Second,
	}
	return policy, nil
}
