package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

// PromotionStore keeps the full promotion as a JSONB document next to the
// columns used for filtering and compare-and-set.
type PromotionStore struct {
	db DB
}

const (
	insertPromotionQuery = `INSERT INTO promotions (
		tenant_id,
		promotion_id,
		stage_id,
		source_environment_id,
		target_environment_id,
		status,
		requested_by,
		document,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (tenant_id, promotion_id) DO NOTHING
	RETURNING promotion_id`

	selectPromotionQuery = `SELECT document
	 FROM promotions
	 WHERE tenant_id = $1 AND promotion_id = $2`

	updatePromotionQuery = `UPDATE promotions
	 SET status = $3, document = $4, updated_at = $5
	 WHERE tenant_id = $1 AND promotion_id = $2 AND status = $6`

	promotionExistsQuery = `SELECT 1 FROM promotions WHERE tenant_id = $1 AND promotion_id = $2`

	listPromotionsQuery = `SELECT document
	 FROM promotions
	 WHERE tenant_id = $1
	   AND ($2 = '' OR target_environment_id = $2)
	   AND ($3 = '' OR status = $3)
	 ORDER BY created_at DESC, promotion_id DESC
	 LIMIT $4`
)

func NewPromotionStore(db DB) *PromotionStore {
	if db == nil {
		return nil
	}
	return &PromotionStore{db: db}
}

func (s *PromotionStore) CreatePromotion(ctx context.Context, p domain.Promotion) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("promotion store not initialized")
	}
	if strings.TrimSpace(p.TenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("promotion id is required")
	}
	p.CreatedAt = normalizeTime(p.CreatedAt)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode promotion: %w", err)
	}

	var inserted string
	err = s.db.QueryRowContext(
		ctx,
		insertPromotionQuery,
		p.TenantID,
		p.ID,
		p.StageID,
		p.SourceEnvironmentID,
		p.TargetEnvironmentID,
		string(p.Status),
		p.RequestedBy,
		doc,
		p.CreatedAt,
		p.UpdatedAt.UTC(),
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("promotion %s: %w", p.ID, repo.ErrConflict)
	}
	return err
}

func (s *PromotionStore) GetPromotion(ctx context.Context, tenantID, id string) (domain.Promotion, error) {
	if s == nil || s.db == nil {
		return domain.Promotion{}, fmt.Errorf("promotion store not initialized")
	}
	p, err := scanPromotion(s.db.QueryRowContext(ctx, selectPromotionQuery, strings.TrimSpace(tenantID), strings.TrimSpace(id)))
	if err != nil {
		return domain.Promotion{}, handleNotFound(err)
	}
	return p, nil
}

func (s *PromotionStore) UpdatePromotion(ctx context.Context, p domain.Promotion, expected domain.PromotionStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("promotion store not initialized")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode promotion: %w", err)
	}
	res, err := s.db.ExecContext(ctx, updatePromotionQuery, p.TenantID, p.ID, string(p.Status), doc, p.UpdatedAt.UTC(), string(expected))
	if err != nil {
		return err
	}
	if err := casResult(ctx, s.db, res, promotionExistsQuery, p.TenantID, p.ID); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("promotion %s is no longer %s: %w", p.ID, expected, err)
		}
		return err
	}
	return nil
}

func (s *PromotionStore) ListPromotions(ctx context.Context, filter repo.PromotionFilter) ([]domain.Promotion, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("promotion store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		listPromotionsQuery,
		strings.TrimSpace(filter.TenantID),
		strings.TrimSpace(filter.TargetEnvironmentID),
		string(filter.Status),
		nullLimit(filter.Limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Promotion{}
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPromotion(row scanner) (domain.Promotion, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return domain.Promotion{}, err
	}
	var p domain.Promotion
	if err := json.Unmarshal(doc, &p); err != nil {
		return domain.Promotion{}, fmt.Errorf("decode promotion: %w", err)
	}
	return p, nil
}
