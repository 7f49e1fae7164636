package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/animus-labs/flowgate/internal/repo"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the schema. Every statement is idempotent, so it is safe
// to run on each start.
func Migrate(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// NewStores wires every repository onto db.
func NewStores(db DB) repo.Stores {
	return repo.Stores{
		Environments:  NewEnvironmentStore(db),
		Stages:        NewStageStore(db),
		DriftPolicies: NewDriftPolicyStore(db),
		Canonical:     NewCanonicalStore(db),
		Mappings:      NewMappingStore(db),
		Snapshots:     NewSnapshotStore(db),
		Promotions:    NewPromotionStore(db),
		Incidents:     NewIncidentStore(db),
		DriftStatus:   NewDriftStatusStore(db),
		Onboarding:    NewOnboardingStore(db),
	}
}
