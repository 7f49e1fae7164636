// Package repo declares the persistence contracts. Every query is scoped by
// tenant id; rows of another tenant are indistinguishable from missing rows.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by compare-and-set updates whose expected state
	// no longer holds, and by inserts that violate a uniqueness rule.
	ErrConflict = errors.New("conflict")
)

type EnvironmentFilter struct {
	TenantID       string
	Class          domain.EnvironmentClass
	IncludeDeleted bool
}

type MappingFilter struct {
	TenantID      string
	EnvironmentID string
	CanonicalID   string
	Status        domain.MapStatus
}

type SnapshotFilter struct {
	TenantID      string
	EnvironmentID string
	Type          domain.SnapshotType
	Limit         int
}

type PromotionFilter struct {
	TenantID            string
	TargetEnvironmentID string
	Status              domain.PromotionStatus
	Limit               int
}

type IncidentFilter struct {
	TenantID      string
	EnvironmentID string
	CanonicalIDs  []string
	ActiveOnly    bool
	State         domain.IncidentState
	Limit         int
}

type EnvironmentRepository interface {
	UpsertEnvironment(ctx context.Context, env domain.Environment) error
	GetEnvironment(ctx context.Context, tenantID, id string) (domain.Environment, error)
	ListEnvironments(ctx context.Context, filter EnvironmentFilter) ([]domain.Environment, error)
	ListTenants(ctx context.Context) ([]string, error)
}

type StageRepository interface {
	UpsertStage(ctx context.Context, stage domain.PipelineStage) error
	GetStageByEnvironments(ctx context.Context, tenantID, sourceEnvID, targetEnvID string) (domain.PipelineStage, error)
	ListStages(ctx context.Context, tenantID string) ([]domain.PipelineStage, error)
}

type DriftPolicyRepository interface {
	UpsertDriftPolicy(ctx context.Context, policy domain.DriftPolicy) error
	GetDriftPolicy(ctx context.Context, tenantID string) (domain.DriftPolicy, error)
}

// CanonicalRepository manages canonical workflows. They are retired, never deleted.
type CanonicalRepository interface {
	CreateCanonical(ctx context.Context, c domain.CanonicalWorkflow) error
	GetCanonical(ctx context.Context, tenantID, id string) (domain.CanonicalWorkflow, error)
	ListCanonical(ctx context.Context, tenantID string) ([]domain.CanonicalWorkflow, error)
	ListCanonicalByHash(ctx context.Context, tenantID, contentHash string) ([]domain.CanonicalWorkflow, error)
	UpdateCanonicalBaseline(ctx context.Context, tenantID, id, contentHash, commitRef, versionPath string, at time.Time) error
	RetireCanonical(ctx context.Context, tenantID, id string, at time.Time) error
}

// MappingRepository manages workflow/environment maps, unique per
// (tenant, environment, workflow id).
type MappingRepository interface {
	UpsertMapping(ctx context.Context, m domain.WorkflowEnvironmentMap) error
	GetMapping(ctx context.Context, tenantID, id string) (domain.WorkflowEnvironmentMap, error)
	GetMappingByWorkflow(ctx context.Context, tenantID, envID, workflowID string) (domain.WorkflowEnvironmentMap, error)
	ListMappings(ctx context.Context, filter MappingFilter) ([]domain.WorkflowEnvironmentMap, error)
}

// SnapshotRepository stores immutable snapshot rows.
type SnapshotRepository interface {
	CreateSnapshot(ctx context.Context, s domain.Snapshot) error
	GetSnapshot(ctx context.Context, tenantID, id string) (domain.Snapshot, error)
	// LatestSnapshot returns the newest snapshot; an empty typ matches any type.
	LatestSnapshot(ctx context.Context, tenantID, envID string, typ domain.SnapshotType) (domain.Snapshot, error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]domain.Snapshot, error)
}

type PromotionRepository interface {
	CreatePromotion(ctx context.Context, p domain.Promotion) error
	GetPromotion(ctx context.Context, tenantID, id string) (domain.Promotion, error)
	// UpdatePromotion writes p only if the stored status equals expected.
	UpdatePromotion(ctx context.Context, p domain.Promotion, expected domain.PromotionStatus) error
	ListPromotions(ctx context.Context, filter PromotionFilter) ([]domain.Promotion, error)
}

type IncidentRepository interface {
	// CreateIncident fails with ErrConflict when the map already has an
	// active (OPEN or ACKNOWLEDGED) incident.
	CreateIncident(ctx context.Context, i domain.DriftIncident) error
	GetIncident(ctx context.Context, tenantID, id string) (domain.DriftIncident, error)
	GetActiveIncidentForMap(ctx context.Context, tenantID, mapID string) (domain.DriftIncident, error)
	UpdateIncident(ctx context.Context, i domain.DriftIncident, expected domain.IncidentState) error
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]domain.DriftIncident, error)
}

type DriftStatusRepository interface {
	PutDriftStatus(ctx context.Context, s domain.EnvironmentDriftStatus) error
	GetDriftStatus(ctx context.Context, tenantID, envID string) (domain.EnvironmentDriftStatus, error)
}

type OnboardingRepository interface {
	CreateOnboardingJob(ctx context.Context, job domain.OnboardingJob) error
	GetOnboardingJob(ctx context.Context, tenantID, id string) (domain.OnboardingJob, error)
	UpdateOnboardingJob(ctx context.Context, job domain.OnboardingJob) error
}

// Stores bundles every repository a service may depend on.
type Stores struct {
	Environments  EnvironmentRepository
	Stages        StageRepository
	DriftPolicies DriftPolicyRepository
	Canonical     CanonicalRepository
	Mappings      MappingRepository
	Snapshots     SnapshotRepository
	Promotions    PromotionRepository
	Incidents     IncidentRepository
	DriftStatus   DriftStatusRepository
	Onboarding    OnboardingRepository
}
