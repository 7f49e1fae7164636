package domain

import (
	"errors"
	"strings"
	"time"
)

// TenantContext identifies the caller of every engine operation. It is always
// passed explicitly; no component reads tenant identity from ambient state.
type TenantContext struct {
	TenantID string `json:"tenant_id"`
	ActorID  string `json:"actor_id"`
	Role     string `json:"role,omitempty"`
}

func (tc TenantContext) Validate() error {
	if strings.TrimSpace(tc.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(tc.ActorID) == "" {
		return errors.New("actor id is required")
	}
	return nil
}

// SystemActor is the tenant context used by background tasks.
func SystemActor(tenantID, actor string) TenantContext {
	return TenantContext{TenantID: tenantID, ActorID: actor, Role: "system"}
}

type EnvironmentClass string

const (
	EnvironmentDev        EnvironmentClass = "dev"
	EnvironmentStaging    EnvironmentClass = "staging"
	EnvironmentProduction EnvironmentClass = "production"
)

func NormalizeEnvironmentClass(value string) EnvironmentClass {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "development":
		return EnvironmentDev
	case "staging", "stage":
		return EnvironmentStaging
	case "production", "prod":
		return EnvironmentProduction
	default:
		return ""
	}
}

type Environment struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	Name            string           `json:"name"`
	Class           EnvironmentClass `json:"class"`
	SourceURL       string           `json:"source_url"`
	SourceAPIKeyEnv string           `json:"source_api_key_env,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	DeletedAt       *time.Time       `json:"deleted_at,omitempty"`
}

func (e Environment) Active() bool {
	return e.DeletedAt == nil
}

type CanonicalWorkflow struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	ContentHash string     `json:"content_hash"`
	CommitRef   string     `json:"commit_ref"`
	VersionPath string     `json:"version_path"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
}

func (c CanonicalWorkflow) Retired() bool {
	return c.RetiredAt != nil
}

type MapStatus string

const (
	MapLinked   MapStatus = "LINKED"
	MapUnmapped MapStatus = "UNMAPPED"
	MapMissing  MapStatus = "MISSING"
	MapIgnored  MapStatus = "IGNORED"
	MapDeleted  MapStatus = "DELETED"
)

func NormalizeMapStatus(value string) MapStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(MapLinked):
		return MapLinked
	case string(MapUnmapped):
		return MapUnmapped
	case string(MapMissing):
		return MapMissing
	case string(MapIgnored):
		return MapIgnored
	case string(MapDeleted):
		return MapDeleted
	default:
		return ""
	}
}

type WorkflowEnvironmentMap struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	EnvironmentID  string    `json:"environment_id"`
	WorkflowID     string    `json:"workflow_id"`
	WorkflowName   string    `json:"workflow_name"`
	CanonicalID    string    `json:"canonical_id,omitempty"`
	Status         MapStatus `json:"status"`
	GitContentHash string    `json:"git_content_hash,omitempty"`
	EnvContentHash string    `json:"env_content_hash,omitempty"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// BaselineCommitRef and BaselinePath locate the committed definition
	// whose hash is GitContentHash. Environments sharing a canonical
	// workflow keep their own baseline.
	BaselineCommitRef string `json:"baseline_commit_ref,omitempty"`
	BaselinePath      string `json:"baseline_path,omitempty"`
}

// SetBaseline records the committed definition the map is measured against.
func (m *WorkflowEnvironmentMap) SetBaseline(hash, commitRef, path string) {
	m.GitContentHash = hash
	m.BaselineCommitRef = commitRef
	m.BaselinePath = path
}

// Validate enforces that a LINKED map always references a canonical workflow.
func (m WorkflowEnvironmentMap) Validate() error {
	if strings.TrimSpace(m.EnvironmentID) == "" {
		return errors.New("environment id is required")
	}
	if strings.TrimSpace(m.WorkflowID) == "" {
		return errors.New("workflow id is required")
	}
	if NormalizeMapStatus(string(m.Status)) == "" {
		return errors.New("map status is invalid")
	}
	if m.Status == MapLinked && strings.TrimSpace(m.CanonicalID) == "" {
		return errors.New("linked map requires a canonical id")
	}
	return nil
}

type SnapshotType string

const (
	SnapshotManualBackup  SnapshotType = "manual_backup"
	SnapshotPrePromotion  SnapshotType = "pre_promotion"
	SnapshotPostPromotion SnapshotType = "post_promotion"
	SnapshotPreRestore    SnapshotType = "pre_restore"
)

func NormalizeSnapshotType(value string) SnapshotType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(SnapshotManualBackup), "manual":
		return SnapshotManualBackup
	case string(SnapshotPrePromotion):
		return SnapshotPrePromotion
	case string(SnapshotPostPromotion):
		return SnapshotPostPromotion
	case string(SnapshotPreRestore):
		return SnapshotPreRestore
	default:
		return ""
	}
}

type Snapshot struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	EnvironmentID string       `json:"environment_id"`
	Type          SnapshotType `json:"type"`
	CommitRef     string       `json:"commit_ref"`
	Path          string       `json:"path"`
	Actor         string       `json:"actor"`
	Reason        string       `json:"reason,omitempty"`
	WorkflowCount int          `json:"workflow_count"`
	ContentSHA256 string       `json:"content_sha256"`
	CreatedAt     time.Time    `json:"created_at"`
}

// ScheduleWindow restricts when a stage may promote. Hours are [StartHour, EndHour)
// in the window's timezone; an empty Days list means every day.
type ScheduleWindow struct {
	Days      []time.Weekday `json:"days,omitempty"`
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"`
	Timezone  string         `json:"timezone,omitempty"`
}

func (w ScheduleWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return errors.New("schedule window start_hour must be within 0..23")
	}
	if w.EndHour < 1 || w.EndHour > 24 {
		return errors.New("schedule window end_hour must be within 1..24")
	}
	if w.EndHour <= w.StartHour {
		return errors.New("schedule window end_hour must be after start_hour")
	}
	if strings.TrimSpace(w.Timezone) != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return errors.New("schedule window timezone is invalid")
		}
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w ScheduleWindow) Contains(t time.Time) bool {
	loc := time.UTC
	if tz := strings.TrimSpace(w.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	if len(w.Days) > 0 {
		found := false
		for _, d := range w.Days {
			if d == local.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	h := local.Hour()
	return h >= w.StartHour && h < w.EndHour
}

type PipelineStage struct {
	ID                   string          `json:"id"`
	TenantID             string          `json:"tenant_id"`
	PipelineID           string          `json:"pipeline_id"`
	Name                 string          `json:"name"`
	SourceEnvironmentID  string          `json:"source_environment_id"`
	TargetEnvironmentID  string          `json:"target_environment_id"`
	RequireApproval      bool            `json:"require_approval"`
	RequireDriftClean    bool            `json:"require_drift_clean"`
	RequireCredentials   bool            `json:"require_credentials"`
	AllowHotfixOverwrite bool            `json:"allow_hotfix_overwrite"`
	ScheduleWindow       *ScheduleWindow `json:"schedule_window,omitempty"`
}

type DriftPolicy struct {
	TenantID                string                     `json:"tenant_id"`
	TTL                     map[Severity]time.Duration `json:"ttl"`
	BlockPromotionsOnBreach bool                       `json:"block_promotions_on_breach"`
	AutoResolveWhenClean    bool                       `json:"auto_resolve_when_clean"`
}

// DefaultDriftPolicy is applied to tenants without an explicit policy.
func DefaultDriftPolicy(tenantID string) DriftPolicy {
	return DriftPolicy{
		TenantID: tenantID,
		TTL: map[Severity]time.Duration{
			SeverityHigh:   24 * time.Hour,
			SeverityMedium: 72 * time.Hour,
			SeverityLow:    168 * time.Hour,
		},
		BlockPromotionsOnBreach: true,
		AutoResolveWhenClean:    true,
	}
}

// TTLFor returns the TTL for a severity, falling back to the defaults.
func (p DriftPolicy) TTLFor(severity Severity) time.Duration {
	if ttl, ok := p.TTL[severity]; ok && ttl > 0 {
		return ttl
	}
	return DefaultDriftPolicy(p.TenantID).TTL[severity]
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func NormalizeSeverity(value string) Severity {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(SeverityLow):
		return SeverityLow
	case string(SeverityMedium):
		return SeverityMedium
	case string(SeverityHigh):
		return SeverityHigh
	default:
		return ""
	}
}

type DriftResolution string

const (
	ResolutionReconciled   DriftResolution = "reconciled"
	ResolutionStabilized   DriftResolution = "stabilized"
	ResolutionAutoResolved DriftResolution = "auto_resolved"
	ResolutionManual       DriftResolution = "manual"
)

type DriftIncident struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	EnvironmentID    string          `json:"environment_id"`
	MapID            string          `json:"map_id"`
	CanonicalID      string          `json:"canonical_id"`
	WorkflowID       string          `json:"workflow_id"`
	State            IncidentState   `json:"state"`
	Resolution       DriftResolution `json:"resolution,omitempty"`
	Severity         Severity        `json:"severity"`
	Risk             RiskTier        `json:"risk"`
	ChangeSet        ChangeSet       `json:"change_set"`
	GitContentHash   string          `json:"git_content_hash"`
	EnvContentHash   string          `json:"env_content_hash"`
	DetectedAt       time.Time       `json:"detected_at"`
	LastSeenAt       time.Time       `json:"last_seen_at"`
	TTLDeadline      time.Time       `json:"ttl_deadline"`
	Breached         bool            `json:"breached"`
	AcknowledgedBy   string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	SafetySnapshotID string          `json:"safety_snapshot_id,omitempty"`
	CommitRef        string          `json:"commit_ref,omitempty"`
	Note             string          `json:"note,omitempty"`
}

// BreachedAt reports whether the incident's TTL has elapsed at now.
func (i DriftIncident) BreachedAt(now time.Time) bool {
	return !i.TTLDeadline.IsZero() && !now.Before(i.TTLDeadline)
}

// DriftExposure is the drift state of a set of workflows in one environment.
// Blocking holds the active incidents whose TTL has breached under a policy
// that blocks promotions.
type DriftExposure struct {
	Active   []DriftIncident `json:"active"`
	Blocking []DriftIncident `json:"blocking"`
}

type DriftStatus string

const (
	DriftStatusInSync         DriftStatus = "IN_SYNC"
	DriftStatusDetected       DriftStatus = "DRIFT_DETECTED"
	DriftStatusNew            DriftStatus = "NEW"
	DriftStatusGitUnavailable DriftStatus = "GIT_UNAVAILABLE"
	DriftStatusError          DriftStatus = "ERROR"
	DriftStatusSkipped        DriftStatus = "SKIPPED"
)

type EnvironmentDriftStatus struct {
	TenantID      string      `json:"tenant_id"`
	EnvironmentID string      `json:"environment_id"`
	Status        DriftStatus `json:"status"`
	DriftedCount  int         `json:"drifted_count"`
	CheckedCount  int         `json:"checked_count"`
	Error         string      `json:"error,omitempty"`
	CheckedAt     time.Time   `json:"checked_at"`
}

type OnboardingPhase string

const (
	OnboardingQueued     OnboardingPhase = "queued"
	OnboardingFetching   OnboardingPhase = "fetching"
	OnboardingCommitting OnboardingPhase = "committing"
	OnboardingLinking    OnboardingPhase = "linking"
	OnboardingCompleted  OnboardingPhase = "completed"
	OnboardingFailed     OnboardingPhase = "failed"
)

type OnboardingJob struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	EnvironmentID string          `json:"environment_id"`
	RequestedBy   string          `json:"requested_by"`
	WorkflowIDs   []string        `json:"workflow_ids,omitempty"`
	Phase         OnboardingPhase `json:"phase"`
	Total         int             `json:"total"`
	Done          int             `json:"done"`
	Failed        int             `json:"failed"`
	Errors        []string        `json:"errors,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
