package domain

import (
	"strings"
	"time"
)

type PromotionStatus string

const (
	PromotionPending         PromotionStatus = "PENDING"
	PromotionPendingApproval PromotionStatus = "PENDING_APPROVAL"
	PromotionApproved        PromotionStatus = "APPROVED"
	PromotionRunning         PromotionStatus = "RUNNING"
	PromotionCompleted       PromotionStatus = "COMPLETED"
	PromotionFailed          PromotionStatus = "FAILED"
	PromotionRejected        PromotionStatus = "REJECTED"
	PromotionCancelled       PromotionStatus = "CANCELLED"
)

func NormalizePromotionStatus(value string) PromotionStatus {
	switch s := PromotionStatus(strings.ToUpper(strings.TrimSpace(value))); s {
	case PromotionPending, PromotionPendingApproval, PromotionApproved, PromotionRunning,
		PromotionCompleted, PromotionFailed, PromotionRejected, PromotionCancelled:
		return s
	default:
		return ""
	}
}

// Terminal reports whether no further transition is possible. COMPLETED is
// terminal for the forward state machine; a manual rollback is recorded as a
// separate transition to FAILED.
func (s PromotionStatus) Terminal() bool {
	switch s {
	case PromotionCompleted, PromotionFailed, PromotionRejected, PromotionCancelled:
		return true
	default:
		return false
	}
}

var promotionTransitions = map[PromotionStatus][]PromotionStatus{
	PromotionPending:         {PromotionPendingApproval, PromotionRunning, PromotionCancelled},
	PromotionPendingApproval: {PromotionApproved, PromotionRejected, PromotionCancelled},
	PromotionApproved:        {PromotionRunning, PromotionCancelled},
	PromotionRunning:         {PromotionCompleted, PromotionFailed},
	PromotionCompleted:       {PromotionFailed},
}

// CanTransitionPromotion enforces the promotion state machine.
func CanTransitionPromotion(current, next PromotionStatus) bool {
	for _, allowed := range promotionTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

type WorkflowAction string

const (
	ActionCreate    WorkflowAction = "create"
	ActionUpdate    WorkflowAction = "update"
	ActionUnchanged WorkflowAction = "unchanged"
	ActionExcluded  WorkflowAction = "excluded"
)

const ConflictTargetHotfix = "TARGET_HOTFIX"

// PromotionWorkflow is the per-workflow plan computed at initiation.
type PromotionWorkflow struct {
	SourceWorkflowID string         `json:"source_workflow_id"`
	TargetWorkflowID string         `json:"target_workflow_id,omitempty"`
	CanonicalID      string         `json:"canonical_id,omitempty"`
	Name             string         `json:"name"`
	Action           WorkflowAction `json:"action"`
	SourceHash       string         `json:"source_hash"`
	TargetHash       string         `json:"target_hash,omitempty"`
	BaselineHash     string         `json:"baseline_hash,omitempty"`
	Conflict         string         `json:"conflict,omitempty"`
	Risk             RiskTier       `json:"risk"`
	RiskReasons      []string       `json:"risk_reasons,omitempty"`
	Changes          ChangeSet      `json:"changes"`
	Credentials      []string       `json:"credentials,omitempty"`
	PreviousCommit   string         `json:"previous_commit,omitempty"`
	PreviousPath     string         `json:"previous_path,omitempty"`

	// The target map's own baseline at initiation, restored on rollback.
	TargetBaselineHash   string `json:"target_baseline_hash,omitempty"`
	TargetBaselineCommit string `json:"target_baseline_commit,omitempty"`
	TargetBaselinePath   string `json:"target_baseline_path,omitempty"`
}

func (w PromotionWorkflow) Mutating() bool {
	return w.Action == ActionCreate || w.Action == ActionUpdate
}

type GateResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type PromotionDecision struct {
	By      string    `json:"by"`
	At      time.Time `json:"at"`
	Comment string    `json:"comment,omitempty"`
}

type RestoreOutcome string

const (
	RestoreSuccess RestoreOutcome = "success"
	RestorePartial RestoreOutcome = "partial"
	RestoreFailed  RestoreOutcome = "failed"
)

type AppliedWorkflow struct {
	SourceWorkflowID string         `json:"source_workflow_id"`
	TargetWorkflowID string         `json:"target_workflow_id"`
	Action           WorkflowAction `json:"action"`
	Hash             string         `json:"hash"`
	Error            string         `json:"error,omitempty"`
}

type RollbackRecord struct {
	SnapshotID string         `json:"snapshot_id"`
	Outcome    RestoreOutcome `json:"outcome"`
	Restored   int            `json:"restored"`
	Removed    int            `json:"removed"`
	Failed     int            `json:"failed"`
	Errors     []string       `json:"errors,omitempty"`
	At         time.Time      `json:"at"`
}

type PromotionExecution struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Applied    []AppliedWorkflow `json:"applied"`
	Error      string            `json:"error,omitempty"`
	Rollback   *RollbackRecord   `json:"rollback,omitempty"`
}

type Promotion struct {
	ID                  string              `json:"id"`
	TenantID            string              `json:"tenant_id"`
	StageID             string              `json:"stage_id"`
	SourceEnvironmentID string              `json:"source_environment_id"`
	TargetEnvironmentID string              `json:"target_environment_id"`
	Status              PromotionStatus     `json:"status"`
	RequestedBy         string              `json:"requested_by"`
	Reason              string              `json:"reason,omitempty"`
	Gates               []GateResult        `json:"gates"`
	Workflows           []PromotionWorkflow `json:"workflows"`
	OverallRisk         RiskTier            `json:"overall_risk"`
	PreSnapshotID       string              `json:"pre_snapshot_id,omitempty"`
	PostSnapshotID      string              `json:"post_snapshot_id,omitempty"`
	Execution           *PromotionExecution `json:"execution,omitempty"`
	Decision            *PromotionDecision  `json:"decision,omitempty"`
	Annotations         []string            `json:"annotations,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

const AnnotationManualRollback = "manual_rollback"

func (p Promotion) HasAnnotation(a string) bool {
	for _, v := range p.Annotations {
		if v == a {
			return true
		}
	}
	return false
}
