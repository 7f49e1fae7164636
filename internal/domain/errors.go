package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedDefinition        = errors.New("malformed workflow definition")
	ErrSourceUnavailable          = errors.New("workflow source unavailable")
	ErrVersionStoreUnavailable    = errors.New("version store unavailable")
	ErrNoSnapshotFound            = errors.New("no snapshot found")
	ErrSnapshotNotFound           = errors.New("snapshot not found")
	ErrEmptySnapshotContent       = errors.New("empty snapshot content")
	ErrEnvironmentLocked          = errors.New("environment locked")
	ErrActiveDriftBlocksPromotion = errors.New("active drift blocks promotion")
	ErrRollbackPartial            = errors.New("rollback partial")
	ErrRollbackFailed             = errors.New("rollback failed")
	ErrPromotionFailed            = errors.New("promotion failed")
	ErrInvalidTransition          = errors.New("invalid state transition")
	ErrPipelineStageNotFound      = errors.New("pipeline stage not found")
	ErrGateFailed                 = errors.New("promotion gate failed")
	ErrEnvironmentNotFound        = errors.New("environment not found")
	ErrWorkflowNotFound           = errors.New("workflow not found")
	ErrPromotionNotFound          = errors.New("promotion not found")
	ErrIncidentNotFound           = errors.New("drift incident not found")
)

// NoSnapshotError is the expected result of asking for the latest snapshot of
// an environment that has never been captured.
type NoSnapshotError struct {
	EnvironmentID string
	Type          SnapshotType
}

func (e *NoSnapshotError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("No snapshot available for rollback in environment %s with type %s", e.EnvironmentID, e.Type)
	}
	return fmt.Sprintf("No snapshot available for rollback in environment %s", e.EnvironmentID)
}

func (e *NoSnapshotError) Unwrap() error { return ErrNoSnapshotFound }

type SnapshotNotFoundError struct {
	SnapshotID string
}

func (e *SnapshotNotFoundError) Error() string {
	return fmt.Sprintf("Snapshot %s not found", e.SnapshotID)
}

func (e *SnapshotNotFoundError) Unwrap() error { return ErrSnapshotNotFound }

// EmptySnapshotError marks a snapshot whose commit holds no workflows.
type EmptySnapshotError struct {
	CommitRef string
}

func (e *EmptySnapshotError) Error() string {
	return fmt.Sprintf("No workflows found in GitHub for commit %s", e.CommitRef)
}

func (e *EmptySnapshotError) Unwrap() error { return ErrEmptySnapshotContent }

// MalformedError names the structural problem with a definition.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed workflow definition: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return ErrMalformedDefinition }

func Malformed(format string, args ...any) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// GateError lists the gates that rejected a promotion at initiation.
type GateError struct {
	Failed []GateResult
}

func (e *GateError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, g := range e.Failed {
		if g.Detail != "" {
			names = append(names, g.Name+": "+g.Detail)
			continue
		}
		names = append(names, g.Name)
	}
	return "promotion gate failed: " + strings.Join(names, "; ")
}

func (e *GateError) Unwrap() error { return ErrGateFailed }

// DriftBlockError carries the incidents that blocked a promotion.
type DriftBlockError struct {
	EnvironmentID string
	IncidentIDs   []string
}

func (e *DriftBlockError) Error() string {
	return fmt.Sprintf("active drift blocks promotion into environment %s: %s", e.EnvironmentID, strings.Join(e.IncidentIDs, ", "))
}

func (e *DriftBlockError) Unwrap() error { return ErrActiveDriftBlocksPromotion }

// TransitionError reports a rejected state change.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot transition from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
