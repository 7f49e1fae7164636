package domain

import "strings"

type IncidentState string

const (
	IncidentOpen         IncidentState = "OPEN"
	IncidentAcknowledged IncidentState = "ACKNOWLEDGED"
	IncidentResolved     IncidentState = "RESOLVED"
	IncidentReconciled   IncidentState = "RECONCILED"
	IncidentClosed       IncidentState = "CLOSED"
)

func NormalizeIncidentState(value string) IncidentState {
	switch s := IncidentState(strings.ToUpper(strings.TrimSpace(value))); s {
	case IncidentOpen, IncidentAcknowledged, IncidentResolved, IncidentReconciled, IncidentClosed:
		return s
	default:
		return ""
	}
}

// Active reports whether the incident still represents unresolved drift.
func (s IncidentState) Active() bool {
	return s == IncidentOpen || s == IncidentAcknowledged
}

// CanTransitionIncident permits OPEN -> ACKNOWLEDGED and any active state into
// one of the terminal states.
func CanTransitionIncident(current, next IncidentState) bool {
	switch current {
	case IncidentOpen:
		return next == IncidentAcknowledged || next == IncidentResolved || next == IncidentReconciled || next == IncidentClosed
	case IncidentAcknowledged:
		return next == IncidentResolved || next == IncidentReconciled || next == IncidentClosed
	default:
		return false
	}
}

func onboardingPhaseOrder(phase OnboardingPhase) int {
	switch phase {
	case OnboardingQueued:
		return 1
	case OnboardingFetching:
		return 2
	case OnboardingCommitting:
		return 3
	case OnboardingLinking:
		return 4
	case OnboardingCompleted, OnboardingFailed:
		return 5
	default:
		return 0
	}
}

// CanAdvanceOnboardingPhase enforces forward-only phase progression. A job may
// fail from any non-terminal phase.
func CanAdvanceOnboardingPhase(current, next OnboardingPhase) bool {
	cur := onboardingPhaseOrder(current)
	nxt := onboardingPhaseOrder(next)
	if cur == 0 || nxt == 0 || cur == 5 {
		return false
	}
	if current == next {
		return true
	}
	return cur < nxt
}
