package domain

import "strings"

type ChangeKind string

const (
	ChangeKindWorkflow ChangeKind = "workflow"
	ChangeKindSettings ChangeKind = "settings"
	ChangeKindNode     ChangeKind = "node"
	ChangeKindEdge     ChangeKind = "edge"
)

type ChangeOp string

const (
	ChangeOpAdd    ChangeOp = "add"
	ChangeOpRemove ChangeOp = "remove"
	ChangeOpModify ChangeOp = "modify"
)

// Change is one structural difference between two workflow definitions.
// For node and edge add/remove FieldPath is empty; for modifications it names
// the leaf that differs, e.g. "parameters.url" or "credentials.httpBasicAuth".
type Change struct {
	Kind      ChangeKind `json:"kind"`
	Operation ChangeOp   `json:"operation"`
	NodeID    string     `json:"node_id,omitempty"`
	NodeName  string     `json:"node_name,omitempty"`
	NodeType  string     `json:"node_type,omitempty"`
	EdgeKey   string     `json:"edge_key,omitempty"`
	FieldPath string     `json:"field_path,omitempty"`
	Before    any        `json:"before,omitempty"`
	After     any        `json:"after,omitempty"`
}

type ChangeStatus string

const (
	ChangeStatusUnchanged ChangeStatus = "UNCHANGED"
	ChangeStatusChanged   ChangeStatus = "CHANGED"
)

type ChangeSet struct {
	Status     ChangeStatus `json:"status"`
	SourceHash string       `json:"source_hash"`
	TargetHash string       `json:"target_hash"`
	Changes    []Change     `json:"changes"`
}

func (cs ChangeSet) Empty() bool {
	return len(cs.Changes) == 0
}

// Summary counts changes per operation.
func (cs ChangeSet) Summary() map[ChangeOp]int {
	out := map[ChangeOp]int{}
	for _, c := range cs.Changes {
		out[c.Operation]++
	}
	return out
}

type RiskTier string

const (
	RiskLow    RiskTier = "LOW"
	RiskMedium RiskTier = "MEDIUM"
	RiskHigh   RiskTier = "HIGH"
)

func NormalizeRiskTier(value string) RiskTier {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(RiskLow):
		return RiskLow
	case string(RiskMedium):
		return RiskMedium
	case string(RiskHigh):
		return RiskHigh
	default:
		return ""
	}
}

func (t RiskTier) rank() int {
	switch t {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

// Level is the ordinal of the tier, 1 for LOW through 3 for HIGH, and 0 when
// the tier is unknown.
func (t RiskTier) Level() int { return t.rank() }

// MaxRisk returns the higher of two tiers.
func MaxRisk(a, b RiskTier) RiskTier {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Severity maps a risk tier onto an incident severity.
func (t RiskTier) Severity() Severity {
	switch t {
	case RiskHigh:
		return SeverityHigh
	case RiskMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
