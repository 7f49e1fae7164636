// Package diff computes set-based structural change sets between two
// normalized workflow definitions.
package diff

import (
	"sort"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
)

// Compute returns the changes that turn target into source. Equal hashes yield
// an UNCHANGED set without inspecting structure.
func Compute(source, target normalize.Normalized) domain.ChangeSet {
	cs := domain.ChangeSet{
		Status:     domain.ChangeStatusUnchanged,
		SourceHash: source.Hash,
		TargetHash: target.Hash,
		Changes:    []domain.Change{},
	}
	if source.Hash != "" && source.Hash == target.Hash {
		return cs
	}

	var changes []domain.Change
	if source.Name != target.Name {
		changes = append(changes, domain.Change{
			Kind:      domain.ChangeKindWorkflow,
			Operation: domain.ChangeOpModify,
			FieldPath: "name",
			Before:    target.Name,
			After:     source.Name,
		})
	}
	changes = append(changes, diffNodes(source.Nodes, target.Nodes)...)
	changes = append(changes, diffEdges(source, target)...)
	changes = append(changes, diffFields(domain.ChangeKindSettings, "settings.", source.Settings, target.Settings, domain.Change{})...)

	sortChanges(changes)
	if len(changes) > 0 {
		cs.Status = domain.ChangeStatusChanged
		cs.Changes = changes
	}
	return cs
}

// Against computes the change set for a source with no counterpart in the
// target: every node and edge is an add.
func Against(source normalize.Normalized) domain.ChangeSet {
	return Compute(source, normalize.Normalized{})
}

func diffNodes(source, target map[string]normalize.NodeForm) []domain.Change {
	var out []domain.Change
	for id, s := range source {
		t, ok := target[id]
		switch {
		case !ok:
			out = append(out, nodeChange(domain.ChangeOpAdd, s))
		case s.Type != t.Type:
			// A reused id with a different node type is a replacement.
			out = append(out, nodeChange(domain.ChangeOpRemove, t), nodeChange(domain.ChangeOpAdd, s))
		default:
			base := domain.Change{NodeID: id, NodeName: s.Name, NodeType: s.Type}
			out = append(out, diffFields(domain.ChangeKindNode, "", s.Fields, t.Fields, base)...)
		}
	}
	for id, t := range target {
		if _, ok := source[id]; !ok {
			out = append(out, nodeChange(domain.ChangeOpRemove, t))
		}
	}
	return out
}

func nodeChange(op domain.ChangeOp, n normalize.NodeForm) domain.Change {
	return domain.Change{
		Kind:      domain.ChangeKindNode,
		Operation: op,
		NodeID:    n.ID,
		NodeName:  n.Name,
		NodeType:  n.Type,
	}
}

func diffFields(kind domain.ChangeKind, prefix string, source, target map[string]normalize.FieldValue, base domain.Change) []domain.Change {
	var out []domain.Change
	for path, s := range source {
		t, ok := target[path]
		if ok && t.Canonical == s.Canonical {
			continue
		}
		c := base
		c.Kind = kind
		c.Operation = domain.ChangeOpModify
		c.FieldPath = prefix + path
		c.After = s.Value
		if ok {
			c.Before = t.Value
		}
		out = append(out, c)
	}
	for path, t := range target {
		if _, ok := source[path]; ok {
			continue
		}
		c := base
		c.Kind = kind
		c.Operation = domain.ChangeOpModify
		c.FieldPath = prefix + path
		c.Before = t.Value
		out = append(out, c)
	}
	return out
}

func diffEdges(source, target normalize.Normalized) []domain.Change {
	var out []domain.Change
	for key, e := range source.Edges {
		if _, ok := target.Edges[key]; !ok {
			out = append(out, edgeChange(domain.ChangeOpAdd, e, source.Nodes))
		}
	}
	for key, e := range target.Edges {
		if _, ok := source.Edges[key]; !ok {
			out = append(out, edgeChange(domain.ChangeOpRemove, e, target.Nodes))
		}
	}
	return out
}

func edgeChange(op domain.ChangeOp, e normalize.Edge, nodes map[string]normalize.NodeForm) domain.Change {
	n := nodes[e.SourceNodeID]
	return domain.Change{
		Kind:      domain.ChangeKindEdge,
		Operation: op,
		NodeID:    e.SourceNodeID,
		NodeName:  n.Name,
		NodeType:  n.Type,
		EdgeKey:   e.Key,
	}
}

func kindOrder(k domain.ChangeKind) int {
	switch k {
	case domain.ChangeKindWorkflow:
		return 0
	case domain.ChangeKindSettings:
		return 1
	case domain.ChangeKindNode:
		return 2
	default:
		return 3
	}
}

func opOrder(op domain.ChangeOp) int {
	switch op {
	case domain.ChangeOpRemove:
		return 0
	case domain.ChangeOpAdd:
		return 1
	default:
		return 2
	}
}

func sortChanges(changes []domain.Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		if a.EdgeKey != b.EdgeKey {
			return a.EdgeKey < b.EdgeKey
		}
		if a.FieldPath != b.FieldPath {
			return a.FieldPath < b.FieldPath
		}
		return opOrder(a.Operation) < opOrder(b.Operation)
	})
}
