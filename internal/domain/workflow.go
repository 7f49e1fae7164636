package domain

import (
	"encoding/json"
	"strings"
)

// WorkflowDefinition is the closed structural form of a workflow as served by a
// Workflow Source. It is produced once at the boundary by the normalizer and is
// the only shape the rest of the engine reads.
type WorkflowDefinition struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Active      bool           `json:"active"`
	Nodes       []Node         `json:"nodes"`
	Connections Connections    `json:"connections"`
	Settings    map[string]any `json:"settings,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	VersionID   string         `json:"versionId,omitempty"`
}

type Node struct {
	ID               string                   `json:"id"`
	Name             string                   `json:"name"`
	Type             string                   `json:"type"`
	TypeVersion      float64                  `json:"typeVersion"`
	Position         []float64                `json:"position,omitempty"`
	Parameters       map[string]any           `json:"parameters,omitempty"`
	Credentials      map[string]CredentialRef `json:"credentials,omitempty"`
	Disabled         bool                     `json:"disabled,omitempty"`
	Notes            string                   `json:"notes,omitempty"`
	ContinueOnFail   bool                     `json:"continueOnFail,omitempty"`
	OnError          string                   `json:"onError,omitempty"`
	RetryOnFail      bool                     `json:"retryOnFail,omitempty"`
	MaxTries         int                      `json:"maxTries,omitempty"`
	WaitBetweenTries int                      `json:"waitBetweenTries,omitempty"`
	AlwaysOutputData bool                     `json:"alwaysOutputData,omitempty"`
	ExecuteOnce      bool                     `json:"executeOnce,omitempty"`
}

// CredentialRef is a node's reference to a credential held by the instance.
type CredentialRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Connections maps source node name -> output type -> output index -> targets.
type Connections map[string]map[string][][]ConnectionTarget

type ConnectionTarget struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// NodeByID returns the node with the given id.
func (d WorkflowDefinition) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// CredentialKeys lists every "type/name" credential reference used by the workflow.
func (d WorkflowDefinition) CredentialKeys() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, n := range d.Nodes {
		for credType, ref := range n.Credentials {
			key := CredentialKey(credType, ref.Name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

// RawWorkflow carries the workflow exactly as the source served it. Writes to a
// source always use the raw payload so fields the engine does not model survive.
type RawWorkflow struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type Credential struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

func (c Credential) Key() string {
	return CredentialKey(c.Type, c.Name)
}

func CredentialKey(credType, name string) string {
	return strings.TrimSpace(credType) + "/" + strings.TrimSpace(name)
}

type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
