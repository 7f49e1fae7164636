// Package normalize turns raw workflow payloads into the closed definition type
// and a deterministic canonical encoding. Hash equality of the canonical form is
// the only equivalence test used by the engine.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
)

// Options controls which UI-only fields participate in the canonical form.
type Options struct {
	IncludePositions bool
	IncludeTags      bool
}

// volatileSettings vary per instance without changing behavior.
var volatileSettings = map[string]struct{}{
	"callerIds":             {},
	"timeSavedPerExecution": {},
}

type Normalizer struct {
	opts Options
}

func New(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// Default excludes positions and tags.
func Default() *Normalizer {
	return New(Options{})
}

// FieldValue is a leaf of a node's normalized form.
type FieldValue struct {
	Value     any
	Canonical string
}

type NodeForm struct {
	ID     string
	Name   string
	Type   string
	Fields map[string]FieldValue
}

type Edge struct {
	Key          string
	SourceNodeID string
	OutputType   string
	OutputIndex  int
	TargetNodeID string
	InputType    string
	InputIndex   int
}

// Normalized is the result of normalizing one definition.
type Normalized struct {
	Definition domain.WorkflowDefinition
	Canonical  []byte
	Hash       string
	Name       string
	Nodes      map[string]NodeForm
	Edges      map[string]Edge
	Settings   map[string]FieldValue
}

type rawDefinition struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Active      bool               `json:"active"`
	Nodes       []domain.Node      `json:"nodes"`
	Connections domain.Connections `json:"connections"`
	Settings    map[string]any     `json:"settings"`
	Tags        []json.RawMessage  `json:"tags"`
	VersionID   string             `json:"versionId"`
}

// Parse validates raw against the workflow schema and decodes it. Missing node
// lists or connection maps, duplicate node ids or names, and connections to
// unknown nodes are reported as domain.ErrMalformedDefinition.
func Parse(raw []byte) (domain.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.WorkflowDefinition{}, domain.Malformed("empty payload")
	}
	if err := validateStructure(raw); err != nil {
		return domain.WorkflowDefinition{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var in rawDefinition
	if err := dec.Decode(&in); err != nil {
		return domain.WorkflowDefinition{}, domain.Malformed("decode: %v", err)
	}
	if in.Nodes == nil {
		return domain.WorkflowDefinition{}, domain.Malformed("nodes are required")
	}
	if in.Connections == nil {
		return domain.WorkflowDefinition{}, domain.Malformed("connections are required")
	}

	ids := make(map[string]struct{}, len(in.Nodes))
	names := make(map[string]struct{}, len(in.Nodes))
	for i, n := range in.Nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			return domain.WorkflowDefinition{}, domain.Malformed("nodes[%d].id is required", i)
		}
		if _, ok := ids[id]; ok {
			return domain.WorkflowDefinition{}, domain.Malformed("duplicate node id %q", id)
		}
		if _, ok := names[n.Name]; ok {
			return domain.WorkflowDefinition{}, domain.Malformed("duplicate node name %q", n.Name)
		}
		ids[id] = struct{}{}
		names[n.Name] = struct{}{}
	}
	for source, outputs := range in.Connections {
		if _, ok := names[source]; !ok {
			return domain.WorkflowDefinition{}, domain.Malformed("connection from unknown node %q", source)
		}
		for _, slots := range outputs {
			for _, targets := range slots {
				for _, target := range targets {
					if _, ok := names[target.Node]; !ok {
						return domain.WorkflowDefinition{}, domain.Malformed("connection to unknown node %q", target.Node)
					}
				}
			}
		}
	}

	tags, err := decodeTags(in.Tags)
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}

	return domain.WorkflowDefinition{
		ID:          in.ID,
		Name:        in.Name,
		Active:      in.Active,
		Nodes:       in.Nodes,
		Connections: in.Connections,
		Settings:    in.Settings,
		Tags:        tags,
		VersionID:   in.VersionID,
	}, nil
}

// Tags arrive either as plain names or as {id, name} objects.
func decodeTags(items []json.RawMessage) ([]string, error) {
	out := make([]string, 0, len(items))
	for i, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			out = append(out, name)
			continue
		}
		var tag domain.Tag
		if err := json.Unmarshal(item, &tag); err != nil {
			return nil, domain.Malformed("tags[%d]: %v", i, err)
		}
		out = append(out, tag.Name)
	}
	return out, nil
}

// ParseAndNormalize is Parse followed by Normalize.
func (n *Normalizer) ParseAndNormalize(raw []byte) (Normalized, error) {
	def, err := Parse(raw)
	if err != nil {
		return Normalized{}, err
	}
	return n.Normalize(def)
}

// HashRaw returns the content hash of a raw payload using the default options.
func HashRaw(raw []byte) (string, error) {
	out, err := Default().ParseAndNormalize(raw)
	if err != nil {
		return "", err
	}
	return out.Hash, nil
}

func (n *Normalizer) Normalize(def domain.WorkflowDefinition) (Normalized, error) {
	nameToID := make(map[string]string, len(def.Nodes))
	for _, node := range def.Nodes {
		nameToID[node.Name] = node.ID
	}

	nodes := make(map[string]NodeForm, len(def.Nodes))
	for _, node := range def.Nodes {
		nodes[node.ID] = n.nodeForm(node)
	}

	edges := map[string]Edge{}
	for sourceName, outputs := range def.Connections {
		sourceID, ok := nameToID[sourceName]
		if !ok {
			return Normalized{}, domain.Malformed("connection from unknown node %q", sourceName)
		}
		for outputType, slots := range outputs {
			for outputIndex, targets := range slots {
				for _, target := range targets {
					targetID, ok := nameToID[target.Node]
					if !ok {
						return Normalized{}, domain.Malformed("connection to unknown node %q", target.Node)
					}
					inputType := target.Type
					if inputType == "" {
						inputType = outputType
					}
					e := Edge{
						SourceNodeID: sourceID,
						OutputType:   outputType,
						OutputIndex:  outputIndex,
						TargetNodeID: targetID,
						InputType:    inputType,
						InputIndex:   target.Index,
					}
					e.Key = edgeKey(e)
					edges[e.Key] = e
				}
			}
		}
	}

	settings := map[string]FieldValue{}
	for k, v := range def.Settings {
		if _, skip := volatileSettings[k]; skip {
			continue
		}
		if v == nil {
			continue
		}
		cv := canonicalValue(v)
		settings[k] = FieldValue{Value: cv, Canonical: EncodeValue(cv)}
	}

	doc := n.canonicalDocument(def.Name, nodes, edges, settings, def.Tags)
	canonical, err := MarshalCanonical(doc)
	if err != nil {
		return Normalized{}, fmt.Errorf("canonical encode: %w", err)
	}

	return Normalized{
		Definition: def,
		Canonical:  canonical,
		Hash:       HashCanonical(canonical),
		Name:       def.Name,
		Nodes:      nodes,
		Edges:      edges,
		Settings:   settings,
	}, nil
}

func edgeKey(e Edge) string {
	return e.SourceNodeID + ":" + e.OutputType + ":" + strconv.Itoa(e.OutputIndex) +
		"->" + e.TargetNodeID + ":" + e.InputType + ":" + strconv.Itoa(e.InputIndex)
}

func (n *Normalizer) nodeForm(node domain.Node) NodeForm {
	fields := map[string]FieldValue{}
	set := func(path string, v any) {
		cv := canonicalValue(v)
		fields[path] = FieldValue{Value: cv, Canonical: EncodeValue(cv)}
	}

	set("name", node.Name)
	set("type_version", node.TypeVersion)
	if node.Disabled {
		set("disabled", true)
	}
	if node.Notes != "" {
		set("notes", node.Notes)
	}
	if node.ContinueOnFail {
		set("continue_on_fail", true)
	}
	if node.OnError != "" {
		set("on_error", node.OnError)
	}
	if node.RetryOnFail {
		set("retry_on_fail", true)
	}
	if node.MaxTries != 0 {
		set("max_tries", node.MaxTries)
	}
	if node.WaitBetweenTries != 0 {
		set("wait_between_tries", node.WaitBetweenTries)
	}
	if node.AlwaysOutputData {
		set("always_output_data", true)
	}
	if node.ExecuteOnce {
		set("execute_once", true)
	}
	if n.opts.IncludePositions && len(node.Position) > 0 {
		pos := make([]any, len(node.Position))
		for i, p := range node.Position {
			pos[i] = p
		}
		set("position", pos)
	}
	flattenParameters("parameters", node.Parameters, set)
	for credType, ref := range node.Credentials {
		// Credential ids are instance-local; the name identifies the credential across environments.
		set("credentials."+credType, ref.Name)
	}

	return NodeForm{ID: node.ID, Name: node.Name, Type: node.Type, Fields: fields}
}

// flattenParameters turns nested parameter objects into dotted leaf paths.
// Arrays are leaves.
func flattenParameters(prefix string, params map[string]any, set func(string, any)) {
	for k, v := range params {
		path := prefix + "." + k
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flattenParameters(path, nested, set)
			continue
		}
		set(path, v)
	}
}

func (n *Normalizer) canonicalDocument(name string, nodes map[string]NodeForm, edges map[string]Edge, settings map[string]FieldValue, tags []string) map[string]any {
	nodeDocs := make([]any, 0, len(nodes))
	for _, id := range sortedKeys(nodes) {
		form := nodes[id]
		fields := make(map[string]any, len(form.Fields))
		for path, fv := range form.Fields {
			fields[path] = fv.Value
		}
		nodeDocs = append(nodeDocs, map[string]any{
			"id":     form.ID,
			"type":   form.Type,
			"fields": fields,
		})
	}

	edgeDocs := make([]any, 0, len(edges))
	for _, key := range sortedKeys(edges) {
		edgeDocs = append(edgeDocs, key)
	}

	settingsDoc := make(map[string]any, len(settings))
	for k, fv := range settings {
		settingsDoc[k] = fv.Value
	}

	doc := map[string]any{
		"name":        canonicalValue(name),
		"nodes":       nodeDocs,
		"connections": edgeDocs,
		"settings":    settingsDoc,
	}
	if n.opts.IncludeTags {
		sorted := append([]string(nil), tags...)
		sort.Strings(sorted)
		doc["tags"] = sorted
	}
	return doc
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
