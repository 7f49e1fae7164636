package normalize

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/flowgate/internal/domain"
)

const sampleWorkflow = `{
  "id": "wf-1",
  "name": "Invoice sync",
  "active": true,
  "createdAt": "2026-01-01T00:00:00.000Z",
  "updatedAt": "2026-02-01T00:00:00.000Z",
  "versionId": "v-9",
  "nodes": [
    {"id": "n1", "name": "Webhook", "type": "n8n-nodes-base.webhook", "typeVersion": 2, "position": [100, 200], "parameters": {"path": "invoices", "httpMethod": "POST"}},
    {"id": "n2", "name": "Fetch", "type": "n8n-nodes-base.httpRequest", "typeVersion": 4.2, "position": [300, 200],
     "parameters": {"url": "https://api.example.com/invoices", "options": {"timeout": 10000}},
     "credentials": {"httpBasicAuth": {"id": "c-1", "name": "Billing API"}}}
  ],
  "connections": {"Webhook": {"main": [[{"node": "Fetch", "type": "main", "index": 0}]]}},
  "settings": {"executionOrder": "v1", "callerIds": "x"},
  "tags": [{"id": "t1", "name": "billing"}]
}`

const reorderedWorkflow = `{
  "settings": {"callerIds": "y", "executionOrder": "v1"},
  "connections": {"Webhook": {"main": [[{"index": 0, "type": "main", "node": "Fetch"}]]}},
  "nodes": [
    {"parameters": {"options": {"timeout": 10000.0}, "url": "https://api.example.com/invoices"},
     "credentials": {"httpBasicAuth": {"name": "Billing API", "id": "c-77"}},
     "position": [900, 900], "typeVersion": 4.2, "type": "n8n-nodes-base.httpRequest", "name": "Fetch", "id": "n2"},
    {"parameters": {"httpMethod": "POST", "path": "invoices"}, "typeVersion": 2, "type": "n8n-nodes-base.webhook", "name": "Webhook", "id": "n1"}
  ],
  "versionId": "v-10",
  "updatedAt": "2026-03-01T00:00:00.000Z",
  "active": false,
  "name": "Invoice sync",
  "id": "wf-2"
}`

func TestNormalizeIsOrderIndependent(t *testing.T) {
	a, err := Default().ParseAndNormalize([]byte(sampleWorkflow))
	require.NoError(t, err)
	b, err := Default().ParseAndNormalize([]byte(reorderedWorkflow))
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, string(a.Canonical), string(b.Canonical))
	assert.Len(t, a.Hash, 64)
}

func TestNormalizePositionsWhenConfigured(t *testing.T) {
	n := New(Options{IncludePositions: true})
	a, err := n.ParseAndNormalize([]byte(sampleWorkflow))
	require.NoError(t, err)
	b, err := n.ParseAndNormalize([]byte(reorderedWorkflow))
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestNormalizeTagsWhenConfigured(t *testing.T) {
	withTags, err := New(Options{IncludeTags: true}).ParseAndNormalize([]byte(sampleWorkflow))
	require.NoError(t, err)
	without, err := Default().ParseAndNormalize([]byte(sampleWorkflow))
	require.NoError(t, err)
	assert.NotEqual(t, withTags.Hash, without.Hash)
	assert.Equal(t, []string{"billing"}, withTags.Definition.Tags)
}

func TestNormalizeDetectsParameterChange(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(sampleWorkflow), &doc))
	nodes := doc["nodes"].([]any)
	nodes[1].(map[string]any)["parameters"].(map[string]any)["url"] = "https://evil.example.com"
	changed, err := json.Marshal(doc)
	require.NoError(t, err)

	a, err := HashRaw([]byte(sampleWorkflow))
	require.NoError(t, err)
	b, err := HashRaw(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":              ``,
		"not json":           `{`,
		"missing nodes":      `{"name":"x","connections":{}}`,
		"missing conns":      `{"name":"x","nodes":[]}`,
		"nodes not array":    `{"nodes":{},"connections":{}}`,
		"node without id":    `{"nodes":[{"name":"a","type":"t"}],"connections":{}}`,
		"duplicate id":       `{"nodes":[{"id":"1","name":"a","type":"t"},{"id":"1","name":"b","type":"t"}],"connections":{}}`,
		"unknown connection": `{"nodes":[{"id":"1","name":"a","type":"t"}],"connections":{"a":{"main":[[{"node":"zz","type":"main","index":0}]]}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrMalformedDefinition), "got %v", err)
		})
	}
}

func TestEdgesKeyedByNodeID(t *testing.T) {
	out, err := Default().ParseAndNormalize([]byte(sampleWorkflow))
	require.NoError(t, err)
	require.Len(t, out.Edges, 1)
	for _, e := range out.Edges {
		assert.Equal(t, "n1", e.SourceNodeID)
		assert.Equal(t, "n2", e.TargetNodeID)
	}
	assert.Contains(t, out.Nodes["n2"].Fields, "parameters.options.timeout")
	assert.Equal(t, `"Billing API"`, out.Nodes["n2"].Fields["credentials.httpBasicAuth"].Canonical)
}

func TestMarshalCanonical(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{
		"b": json.Number("1.0"),
		"a": []any{"<x>", true, nil, json.Number("2.5")},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["<x>",true,null,2.5],"b":1}`, string(out))
}

func TestWritablePayloadStripsReadOnlyFields(t *testing.T) {
	out, err := WritablePayload([]byte(sampleWorkflow))
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &fields))
	for _, k := range []string{"id", "active", "createdAt", "updatedAt", "versionId", "tags"} {
		assert.NotContains(t, fields, k)
	}
	for _, k := range []string{"name", "nodes", "connections", "settings"} {
		assert.Contains(t, fields, k)
	}
	assert.Equal(t, "Invoice sync", WorkflowName(out))
}
