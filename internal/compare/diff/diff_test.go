package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
)

const base = `{"name":"Orders","nodes":[
 {"id":"a","name":"Trigger","type":"n8n-nodes-base.manualTrigger","typeVersion":1},
 {"id":"b","name":"Call","type":"n8n-nodes-base.httpRequest","typeVersion":4,"parameters":{"url":"https://a.example"}},
 {"id":"c","name":"Set","type":"n8n-nodes-base.set","typeVersion":3}
],"connections":{"Trigger":{"main":[[{"node":"Call","type":"main","index":0}]]},"Call":{"main":[[{"node":"Set","type":"main","index":0}]]}}}`

func mustNormalize(t *testing.T, raw string) normalize.Normalized {
	t.Helper()
	out, err := normalize.Default().ParseAndNormalize([]byte(raw))
	require.NoError(t, err)
	return out
}

func TestEqualHashIsUnchanged(t *testing.T) {
	reordered := `{"connections":{"Call":{"main":[[{"node":"Set","type":"main","index":0}]]},"Trigger":{"main":[[{"node":"Call","type":"main","index":0}]]}},
 "nodes":[{"id":"c","name":"Set","type":"n8n-nodes-base.set","typeVersion":3},
 {"id":"b","name":"Call","type":"n8n-nodes-base.httpRequest","typeVersion":4,"parameters":{"url":"https://a.example"}},
 {"id":"a","name":"Trigger","type":"n8n-nodes-base.manualTrigger","typeVersion":1}],"name":"Orders"}`
	cs := Compute(mustNormalize(t, base), mustNormalize(t, reordered))
	assert.Equal(t, domain.ChangeStatusUnchanged, cs.Status)
	assert.True(t, cs.Empty())
}

func TestModifiedParameterHasFieldPath(t *testing.T) {
	source := mustNormalize(t, `{"name":"Orders","nodes":[
 {"id":"a","name":"Trigger","type":"n8n-nodes-base.manualTrigger","typeVersion":1},
 {"id":"b","name":"Call","type":"n8n-nodes-base.httpRequest","typeVersion":4,"parameters":{"url":"https://b.example"}},
 {"id":"c","name":"Set","type":"n8n-nodes-base.set","typeVersion":3}
],"connections":{"Trigger":{"main":[[{"node":"Call","type":"main","index":0}]]},"Call":{"main":[[{"node":"Set","type":"main","index":0}]]}}}`)
	cs := Compute(source, mustNormalize(t, base))
	require.Len(t, cs.Changes, 1)
	c := cs.Changes[0]
	assert.Equal(t, domain.ChangeKindNode, c.Kind)
	assert.Equal(t, domain.ChangeOpModify, c.Operation)
	assert.Equal(t, "b", c.NodeID)
	assert.Equal(t, "parameters.url", c.FieldPath)
	assert.Equal(t, "https://a.example", c.Before)
	assert.Equal(t, "https://b.example", c.After)
}

func TestAddRemoveNodesAndEdges(t *testing.T) {
	source := mustNormalize(t, `{"name":"Orders","nodes":[
 {"id":"a","name":"Trigger","type":"n8n-nodes-base.manualTrigger","typeVersion":1},
 {"id":"b","name":"Call","type":"n8n-nodes-base.httpRequest","typeVersion":4,"parameters":{"url":"https://a.example"}},
 {"id":"d","name":"Mail","type":"n8n-nodes-base.emailSend","typeVersion":2}
],"connections":{"Trigger":{"main":[[{"node":"Call","type":"main","index":0}]]},"Call":{"main":[[{"node":"Mail","type":"main","index":0}]]}}}`)
	cs := Compute(source, mustNormalize(t, base))

	var added, removed []string
	edges := 0
	for _, c := range cs.Changes {
		switch {
		case c.Kind == domain.ChangeKindNode && c.Operation == domain.ChangeOpAdd:
			added = append(added, c.NodeID)
		case c.Kind == domain.ChangeKindNode && c.Operation == domain.ChangeOpRemove:
			removed = append(removed, c.NodeID)
		case c.Kind == domain.ChangeKindEdge:
			edges++
		}
	}
	assert.Equal(t, []string{"d"}, added)
	assert.Equal(t, []string{"c"}, removed)
	assert.Equal(t, 2, edges)
}

func TestReusedIDWithNewTypeIsReplacement(t *testing.T) {
	source := mustNormalize(t, `{"name":"Orders","nodes":[
 {"id":"a","name":"Trigger","type":"n8n-nodes-base.manualTrigger","typeVersion":1},
 {"id":"b","name":"Call","type":"n8n-nodes-base.code","typeVersion":2,"parameters":{"jsCode":"return []"}},
 {"id":"c","name":"Set","type":"n8n-nodes-base.set","typeVersion":3}
],"connections":{"Trigger":{"main":[[{"node":"Call","type":"main","index":0}]]},"Call":{"main":[[{"node":"Set","type":"main","index":0}]]}}}`)
	cs := Compute(source, mustNormalize(t, base))
	require.Len(t, cs.Changes, 2)
	assert.Equal(t, domain.ChangeOpRemove, cs.Changes[0].Operation)
	assert.Equal(t, "n8n-nodes-base.httpRequest", cs.Changes[0].NodeType)
	assert.Equal(t, domain.ChangeOpAdd, cs.Changes[1].Operation)
	assert.Equal(t, "n8n-nodes-base.code", cs.Changes[1].NodeType)
}

func TestOutputIsDeterministic(t *testing.T) {
	source := mustNormalize(t, `{"name":"Renamed","nodes":[{"id":"z","name":"Only","type":"x.y","typeVersion":1}],"connections":{},"settings":{"timezone":"UTC"}}`)
	target := mustNormalize(t, base)
	first := Compute(source, target)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first.Changes, Compute(source, target).Changes)
	}
	assert.Equal(t, domain.ChangeKindWorkflow, first.Changes[0].Kind)
	assert.Equal(t, "settings.timezone", first.Changes[1].FieldPath)
	assert.Equal(t, 5, first.Summary()[domain.ChangeOpRemove])
	assert.Equal(t, 1, first.Summary()[domain.ChangeOpAdd])
	assert.Len(t, removedEdges(first), 2)
}

func removedEdges(cs domain.ChangeSet) []domain.Change {
	var out []domain.Change
	for _, c := range cs.Changes {
		if c.Kind == domain.ChangeKindEdge && c.Operation == domain.ChangeOpRemove {
			out = append(out, c)
		}
	}
	return out
}
