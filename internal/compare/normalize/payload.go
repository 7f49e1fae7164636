package normalize

import (
	"bytes"
	"encoding/json"

	"github.com/animus-labs/flowgate/internal/domain"
)

// writableFields are the top-level keys a Workflow Source accepts on create
// and update. Everything else (id, timestamps, versionId, active, tags, meta,
// pinData) is owned by the instance.
var writableFields = []string{"name", "nodes", "connections", "settings", "staticData"}

// WritablePayload reduces a raw workflow to the fields accepted on write.
func WritablePayload(raw []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, domain.Malformed("decode: %v", err)
	}
	out := make(map[string]json.RawMessage, len(writableFields))
	for _, k := range writableFields {
		v, ok := fields[k]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		out[k] = v
	}
	if _, ok := out["nodes"]; !ok {
		return nil, domain.Malformed("nodes are required")
	}
	if _, ok := out["connections"]; !ok {
		return nil, domain.Malformed("connections are required")
	}
	if _, ok := out["settings"]; !ok {
		out["settings"] = json.RawMessage(`{}`)
	}
	return json.Marshal(out)
}

// WorkflowName extracts the name field without full validation.
func WorkflowName(raw []byte) string {
	var head struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.Name
}
