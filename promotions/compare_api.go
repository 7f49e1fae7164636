package main

import (
	"encoding/json"
	"net/http"

	"github.com/animus-labs/flowgate/internal/compare/diff"
	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/compare/risk"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/httpserver"
)

type compareRequest struct {
	Source json.RawMessage `json:"source"`
	Target json.RawMessage `json:"target,omitempty"`
}

type compareResponse struct {
	domain.ChangeSet
	Summary map[domain.ChangeOp]int `json:"summary"`
	Risk    risk.Assessment         `json:"risk"`
}

// handleCompare diffs two definitions without touching any environment. A
// missing target compares the source against nothing.
func (api *flowgateAPI) handleCompare(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.tenantContext(w, r); !ok {
		return
	}
	var req compareRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	n := normalize.Default()
	source, err := n.ParseAndNormalize(req.Source)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	var cs domain.ChangeSet
	if len(req.Target) == 0 || string(req.Target) == "null" {
		cs = diff.Against(source)
	} else {
		target, err := n.ParseAndNormalize(req.Target)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		cs = diff.Compute(source, target)
	}

	httpserver.WriteJSON(w, http.StatusOK, compareResponse{
		ChangeSet: cs,
		Summary:   cs.Summary(),
		Risk:      risk.Classify(cs),
	})
}
