package main

import (
	"net/http"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/httpserver"
	"github.com/animus-labs/flowgate/internal/service/snapshots"
)

type createSnapshotRequest struct {
	Reason string `json:"reason,omitempty"`
}

// restoreRequest is the public restore body. Removing workflows is reserved
// for promotion rollback and is not exposed.
type restoreRequest struct {
	SnapshotID          string   `json:"snapshot_id"`
	TargetEnvironmentID string   `json:"target_environment_id,omitempty"`
	DryRun              bool     `json:"dry_run"`
	OverwriteExisting   bool     `json:"overwrite_existing"`
	SkipValidation      bool     `json:"skip_validation"`
	WorkflowIDs         []string `json:"workflow_ids,omitempty"`
}

func (api *flowgateAPI) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var req createSnapshotRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual backup by " + tc.ActorID
	}
	snap, err := api.svc.snapshots.Create(r.Context(), tc, r.PathValue("environment_id"), domain.SnapshotManualBackup, reason)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, snap)
}

func (api *flowgateAPI) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	limit := clampInt(parseIntQuery(r, "limit", 50), 1, 500)
	items, err := api.svc.snapshots.List(r.Context(), tc, r.PathValue("environment_id"), limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"snapshots": items})
}

func (api *flowgateAPI) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var typ domain.SnapshotType
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		if typ = domain.NormalizeSnapshotType(raw); typ == "" {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_snapshot_type", "")
			return
		}
	}
	snap, err := api.svc.snapshots.GetLatest(r.Context(), tc, r.PathValue("environment_id"), typ)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, snap)
}

func (api *flowgateAPI) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	snap, err := api.svc.snapshots.Get(r.Context(), tc, r.PathValue("snapshot_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, snap)
}

func (api *flowgateAPI) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var req restoreRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	if strings.TrimSpace(req.SnapshotID) == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "snapshot_id_required", "")
		return
	}
	result, err := api.svc.snapshots.Restore(r.Context(), tc, snapshots.RestoreRequest{
		SnapshotID:          strings.TrimSpace(req.SnapshotID),
		TargetEnvironmentID: strings.TrimSpace(req.TargetEnvironmentID),
		DryRun:              req.DryRun,
		OverwriteExisting:   req.OverwriteExisting,
		SkipValidation:      req.SkipValidation,
		WorkflowIDs:         trimAll(req.WorkflowIDs),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, result)
}
