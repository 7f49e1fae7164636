package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/httpserver"
	"github.com/animus-labs/flowgate/internal/repo"
)

type incidentNoteRequest struct {
	Note string `json:"note,omitempty"`
}

func (api *flowgateAPI) handleCheckDrift(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	report, err := api.svc.drift.DetectEnvironment(r.Context(), tc, r.PathValue("environment_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, report)
}

func (api *flowgateAPI) handleDriftStatus(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	status, err := api.svc.drift.Status(r.Context(), tc, r.PathValue("environment_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, status)
}

func (api *flowgateAPI) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := repo.IncidentFilter{
		EnvironmentID: strings.TrimSpace(q.Get("environment_id")),
		Limit:         clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if raw := strings.TrimSpace(q.Get("active")); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_active", "")
			return
		}
		filter.ActiveOnly = active
	}
	if raw := strings.TrimSpace(q.Get("state")); raw != "" {
		if filter.State = domain.NormalizeIncidentState(raw); filter.State == "" {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_state", "")
			return
		}
	}
	items, err := api.svc.drift.List(r.Context(), tc, filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"incidents": items})
}

func (api *flowgateAPI) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	inc, err := api.svc.drift.Get(r.Context(), tc, r.PathValue("incident_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, inc)
}

func (api *flowgateAPI) handleAcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var req incidentNoteRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	inc, err := api.svc.drift.Acknowledge(r.Context(), tc, r.PathValue("incident_id"), strings.TrimSpace(req.Note))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, inc)
}

func (api *flowgateAPI) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var req incidentNoteRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	inc, err := api.svc.drift.Resolve(r.Context(), tc, r.PathValue("incident_id"), strings.TrimSpace(req.Note))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, inc)
}

func (api *flowgateAPI) handleReconcileIncident(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	inc, err := api.svc.drift.Reconcile(r.Context(), tc, r.PathValue("incident_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, inc)
}

func (api *flowgateAPI) handleStabilizeIncident(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	inc, err := api.svc.drift.Stabilize(r.Context(), tc, r.PathValue("incident_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, inc)
}
