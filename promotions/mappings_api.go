package main

import (
	"net/http"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/httpserver"
	"github.com/animus-labs/flowgate/internal/repo"
)

type onboardRequest struct {
	WorkflowIDs []string `json:"workflow_ids"`
}

func (api *flowgateAPI) handleSyncMappings(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	res, err := api.svc.mappings.Sync(r.Context(), tc, r.PathValue("environment_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, res)
}

func (api *flowgateAPI) handleListMappings(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	filter := repo.MappingFilter{
		EnvironmentID: r.PathValue("environment_id"),
		CanonicalID:   strings.TrimSpace(r.URL.Query().Get("canonical_id")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		if filter.Status = domain.NormalizeMapStatus(raw); filter.Status == "" {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_status", "")
			return
		}
	}
	items, err := api.svc.mappings.ListMappings(r.Context(), tc, filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"mappings": items})
}

func (api *flowgateAPI) handleOnboard(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var req onboardRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	ids := trimAll(req.WorkflowIDs)
	if len(ids) == 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "workflow_ids_required", "")
		return
	}
	maps, err := api.svc.mappings.Onboard(r.Context(), tc, r.PathValue("environment_id"), ids)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{"mappings": maps})
}

// handleStartOnboarding queues a background job; an empty workflow list
// onboards every unlinked workflow of the environment.
func (api *flowgateAPI) handleStartOnboarding(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var req onboardRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	job, err := api.svc.mappings.StartOnboarding(r.Context(), tc, r.PathValue("environment_id"), trimAll(req.WorkflowIDs))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", apiPrefix+"/onboarding-jobs/"+job.ID)
	httpserver.WriteJSON(w, http.StatusAccepted, job)
}

func (api *flowgateAPI) handleGetOnboardingJob(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	job, err := api.svc.mappings.GetJob(r.Context(), tc, r.PathValue("job_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, job)
}

func (api *flowgateAPI) handleIgnoreMapping(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	m, err := api.svc.mappings.Ignore(r.Context(), tc, r.PathValue("map_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, m)
}

func (api *flowgateAPI) handleRetireCanonical(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	c, err := api.svc.mappings.Retire(r.Context(), tc, r.PathValue("canonical_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, c)
}
