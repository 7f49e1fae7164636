package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/httpserver"
	"github.com/animus-labs/flowgate/internal/platform/requestid"
	"github.com/animus-labs/flowgate/internal/platform/tenant"
	"github.com/animus-labs/flowgate/internal/repo"
)

const apiPrefix = "/api/v1"

type flowgateAPI struct {
	logger *slog.Logger
	svc    *services
}

func newFlowgateAPI(logger *slog.Logger, svc *services) *flowgateAPI {
	return &flowgateAPI{logger: logger, svc: svc}
}

func (api *flowgateAPI) register(mux *http.ServeMux) {
	p := apiPrefix
	mux.HandleFunc("POST "+p+"/promotions", api.handleInitiatePromotion)
	mux.HandleFunc("GET "+p+"/promotions", api.handleListPromotions)
	mux.HandleFunc("GET "+p+"/promotions/{promotion_id}", api.handleGetPromotion)
	mux.HandleFunc("POST "+p+"/promotions/{promotion_id}/approve", api.handleApprovePromotion)
	mux.HandleFunc("POST "+p+"/promotions/{promotion_id}/reject", api.handleRejectPromotion)
	mux.HandleFunc("POST "+p+"/promotions/{promotion_id}/cancel", api.handleCancelPromotion)
	mux.HandleFunc("POST "+p+"/promotions/{promotion_id}/execute", api.handleExecutePromotion)
	mux.HandleFunc("POST "+p+"/promotions/{promotion_id}/rollback", api.handleRollbackPromotion)

	mux.HandleFunc("POST "+p+"/environments/{environment_id}/snapshots", api.handleCreateSnapshot)
	mux.HandleFunc("GET "+p+"/environments/{environment_id}/snapshots", api.handleListSnapshots)
	mux.HandleFunc("GET "+p+"/environments/{environment_id}/snapshots/latest", api.handleLatestSnapshot)
	mux.HandleFunc("GET "+p+"/snapshots/{snapshot_id}", api.handleGetSnapshot)
	mux.HandleFunc("POST "+p+"/snapshots/restore", api.handleRestoreSnapshot)

	mux.HandleFunc("POST "+p+"/environments/{environment_id}/drift/check", api.handleCheckDrift)
	mux.HandleFunc("GET "+p+"/environments/{environment_id}/drift", api.handleDriftStatus)
	mux.HandleFunc("GET "+p+"/drift/incidents", api.handleListIncidents)
	mux.HandleFunc("GET "+p+"/drift/incidents/{incident_id}", api.handleGetIncident)
	mux.HandleFunc("POST "+p+"/drift/incidents/{incident_id}/acknowledge", api.handleAcknowledgeIncident)
	mux.HandleFunc("POST "+p+"/drift/incidents/{incident_id}/resolve", api.handleResolveIncident)
	mux.HandleFunc("POST "+p+"/drift/incidents/{incident_id}/reconcile", api.handleReconcileIncident)
	mux.HandleFunc("POST "+p+"/drift/incidents/{incident_id}/stabilize", api.handleStabilizeIncident)

	mux.HandleFunc("POST "+p+"/environments/{environment_id}/mappings/sync", api.handleSyncMappings)
	mux.HandleFunc("GET "+p+"/environments/{environment_id}/mappings", api.handleListMappings)
	mux.HandleFunc("POST "+p+"/environments/{environment_id}/onboard", api.handleOnboard)
	mux.HandleFunc("POST "+p+"/environments/{environment_id}/onboarding-jobs", api.handleStartOnboarding)
	mux.HandleFunc("GET "+p+"/onboarding-jobs/{job_id}", api.handleGetOnboardingJob)
	mux.HandleFunc("POST "+p+"/mappings/{map_id}/ignore", api.handleIgnoreMapping)
	mux.HandleFunc("POST "+p+"/canonical/{canonical_id}/retire", api.handleRetireCanonical)

	mux.HandleFunc("POST "+p+"/compare", api.handleCompare)
}

// tenantContext returns the caller placed on the request by the tenant
// middleware. Its absence means the middleware was not installed.
func (api *flowgateAPI) tenantContext(w http.ResponseWriter, r *http.Request) (domain.TenantContext, bool) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
		return domain.TenantContext{}, false
	}
	return tc, true
}

// writeServiceError maps the engine error taxonomy to a status and code.
func (api *flowgateAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var gateErr *domain.GateError
	var driftErr *domain.DriftBlockError
	var noSnap *domain.NoSnapshotError
	var snapMissing *domain.SnapshotNotFoundError
	var emptySnap *domain.EmptySnapshotError
	var malformed *domain.MalformedError

	switch {
	case errors.As(err, &driftErr):
		httpserver.WriteJSON(w, http.StatusConflict, errorBody(r, "active_drift_blocks_promotion", driftErr.Error(), map[string]any{
			"environment_id": driftErr.EnvironmentID,
			"incident_ids":   driftErr.IncidentIDs,
		}))
	case errors.As(err, &gateErr):
		httpserver.WriteJSON(w, http.StatusUnprocessableEntity, errorBody(r, "gate_failed", gateErr.Error(), map[string]any{
			"gates": gateErr.Failed,
		}))
	case errors.Is(err, domain.ErrEnvironmentLocked):
		httpserver.WriteError(w, r, http.StatusConflict, "environment_locked", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		httpserver.WriteError(w, r, http.StatusConflict, "invalid_transition", err.Error())
	case errors.As(err, &malformed):
		httpserver.WriteError(w, r, http.StatusBadRequest, "malformed_definition", malformed.Error())
	case errors.As(err, &noSnap):
		httpserver.WriteError(w, r, http.StatusNotFound, "no_snapshot_found", noSnap.Error())
	case errors.As(err, &snapMissing):
		httpserver.WriteError(w, r, http.StatusNotFound, "snapshot_not_found", snapMissing.Error())
	case errors.As(err, &emptySnap):
		httpserver.WriteError(w, r, http.StatusNotFound, "empty_snapshot", emptySnap.Error())
	case errors.Is(err, domain.ErrPipelineStageNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "pipeline_stage_not_found", err.Error())
	case errors.Is(err, domain.ErrEnvironmentNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "environment_not_found", err.Error())
	case errors.Is(err, domain.ErrWorkflowNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "workflow_not_found", err.Error())
	case errors.Is(err, domain.ErrPromotionNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "promotion_not_found", err.Error())
	case errors.Is(err, domain.ErrIncidentNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "incident_not_found", err.Error())
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
	case errors.Is(err, domain.ErrSourceUnavailable):
		httpserver.WriteError(w, r, http.StatusBadGateway, "source_unavailable", err.Error())
	case errors.Is(err, domain.ErrVersionStoreUnavailable):
		httpserver.WriteError(w, r, http.StatusBadGateway, "version_store_unavailable", err.Error())
	case errors.Is(err, repo.ErrConflict):
		httpserver.WriteError(w, r, http.StatusConflict, "conflict", "")
	default:
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func errorBody(r *http.Request, code, message string, extra map[string]any) map[string]any {
	body := map[string]any{"error": code, "message": message}
	if id, ok := requestid.FromContext(r.Context()); ok {
		body["request_id"] = id
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 8<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
