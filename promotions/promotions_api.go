package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/httpserver"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/service/promotions"
)

type decisionRequest struct {
	Comment string `json:"comment,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (api *flowgateAPI) handleInitiatePromotion(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var req promotions.InitiateRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	req.SourceEnvironmentID = strings.TrimSpace(req.SourceEnvironmentID)
	req.TargetEnvironmentID = strings.TrimSpace(req.TargetEnvironmentID)
	if req.SourceEnvironmentID == "" || req.TargetEnvironmentID == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "environments_required", "source_environment_id and target_environment_id are required")
		return
	}
	if req.SourceEnvironmentID == req.TargetEnvironmentID {
		httpserver.WriteError(w, r, http.StatusBadRequest, "environments_must_differ", "")
		return
	}
	req.WorkflowIDs = trimAll(req.WorkflowIDs)

	p, err := api.svc.promotions.Initiate(r.Context(), tc, req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, p)
}

func (api *flowgateAPI) handleListPromotions(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := repo.PromotionFilter{
		TargetEnvironmentID: strings.TrimSpace(q.Get("target_environment_id")),
		Limit:               clampInt(parseIntQuery(r, "limit", 50), 1, 500),
	}
	if status := strings.TrimSpace(q.Get("status")); status != "" {
		filter.Status = domain.NormalizePromotionStatus(status)
		if filter.Status == "" {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_status", "")
			return
		}
	}
	items, err := api.svc.promotions.List(r.Context(), tc, filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"promotions": items})
}

func (api *flowgateAPI) handleGetPromotion(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	p, err := api.svc.promotions.Get(r.Context(), tc, r.PathValue("promotion_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, p)
}

func (api *flowgateAPI) handleApprovePromotion(w http.ResponseWriter, r *http.Request) {
	api.decide(w, r, api.svc.promotions.Approve)
}

func (api *flowgateAPI) handleRejectPromotion(w http.ResponseWriter, r *http.Request) {
	api.decide(w, r, api.svc.promotions.Reject)
}

func (api *flowgateAPI) decide(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, tc domain.TenantContext, id, comment string) (domain.Promotion, error)) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	p, err := apply(r.Context(), tc, r.PathValue("promotion_id"), strings.TrimSpace(req.Comment))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, p)
}

func (api *flowgateAPI) handleCancelPromotion(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	p, err := api.svc.promotions.Cancel(r.Context(), tc, r.PathValue("promotion_id"), strings.TrimSpace(req.Reason))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, p)
}

// handleExecutePromotion returns the failed promotion, rollback outcome
// included, alongside the error when the apply phase fails.
func (api *flowgateAPI) handleExecutePromotion(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	p, err := api.svc.promotions.Execute(r.Context(), tc, r.PathValue("promotion_id"))
	if err != nil {
		if errors.Is(err, domain.ErrPromotionFailed) && p.ID != "" {
			httpserver.WriteJSON(w, http.StatusInternalServerError, errorBody(r, promotionFailureCode(err), err.Error(), map[string]any{
				"promotion": p,
			}))
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, p)
}

func promotionFailureCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrRollbackFailed):
		return "promotion_failed_rollback_failed"
	case errors.Is(err, domain.ErrRollbackPartial):
		return "promotion_failed_rollback_partial"
	default:
		return "promotion_failed"
	}
}

func (api *flowgateAPI) handleRollbackPromotion(w http.ResponseWriter, r *http.Request) {
	tc, ok := api.tenantContext(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	p, err := api.svc.promotions.Rollback(r.Context(), tc, r.PathValue("promotion_id"), strings.TrimSpace(req.Reason))
	if err != nil {
		if (errors.Is(err, domain.ErrRollbackPartial) || errors.Is(err, domain.ErrRollbackFailed)) && p.ID != "" {
			httpserver.WriteJSON(w, http.StatusInternalServerError, errorBody(r, promotionFailureCode(err), err.Error(), map[string]any{
				"promotion": p,
			}))
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, p)
}
