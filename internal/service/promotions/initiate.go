package promotions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/compare/diff"
	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/compare/risk"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/policy"
	"github.com/animus-labs/flowgate/internal/platform/tracing"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

const (
	GateStage       = "stage"
	GateDrift       = "drift"
	GatePlan        = "plan"
	GateCredentials = "credentials"
	GateSchedule    = "schedule_window"
	GatePolicy      = "policy"
)

type InitiateRequest struct {
	SourceEnvironmentID string   `json:"source_environment_id"`
	TargetEnvironmentID string   `json:"target_environment_id"`
	WorkflowIDs         []string `json:"workflow_ids,omitempty"`
	Reason              string   `json:"reason,omitempty"`
}

// Initiate plans a promotion and evaluates its gates. Nothing is persisted
// when a gate fails.
func (s *Service) Initiate(ctx context.Context, tc domain.TenantContext, req InitiateRequest) (p domain.Promotion, err error) {
	if err := tc.Validate(); err != nil {
		return domain.Promotion{}, err
	}
	sourceID := strings.TrimSpace(req.SourceEnvironmentID)
	targetID := strings.TrimSpace(req.TargetEnvironmentID)
	if sourceID == "" || targetID == "" {
		return domain.Promotion{}, errors.New("source and target environment ids are required")
	}
	if sourceID == targetID {
		return domain.Promotion{}, errors.New("source and target environments must differ")
	}
	ctx, span := tracing.Start(ctx, "promotion.initiate", tracing.Tenant(tc.TenantID, targetID)...)
	defer func() { tracing.End(span, err) }()

	stage, err := s.stages.GetStageByEnvironments(ctx, tc.TenantID, sourceID, targetID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Promotion{}, fmt.Errorf("%w: %s -> %s", domain.ErrPipelineStageNotFound, sourceID, targetID)
	}
	if err != nil {
		return domain.Promotion{}, fmt.Errorf("get stage: %w", err)
	}
	sourceEnv, err := s.environment(ctx, tc, sourceID)
	if err != nil {
		return domain.Promotion{}, err
	}
	targetEnv, err := s.environment(ctx, tc, targetID)
	if err != nil {
		return domain.Promotion{}, err
	}
	sourceSrc, err := s.source(ctx, sourceEnv)
	if err != nil {
		return domain.Promotion{}, err
	}
	targetSrc, err := s.source(ctx, targetEnv)
	if err != nil {
		return domain.Promotion{}, err
	}

	now := s.now().UTC()
	workflows, err := s.plan(ctx, tc, stage, sourceSrc, targetSrc, req.WorkflowIDs)
	if err != nil {
		return domain.Promotion{}, err
	}

	gates := []domain.GateResult{{Name: GateStage, Passed: true, Detail: stage.Name}}
	exposure, err := s.drift.BlockingIncidents(ctx, tc, targetEnv.ID, canonicalIDs(workflows), now)
	if err != nil {
		return domain.Promotion{}, fmt.Errorf("drift gate: %w", err)
	}
	if len(exposure.Blocking) > 0 {
		ids := make([]string, 0, len(exposure.Blocking))
		for _, inc := range exposure.Blocking {
			ids = append(ids, inc.ID)
		}
		return domain.Promotion{}, &domain.DriftBlockError{EnvironmentID: targetEnv.ID, IncidentIDs: ids}
	}
	driftGate := domain.GateResult{Name: GateDrift, Passed: true}
	if stage.RequireDriftClean && len(exposure.Active) > 0 {
		driftGate.Passed = false
		driftGate.Detail = fmt.Sprintf("%d active drift incident(s) on selected workflows", len(exposure.Active))
	}
	gates = append(gates, driftGate, planGate(workflows))

	if stage.RequireCredentials {
		g, err := credentialGate(ctx, targetSrc, workflows)
		if err != nil {
			return domain.Promotion{}, err
		}
		gates = append(gates, g)
	}
	if w := stage.ScheduleWindow; w != nil {
		g := domain.GateResult{Name: GateSchedule, Passed: w.Contains(now)}
		if !g.Passed {
			g.Detail = fmt.Sprintf("outside schedule window %02d:00-%02d:00 %s", w.StartHour, w.EndHour, w.Timezone)
		}
		gates = append(gates, g)
	}

	overall := overallRisk(workflows)
	decision, err := s.evaluatePolicy(tc, stage, sourceEnv, targetEnv, workflows, overall)
	if err != nil {
		return domain.Promotion{}, err
	}
	policyGate := domain.GateResult{Name: GatePolicy, Passed: decision.Effect != policy.EffectDeny, Detail: decision.String()}
	gates = append(gates, policyGate)

	var failed []domain.GateResult
	for _, g := range gates {
		if !g.Passed {
			failed = append(failed, g)
		}
	}
	if len(failed) > 0 {
		s.logger.Info("promotion gates failed", "tenant_id", tc.TenantID, "stage_id", stage.ID, "failed", len(failed))
		return domain.Promotion{}, &domain.GateError{Failed: failed}
	}

	status := domain.PromotionPending
	if stage.RequireApproval || decision.Effect == policy.EffectRequireApproval {
		status = domain.PromotionPendingApproval
	}
	p = domain.Promotion{
		ID:                  uuid.NewString(),
		TenantID:            tc.TenantID,
		StageID:             stage.ID,
		SourceEnvironmentID: sourceEnv.ID,
		TargetEnvironmentID: targetEnv.ID,
		Status:              status,
		RequestedBy:         tc.ActorID,
		Reason:              strings.TrimSpace(req.Reason),
		Gates:               gates,
		Workflows:           workflows,
		OverallRisk:         overall,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.promotions.CreatePromotion(ctx, p); err != nil {
		return domain.Promotion{}, fmt.Errorf("insert promotion: %w", err)
	}
	s.emit(ctx, tc, p, "promotion.initiated", map[string]any{
		"stage_id":     stage.ID,
		"overall_risk": string(overall),
		"workflows":    len(workflows),
	})
	s.logger.Info("promotion initiated",
		"tenant_id", tc.TenantID,
		"promotion_id", p.ID,
		"source_environment_id", sourceEnv.ID,
		"target_environment_id", targetEnv.ID,
		"status", status,
		"risk", overall,
	)
	return p, nil
}

// plan computes the per-workflow action. Targets are matched through the
// canonical mapping first, then by unique name among unlinked workflows.
func (s *Service) plan(ctx context.Context, tc domain.TenantContext, stage domain.PipelineStage, sourceSrc, targetSrc workflowsource.Source, ids []string) ([]domain.PromotionWorkflow, error) {
	selected, err := selectWorkflows(ctx, sourceSrc, ids)
	if err != nil {
		return nil, err
	}
	live, err := targetSrc.ListWorkflows(ctx)
	if err != nil {
		return nil, sourceErr("list target workflows", err)
	}
	byID := make(map[string]domain.RawWorkflow, len(live))
	byName := map[string][]domain.RawWorkflow{}
	for _, wf := range live {
		byID[wf.ID] = wf
		byName[wf.Name] = append(byName[wf.Name], wf)
	}

	out := make([]domain.PromotionWorkflow, 0, len(selected))
	for _, wf := range selected {
		src, err := s.normalizer.ParseAndNormalize(wf.Payload)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
		}
		item := domain.PromotionWorkflow{
			SourceWorkflowID: wf.ID,
			Name:             src.Name,
			SourceHash:       src.Hash,
			Credentials:      src.Definition.CredentialKeys(),
		}
		if item.Name == "" {
			item.Name = wf.Name
		}

		m, err := s.mappings.GetMappingByWorkflow(ctx, tc.TenantID, stage.SourceEnvironmentID, wf.ID)
		switch {
		case err == nil && m.Status == domain.MapLinked:
			item.CanonicalID = m.CanonicalID
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return nil, fmt.Errorf("get source mapping: %w", err)
		}
		if item.CanonicalID != "" {
			c, err := s.canonical.GetCanonical(ctx, tc.TenantID, item.CanonicalID)
			switch {
			case err == nil:
				item.BaselineHash = c.ContentHash
				item.PreviousCommit = c.CommitRef
				item.PreviousPath = c.VersionPath
			case !errors.Is(err, repo.ErrNotFound):
				return nil, fmt.Errorf("get canonical: %w", err)
			}
		}

		target, targetMap, matched, err := s.matchTarget(ctx, tc, stage.TargetEnvironmentID, item.CanonicalID, item.Name, byID, byName)
		if err != nil {
			return nil, err
		}
		if !matched {
			item.Action = domain.ActionCreate
			item.Changes = diff.Against(src)
		} else {
			item.TargetWorkflowID = target.ID
			tgt, err := s.normalizer.ParseAndNormalize(target.Payload)
			if err != nil {
				return nil, fmt.Errorf("target workflow %s: %w", target.ID, err)
			}
			item.TargetHash = tgt.Hash
			item.Changes = diff.Compute(src, tgt)
			item.Action = domain.ActionUpdate
			if tgt.Hash == src.Hash {
				item.Action = domain.ActionUnchanged
			}
			item.TargetBaselineHash = targetMap.GitContentHash
			item.TargetBaselineCommit = targetMap.BaselineCommitRef
			item.TargetBaselinePath = targetMap.BaselinePath
			baseline := item.BaselineHash
			if targetMap.GitContentHash != "" {
				baseline = targetMap.GitContentHash
			}
			if item.Action == domain.ActionUpdate && baseline != "" && tgt.Hash != baseline && src.Hash != baseline {
				item.Conflict = domain.ConflictTargetHotfix
				if !stage.AllowHotfixOverwrite {
					item.Action = domain.ActionExcluded
				}
			}
		}
		assessment := risk.Classify(item.Changes)
		item.Risk = assessment.Tier
		item.RiskReasons = assessment.Reasons
		out = append(out, item)
	}
	return out, nil
}

func selectWorkflows(ctx context.Context, src workflowsource.Source, ids []string) ([]domain.RawWorkflow, error) {
	if len(ids) == 0 {
		all, err := src.ListWorkflows(ctx)
		if err != nil {
			return nil, sourceErr("list source workflows", err)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		return all, nil
	}
	seen := map[string]struct{}{}
	out := make([]domain.RawWorkflow, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		wf, err := src.GetWorkflow(ctx, id)
		if errors.Is(err, workflowsource.ErrNotFound) {
			return nil, fmt.Errorf("source workflow %s: %w", id, domain.ErrWorkflowNotFound)
		}
		if err != nil {
			return nil, sourceErr("get source workflow", err)
		}
		out = append(out, wf)
	}
	return out, nil
}

func (s *Service) matchTarget(ctx context.Context, tc domain.TenantContext, targetEnvID, canonicalID, name string, byID map[string]domain.RawWorkflow, byName map[string][]domain.RawWorkflow) (domain.RawWorkflow, domain.WorkflowEnvironmentMap, bool, error) {
	if canonicalID != "" {
		maps, err := s.mappings.ListMappings(ctx, repo.MappingFilter{
			TenantID:      tc.TenantID,
			EnvironmentID: targetEnvID,
			CanonicalID:   canonicalID,
			Status:        domain.MapLinked,
		})
		if err != nil {
			return domain.RawWorkflow{}, domain.WorkflowEnvironmentMap{}, false, fmt.Errorf("list target mappings: %w", err)
		}
		for _, m := range maps {
			if wf, ok := byID[m.WorkflowID]; ok {
				return wf, m, true, nil
			}
		}
	}
	same := byName[name]
	if name == "" || len(same) != 1 {
		return domain.RawWorkflow{}, domain.WorkflowEnvironmentMap{}, false, nil
	}
	m, err := s.mappings.GetMappingByWorkflow(ctx, tc.TenantID, targetEnvID, same[0].ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return same[0], domain.WorkflowEnvironmentMap{}, true, nil
	case err != nil:
		return domain.RawWorkflow{}, domain.WorkflowEnvironmentMap{}, false, fmt.Errorf("get target mapping: %w", err)
	case m.Status == domain.MapLinked && m.CanonicalID != canonicalID:
		// Linked to another canonical workflow; promote alongside it.
		return domain.RawWorkflow{}, domain.WorkflowEnvironmentMap{}, false, nil
	}
	return same[0], m, true, nil
}

func planGate(workflows []domain.PromotionWorkflow) domain.GateResult {
	g := domain.GateResult{Name: GatePlan, Passed: true}
	mutating, excluded := 0, 0
	for _, w := range workflows {
		if w.Mutating() {
			mutating++
		}
		if w.Action == domain.ActionExcluded {
			excluded++
		}
	}
	switch {
	case mutating == 0 && excluded > 0:
		g.Passed = false
		g.Detail = fmt.Sprintf("all changed workflows excluded by %s conflicts", domain.ConflictTargetHotfix)
	case mutating == 0:
		g.Passed = false
		g.Detail = "no workflow changes to promote"
	case excluded > 0:
		g.Detail = fmt.Sprintf("%d workflow(s) excluded by %s conflicts", excluded, domain.ConflictTargetHotfix)
	}
	return g
}

func credentialGate(ctx context.Context, target workflowsource.Source, workflows []domain.PromotionWorkflow) (domain.GateResult, error) {
	creds, err := target.ListCredentials(ctx)
	if err != nil {
		return domain.GateResult{}, sourceErr("list target credentials", err)
	}
	have := make(map[string]struct{}, len(creds))
	for _, c := range creds {
		have[c.Key()] = struct{}{}
	}
	missing := map[string]struct{}{}
	for _, w := range workflows {
		if !w.Mutating() {
			continue
		}
		for _, k := range w.Credentials {
			if _, ok := have[k]; !ok {
				missing[k] = struct{}{}
			}
		}
	}
	g := domain.GateResult{Name: GateCredentials, Passed: len(missing) == 0}
	if !g.Passed {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		g.Detail = "missing in target: " + strings.Join(keys, ", ")
	}
	return g, nil
}

func (s *Service) evaluatePolicy(tc domain.TenantContext, stage domain.PipelineStage, source, target domain.Environment, workflows []domain.PromotionWorkflow, overall domain.RiskTier) (policy.Decision, error) {
	spec, ok := s.policy.Current()
	if !ok {
		return policy.Decision{Effect: policy.EffectAllow}, nil
	}
	pc := policy.Context{
		SourceClass: string(source.Class),
		TargetClass: string(target.Class),
		TargetEnvID: target.ID,
		StageName:   stage.Name,
		RiskTier:    string(overall),
		RiskLevel:   overall.Level(),
		ActorID:     tc.ActorID,
		ActorRole:   tc.Role,
	}
	for _, w := range workflows {
		if w.Mutating() {
			pc.WorkflowCount++
		}
		if w.Conflict == domain.ConflictTargetHotfix {
			pc.HotfixCount++
		}
	}
	decision, err := policy.Evaluate(spec, pc)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("evaluate gate policy: %w", err)
	}
	return decision, nil
}

func overallRisk(workflows []domain.PromotionWorkflow) domain.RiskTier {
	tier := domain.RiskLow
	for _, w := range workflows {
		if w.Mutating() {
			tier = domain.MaxRisk(tier, w.Risk)
		}
	}
	return tier
}

func canonicalIDs(workflows []domain.PromotionWorkflow) []string {
	var out []string
	for _, w := range workflows {
		if w.CanonicalID != "" {
			out = append(out, w.CanonicalID)
		}
	}
	return out
}

// sourceDefinition reparses a source workflow at execution time.
func (s *Service) sourceDefinition(raw domain.RawWorkflow) (normalize.Normalized, error) {
	return s.normalizer.ParseAndNormalize(raw.Payload)
}
