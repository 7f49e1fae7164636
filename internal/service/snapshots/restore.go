package snapshots

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/compare/diff"
	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/envlock"
	"github.com/animus-labs/flowgate/internal/platform/auditlog"
	"github.com/animus-labs/flowgate/internal/platform/tracing"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

type RestoreRequest struct {
	SnapshotID          string   `json:"snapshot_id"`
	TargetEnvironmentID string   `json:"target_environment_id"`
	DryRun              bool     `json:"dry_run"`
	OverwriteExisting   bool     `json:"overwrite_existing"`
	SkipValidation      bool     `json:"skip_validation"`
	WorkflowIDs         []string `json:"workflow_ids,omitempty"`
	// RemoveWorkflowIDs are target workflows deleted after the apply, used to
	// undo creates made by a failed promotion.
	RemoveWorkflowIDs []string `json:"remove_workflow_ids,omitempty"`
	// RemoveUnknownNamed deletes target workflows that are absent from the
	// snapshot and carry one of these names. It covers creates whose outcome
	// is unknown.
	RemoveUnknownNamed []string `json:"remove_unknown_named,omitempty"`
}

type ItemAction string

const (
	ItemNew       ItemAction = "new"
	ItemUpdated   ItemAction = "updated"
	ItemUnchanged ItemAction = "unchanged"
	ItemSkipped   ItemAction = "skipped"
	ItemRemoved   ItemAction = "removed"
)

type RestoreItem struct {
	WorkflowID       string                  `json:"workflow_id,omitempty"`
	TargetWorkflowID string                  `json:"target_workflow_id,omitempty"`
	Name             string                  `json:"name,omitempty"`
	Action           ItemAction              `json:"action"`
	Applied          bool                    `json:"applied"`
	Changes          map[domain.ChangeOp]int `json:"changes,omitempty"`
	Error            string                  `json:"error,omitempty"`

	payload []byte
}

func (i RestoreItem) Failed() bool { return i.Error != "" }

type RestoreResult struct {
	SnapshotID           string                `json:"snapshot_id"`
	TargetEnvironmentID  string                `json:"target_environment_id"`
	DryRun               bool                  `json:"dry_run"`
	PreRestoreSnapshotID string                `json:"pre_restore_snapshot_id,omitempty"`
	Outcome              domain.RestoreOutcome `json:"outcome"`
	Items                []RestoreItem         `json:"items"`
	Restored             int                   `json:"restored"`
	Removed              int                   `json:"removed"`
	Failed               int                   `json:"failed"`
	Skipped              int                   `json:"skipped"`
}

// Errors lists the per-item failures.
func (r RestoreResult) Errors() []string {
	var out []string
	for _, it := range r.Items {
		if !it.Failed() {
			continue
		}
		label := it.Name
		if label == "" {
			label = it.TargetWorkflowID
		}
		out = append(out, label+": "+it.Error)
	}
	return out
}

// Preview classifies the snapshot against the target without mutating it.
func (s *Service) Preview(ctx context.Context, tc domain.TenantContext, req RestoreRequest) (RestoreResult, error) {
	req.DryRun = true
	return s.Restore(ctx, tc, req)
}

// Restore applies a snapshot to its target environment, by default the
// environment it was captured from.
func (s *Service) Restore(ctx context.Context, tc domain.TenantContext, req RestoreRequest) (result RestoreResult, err error) {
	if err := tc.Validate(); err != nil {
		return RestoreResult{}, err
	}
	snap, doc, err := s.loadForRestore(ctx, tc, req.SnapshotID, false)
	if err != nil {
		return RestoreResult{}, err
	}
	targetID := strings.TrimSpace(req.TargetEnvironmentID)
	if targetID == "" {
		targetID = snap.EnvironmentID
	}
	ctx, span := tracing.Start(ctx, "snapshot.restore", tracing.Tenant(tc.TenantID, targetID)...)
	defer func() { tracing.End(span, err) }()

	_, src, err := s.environmentSource(ctx, tc, targetID)
	if err != nil {
		return RestoreResult{}, err
	}
	if req.DryRun {
		items, _, err := s.plan(ctx, src, doc, req)
		if err != nil {
			return RestoreResult{}, err
		}
		return summarize(snap.ID, targetID, true, items), nil
	}

	lease, err := s.locker.TryAcquire(ctx, tc.TenantID, targetID, "restore:"+snap.ID)
	if err != nil {
		return RestoreResult{}, err
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			s.logger.Warn("release environment lock failed", "environment_id", targetID, "error", rerr)
		}
	}()
	pre, err := s.Create(ctx, tc, targetID, domain.SnapshotPreRestore, "before restore of snapshot "+snap.ID)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("pre-restore snapshot: %w", err)
	}
	result, err = s.applyRestore(ctx, tc, src, snap, doc, targetID, req)
	if err != nil {
		return RestoreResult{}, err
	}
	result.PreRestoreSnapshotID = pre.ID
	return result, nil
}

// RestoreHeld applies a snapshot while the caller holds lease on the target.
// It never captures a pre_restore snapshot and ignores DryRun.
func (s *Service) RestoreHeld(ctx context.Context, tc domain.TenantContext, lease *envlock.Lease, req RestoreRequest) (result RestoreResult, err error) {
	if err := tc.Validate(); err != nil {
		return RestoreResult{}, err
	}
	// An empty snapshot is a valid rollback target.
	snap, doc, err := s.loadForRestore(ctx, tc, req.SnapshotID, true)
	if err != nil {
		return RestoreResult{}, err
	}
	targetID := strings.TrimSpace(req.TargetEnvironmentID)
	if targetID == "" {
		targetID = snap.EnvironmentID
	}
	if !lease.Covers(tc.TenantID, targetID) {
		return RestoreResult{}, fmt.Errorf("lease does not cover environment %s", targetID)
	}
	ctx, span := tracing.Start(ctx, "snapshot.restore", tracing.Tenant(tc.TenantID, targetID)...)
	defer func() { tracing.End(span, err) }()

	_, src, err := s.environmentSource(ctx, tc, targetID)
	if err != nil {
		return RestoreResult{}, err
	}
	return s.applyRestore(ctx, tc, src, snap, doc, targetID, req)
}

func (s *Service) loadForRestore(ctx context.Context, tc domain.TenantContext, snapshotID string, allowEmpty bool) (domain.Snapshot, Document, error) {
	snap, err := s.Get(ctx, tc, snapshotID)
	if err != nil {
		return domain.Snapshot{}, Document{}, err
	}
	doc, err := s.Load(ctx, snap)
	if err != nil {
		return domain.Snapshot{}, Document{}, err
	}
	if len(doc.Workflows) == 0 && !allowEmpty {
		return domain.Snapshot{}, Document{}, &domain.EmptySnapshotError{CommitRef: snap.CommitRef}
	}
	return snap, doc, nil
}

func (s *Service) applyRestore(ctx context.Context, tc domain.TenantContext, src workflowsource.Source, snap domain.Snapshot, doc Document, targetID string, req RestoreRequest) (RestoreResult, error) {
	items, live, err := s.plan(ctx, src, doc, req)
	if err != nil {
		return RestoreResult{}, err
	}
	remove := append(append([]string(nil), req.RemoveWorkflowIDs...), unknownNamed(doc, live, items, req)...)
	for i := range items {
		it := &items[i]
		if it.Failed() || (it.Action != ItemNew && it.Action != ItemUpdated) {
			continue
		}
		payload, err := normalize.WritablePayload(it.payload)
		if err != nil {
			it.Error = err.Error()
			continue
		}
		if it.Action == ItemNew {
			id, err := src.CreateWorkflow(ctx, payload)
			if err != nil {
				it.Error = err.Error()
				continue
			}
			it.TargetWorkflowID = id
		} else if err := src.UpdateWorkflow(ctx, it.TargetWorkflowID, payload); err != nil {
			it.Error = err.Error()
			continue
		}
		it.Applied = true
	}
	for _, id := range remove {
		it := RestoreItem{TargetWorkflowID: id, Action: ItemRemoved}
		err := src.DeleteWorkflow(ctx, id)
		switch {
		case err == nil:
			it.Applied = true
		case errors.Is(err, workflowsource.ErrNotFound):
		default:
			it.Error = err.Error()
		}
		items = append(items, it)
	}

	result := summarize(snap.ID, targetID, false, items)
	auditlog.Emit(ctx, s.logger, s.audit, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		TenantID:     tc.TenantID,
		Actor:        tc.ActorID,
		Action:       "snapshot.restored",
		ResourceType: "snapshot",
		ResourceID:   snap.ID,
		Payload: map[string]any{
			"environment_id": targetID,
			"outcome":        string(result.Outcome),
			"restored":       result.Restored,
			"removed":        result.Removed,
			"failed":         result.Failed,
		},
	})
	s.logger.Info("snapshot restored",
		"tenant_id", tc.TenantID,
		"environment_id", targetID,
		"snapshot_id", snap.ID,
		"outcome", result.Outcome,
		"restored", result.Restored,
		"failed", result.Failed,
	)
	return result, nil
}

// plan classifies each snapshot workflow against the live target. Snapshot
// workflows match target workflows by id, then by unique name.
func (s *Service) plan(ctx context.Context, src workflowsource.Source, doc Document, req RestoreRequest) ([]RestoreItem, []domain.RawWorkflow, error) {
	live, err := src.ListWorkflows(ctx)
	if err != nil {
		return nil, nil, sourceErr("list workflows", err)
	}
	byID := make(map[string]domain.RawWorkflow, len(live))
	byName := map[string][]domain.RawWorkflow{}
	for _, wf := range live {
		byID[wf.ID] = wf
		byName[wf.Name] = append(byName[wf.Name], wf)
	}

	selected := map[string]struct{}{}
	for _, id := range req.WorkflowIDs {
		selected[strings.TrimSpace(id)] = struct{}{}
	}

	var credentials map[string]struct{}
	loadCredentials := func() error {
		if credentials != nil {
			return nil
		}
		creds, err := src.ListCredentials(ctx)
		if err != nil {
			return sourceErr("list credentials", err)
		}
		credentials = make(map[string]struct{}, len(creds))
		for _, c := range creds {
			credentials[c.Key()] = struct{}{}
		}
		return nil
	}

	items := make([]RestoreItem, 0, len(doc.Workflows))
	for _, wf := range doc.Workflows {
		if len(selected) > 0 {
			if _, ok := selected[wf.ID]; !ok {
				continue
			}
		}
		it := RestoreItem{WorkflowID: wf.ID, Name: wf.Name, payload: wf.Payload}
		target, matched := byID[wf.ID]
		if !matched {
			if same := byName[wf.Name]; wf.Name != "" && len(same) == 1 {
				target, matched = same[0], true
			}
		}
		it.Action = ItemNew
		if matched {
			it.Action = ItemUpdated
			it.TargetWorkflowID = target.ID
		}

		norm, perr := s.normalizer.ParseAndNormalize(wf.Payload)
		if perr != nil && !req.SkipValidation {
			it.Error = perr.Error()
			items = append(items, it)
			continue
		}
		if perr == nil && matched {
			if targetNorm, err := s.normalizer.ParseAndNormalize(target.Payload); err == nil {
				if targetNorm.Hash == norm.Hash {
					it.Action = ItemUnchanged
				} else {
					it.Changes = diff.Compute(norm, targetNorm).Summary()
				}
			}
		}
		if it.Action == ItemUpdated && !req.OverwriteExisting {
			it.Action = ItemSkipped
		}
		if !req.SkipValidation && perr == nil && (it.Action == ItemNew || it.Action == ItemUpdated) {
			if keys := norm.Definition.CredentialKeys(); len(keys) > 0 {
				if err := loadCredentials(); err != nil {
					return nil, nil, err
				}
				var missing []string
				for _, k := range keys {
					if _, ok := credentials[k]; !ok {
						missing = append(missing, k)
					}
				}
				if len(missing) > 0 {
					sort.Strings(missing)
					it.Error = "missing credentials in target: " + strings.Join(missing, ", ")
				}
			}
		}
		items = append(items, it)
	}
	return items, live, nil
}

// unknownNamed picks live workflows named in req.RemoveUnknownNamed that the
// snapshot does not hold and no planned item targets.
func unknownNamed(doc Document, live []domain.RawWorkflow, items []RestoreItem, req RestoreRequest) []string {
	if len(req.RemoveUnknownNamed) == 0 {
		return nil
	}
	names := make(map[string]struct{}, len(req.RemoveUnknownNamed))
	for _, n := range req.RemoveUnknownNamed {
		names[strings.TrimSpace(n)] = struct{}{}
	}
	known := make(map[string]struct{}, len(doc.Workflows)+len(items)+len(req.RemoveWorkflowIDs))
	for _, wf := range doc.Workflows {
		known[wf.ID] = struct{}{}
	}
	for _, it := range items {
		if it.TargetWorkflowID != "" {
			known[it.TargetWorkflowID] = struct{}{}
		}
	}
	for _, id := range req.RemoveWorkflowIDs {
		known[id] = struct{}{}
	}
	var out []string
	for _, wf := range live {
		if _, ok := known[wf.ID]; ok {
			continue
		}
		if _, ok := names[strings.TrimSpace(wf.Name)]; ok {
			out = append(out, wf.ID)
		}
	}
	return out
}

func summarize(snapshotID, targetID string, dryRun bool, items []RestoreItem) RestoreResult {
	r := RestoreResult{SnapshotID: snapshotID, TargetEnvironmentID: targetID, DryRun: dryRun, Items: items}
	succeeded := 0
	for _, it := range items {
		switch {
		case it.Failed():
			r.Failed++
		case it.Action == ItemSkipped:
			r.Skipped++
		case it.Action == ItemRemoved:
			if it.Applied {
				r.Removed++
			}
			succeeded++
		case it.Action == ItemNew || it.Action == ItemUpdated:
			if it.Applied {
				r.Restored++
			}
			succeeded++
		}
	}
	switch {
	case r.Failed == 0:
		r.Outcome = domain.RestoreSuccess
	case succeeded > 0:
		r.Outcome = domain.RestorePartial
	default:
		r.Outcome = domain.RestoreFailed
	}
	return r
}

// Record converts a result into the rollback record kept on a promotion.
func (r RestoreResult) Record(at time.Time) domain.RollbackRecord {
	return domain.RollbackRecord{
		SnapshotID: r.SnapshotID,
		Outcome:    r.Outcome,
		Restored:   r.Restored,
		Removed:    r.Removed,
		Failed:     r.Failed,
		Errors:     r.Errors(),
		At:         at,
	}
}
