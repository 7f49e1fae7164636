package mappings

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

type SyncResult struct {
	EnvironmentID string   `json:"environment_id"`
	Linked        int      `json:"linked"`
	AutoLinked    []string `json:"auto_linked,omitempty"`
	Relinked      []string `json:"relinked,omitempty"`
	Unmapped      int      `json:"unmapped"`
	Missing       int      `json:"missing"`
	Ignored       int      `json:"ignored"`
	Malformed     []string `json:"malformed,omitempty"`
}

// Sync reconciles the maps of an environment with its live workflows.
func (s *Service) Sync(ctx context.Context, tc domain.TenantContext, envID string) (SyncResult, error) {
	if err := tc.Validate(); err != nil {
		return SyncResult{}, err
	}
	env, src, err := s.environmentSource(ctx, tc, envID)
	if err != nil {
		return SyncResult{}, err
	}
	live, err := src.ListWorkflows(ctx)
	if err != nil {
		return SyncResult{}, sourceErr("list workflows", err)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	existing, err := s.mappings.ListMappings(ctx, repo.MappingFilter{TenantID: tc.TenantID, EnvironmentID: env.ID})
	if err != nil {
		return SyncResult{}, fmt.Errorf("list mappings: %w", err)
	}
	byWorkflow := make(map[string]domain.WorkflowEnvironmentMap, len(existing))
	linked := map[string]struct{}{}
	for _, m := range existing {
		byWorkflow[m.WorkflowID] = m
		if m.Status == domain.MapLinked {
			linked[m.CanonicalID] = struct{}{}
		}
	}

	now := s.now().UTC()
	res := SyncResult{EnvironmentID: env.ID}
	seen := make(map[string]struct{}, len(live))
	for _, wf := range live {
		seen[wf.ID] = struct{}{}
		m, known := byWorkflow[wf.ID]
		if known && m.Status == domain.MapIgnored {
			res.Ignored++
			continue
		}
		norm, err := s.normalizer.ParseAndNormalize(wf.Payload)
		if err != nil {
			s.logger.Warn("sync skipped malformed workflow", "environment_id", env.ID, "workflow_id", wf.ID, "error", err)
			res.Malformed = append(res.Malformed, wf.ID)
			continue
		}
		if !known {
			m = domain.WorkflowEnvironmentMap{ID: uuid.NewString(), TenantID: tc.TenantID, EnvironmentID: env.ID, WorkflowID: wf.ID}
		}
		m.WorkflowName = norm.Name
		m.EnvContentHash = norm.Hash
		m.LastSyncedAt = now
		m.UpdatedAt = now

		switch {
		case m.Status == domain.MapLinked:
			res.Linked++
		case m.Status == domain.MapMissing && m.CanonicalID != "" && s.usable(ctx, tc, m.CanonicalID):
			m.Status = domain.MapLinked
			linked[m.CanonicalID] = struct{}{}
			res.Relinked = append(res.Relinked, wf.ID)
			res.Linked++
		default:
			c, ok, err := s.uniqueMatch(ctx, tc, norm.Hash, linked)
			if err != nil {
				return SyncResult{}, err
			}
			if ok {
				m.Status = domain.MapLinked
				m.CanonicalID = c.ID
				m.SetBaseline(c.ContentHash, c.CommitRef, c.VersionPath)
				linked[c.ID] = struct{}{}
				res.AutoLinked = append(res.AutoLinked, wf.ID)
				res.Linked++
			} else {
				m.Status = domain.MapUnmapped
				m.CanonicalID = ""
				m.SetBaseline("", "", "")
				res.Unmapped++
			}
		}
		if err := s.mappings.UpsertMapping(ctx, m); err != nil {
			return SyncResult{}, fmt.Errorf("upsert mapping %s: %w", wf.ID, err)
		}
	}

	for _, m := range existing {
		if _, ok := seen[m.WorkflowID]; ok {
			continue
		}
		switch m.Status {
		case domain.MapLinked, domain.MapUnmapped:
			m.Status = domain.MapMissing
			m.EnvContentHash = ""
			m.UpdatedAt = now
			if err := s.mappings.UpsertMapping(ctx, m); err != nil {
				return SyncResult{}, fmt.Errorf("upsert mapping %s: %w", m.WorkflowID, err)
			}
			res.Missing++
		case domain.MapMissing:
			res.Missing++
		case domain.MapIgnored:
			res.Ignored++
		}
	}

	s.emit(ctx, tc, "mapping.synced", "environment", env.ID, map[string]any{
		"linked":      res.Linked,
		"auto_linked": len(res.AutoLinked),
		"unmapped":    res.Unmapped,
		"missing":     res.Missing,
	})
	s.logger.Info("mapping sync",
		"tenant_id", tc.TenantID,
		"environment_id", env.ID,
		"linked", res.Linked,
		"auto_linked", len(res.AutoLinked),
		"unmapped", res.Unmapped,
		"missing", res.Missing,
	)
	return res, nil
}

// uniqueMatch finds the single usable canonical workflow with hash.
func (s *Service) uniqueMatch(ctx context.Context, tc domain.TenantContext, hash string, linked map[string]struct{}) (domain.CanonicalWorkflow, bool, error) {
	candidates, err := s.canonical.ListCanonicalByHash(ctx, tc.TenantID, hash)
	if err != nil {
		return domain.CanonicalWorkflow{}, false, fmt.Errorf("list canonical by hash: %w", err)
	}
	var match []domain.CanonicalWorkflow
	for _, c := range candidates {
		if c.Retired() {
			continue
		}
		if _, taken := linked[c.ID]; taken {
			continue
		}
		match = append(match, c)
	}
	if len(match) != 1 {
		return domain.CanonicalWorkflow{}, false, nil
	}
	return match[0], true, nil
}

// usable reports whether canonicalID exists and is not retired.
func (s *Service) usable(ctx context.Context, tc domain.TenantContext, canonicalID string) bool {
	c, err := s.canonical.GetCanonical(ctx, tc.TenantID, canonicalID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("canonical lookup failed", "canonical_id", canonicalID, "error", err)
		}
		return false
	}
	return !c.Retired()
}
