// Package bootstrap applies a declarative YAML file of tenant environments,
// pipeline stages and drift policies through the repositories.
//
// Applying a file is idempotent. Environments are upserted by id, stages by
// id, and a tenant drift policy starts from the defaults and overrides only
// the keys present in the file. An environment whose class would change is
// refused while stages depend on it, unless the entry sets revalidate: true.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

const SchemaV1 = "flowgate.bootstrap.v1"

type File struct {
	Schema  string   `yaml:"schema"`
	Tenants []Tenant `yaml:"tenants"`
}

type Tenant struct {
	ID           string        `yaml:"id"`
	Environments []Environment `yaml:"environments"`
	Stages       []Stage       `yaml:"stages"`
	DriftPolicy  *DriftPolicy  `yaml:"drift_policy,omitempty"`
}

type Environment struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name,omitempty"`
	Class           string `yaml:"class"`
	SourceURL       string `yaml:"source_url,omitempty"`
	SourceAPIKeyEnv string `yaml:"source_api_key_env,omitempty"`
	Revalidate      bool   `yaml:"revalidate,omitempty"`
}

type Stage struct {
	ID                   string    `yaml:"id,omitempty"`
	Pipeline             string    `yaml:"pipeline,omitempty"`
	Name                 string    `yaml:"name,omitempty"`
	Source               string    `yaml:"source"`
	Target               string    `yaml:"target"`
	RequireApproval      bool      `yaml:"require_approval,omitempty"`
	RequireDriftClean    bool      `yaml:"require_drift_clean,omitempty"`
	RequireCredentials   bool      `yaml:"require_credentials,omitempty"`
	AllowHotfixOverwrite bool      `yaml:"allow_hotfix_overwrite,omitempty"`
	Schedule             *Schedule `yaml:"schedule,omitempty"`
}

type Schedule struct {
	Days      []string `yaml:"days,omitempty"`
	StartHour int      `yaml:"start_hour"`
	EndHour   int      `yaml:"end_hour"`
	Timezone  string   `yaml:"timezone,omitempty"`
}

type DriftPolicy struct {
	TTL                     map[string]time.Duration `yaml:"ttl,omitempty"`
	BlockPromotionsOnBreach *bool                    `yaml:"block_promotions_on_breach,omitempty"`
	AutoResolveWhenClean    *bool                    `yaml:"auto_resolve_when_clean,omitempty"`
}

// Result counts what Apply wrote.
type Result struct {
	Environments int
	Stages       int
	Policies     int
}

func Parse(input []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode bootstrap file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func LoadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read bootstrap file: %w", err)
	}
	return Parse(raw)
}

func (f File) Validate() error {
	if strings.TrimSpace(f.Schema) != SchemaV1 {
		return fmt.Errorf("bootstrap schema must be %s", SchemaV1)
	}
	seen := map[string]struct{}{}
	for i, t := range f.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("tenants[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("tenant %s declared twice", id)
		}
		seen[id] = struct{}{}
		if err := t.validate(); err != nil {
			return fmt.Errorf("tenant %s: %w", id, err)
		}
	}
	return nil
}

func (t Tenant) validate() error {
	envs := map[string]struct{}{}
	for i, e := range t.Environments {
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("environments[%d].id is required", i)
		}
		if domain.NormalizeEnvironmentClass(e.Class) == "" {
			return fmt.Errorf("environment %s: class %q is invalid", e.ID, e.Class)
		}
		envs[e.ID] = struct{}{}
	}
	for i, s := range t.Stages {
		if strings.TrimSpace(s.Source) == "" || strings.TrimSpace(s.Target) == "" {
			return fmt.Errorf("stages[%d]: source and target are required", i)
		}
		if s.Source == s.Target {
			return fmt.Errorf("stages[%d]: source and target must differ", i)
		}
		if s.Schedule != nil {
			w, err := s.Schedule.window()
			if err != nil {
				return fmt.Errorf("stages[%d]: %w", i, err)
			}
			if err := w.Validate(); err != nil {
				return fmt.Errorf("stages[%d]: %w", i, err)
			}
		}
	}
	if t.DriftPolicy != nil {
		for sev, ttl := range t.DriftPolicy.TTL {
			if domain.NormalizeSeverity(sev) == "" {
				return fmt.Errorf("drift_policy.ttl: unknown severity %q", sev)
			}
			if ttl <= 0 {
				return fmt.Errorf("drift_policy.ttl.%s must be positive", sev)
			}
		}
	}
	return nil
}

func (s Schedule) window() (domain.ScheduleWindow, error) {
	w := domain.ScheduleWindow{StartHour: s.StartHour, EndHour: s.EndHour, Timezone: strings.TrimSpace(s.Timezone)}
	for _, d := range s.Days {
		day, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return domain.ScheduleWindow{}, fmt.Errorf("schedule day %q is invalid", d)
		}
		w.Days = append(w.Days, day)
	}
	return w, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// Apply writes f through stores. Tenants are applied in file order and the
// first error stops the run; earlier tenants stay applied.
func Apply(ctx context.Context, logger *slog.Logger, stores repo.Stores, f File) (Result, error) {
	if stores.Environments == nil || stores.Stages == nil || stores.DriftPolicies == nil {
		return Result{}, errors.New("bootstrap requires environment, stage and drift policy stores")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var res Result
	for _, t := range f.Tenants {
		tenantID := strings.TrimSpace(t.ID)
		if err := applyEnvironments(ctx, stores, tenantID, t.Environments, &res); err != nil {
			return res, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		if err := applyStages(ctx, stores, tenantID, t.Stages, &res); err != nil {
			return res, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		if t.DriftPolicy != nil {
			if err := stores.DriftPolicies.UpsertDriftPolicy(ctx, t.DriftPolicy.resolve(tenantID)); err != nil {
				return res, fmt.Errorf("tenant %s: upsert drift policy: %w", tenantID, err)
			}
			res.Policies++
		}
		logger.Info("bootstrap applied",
			"tenant_id", tenantID,
			"environments", len(t.Environments),
			"stages", len(t.Stages),
			"drift_policy", t.DriftPolicy != nil,
		)
	}
	return res, nil
}

func applyEnvironments(ctx context.Context, stores repo.Stores, tenantID string, envs []Environment, res *Result) error {
	if len(envs) == 0 {
		return nil
	}
	stages, err := stores.Stages.ListStages(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}
	for _, e := range envs {
		after := domain.Environment{
			ID:              strings.TrimSpace(e.ID),
			TenantID:        tenantID,
			Name:            strings.TrimSpace(e.Name),
			Class:           domain.NormalizeEnvironmentClass(e.Class),
			SourceURL:       strings.TrimSpace(e.SourceURL),
			SourceAPIKeyEnv: strings.TrimSpace(e.SourceAPIKeyEnv),
		}
		if after.Name == "" {
			after.Name = after.ID
		}
		before, err := stores.Environments.GetEnvironment(ctx, tenantID, after.ID)
		switch {
		case err == nil:
			after.CreatedAt = before.CreatedAt
			if err := domain.EnsureEnvironmentClassChange(before, after, dependentStages(stages, after.ID), e.Revalidate); err != nil {
				return err
			}
		case !errors.Is(err, repo.ErrNotFound):
			return fmt.Errorf("get environment %s: %w", after.ID, err)
		}
		if err := stores.Environments.UpsertEnvironment(ctx, after); err != nil {
			return fmt.Errorf("upsert environment %s: %w", after.ID, err)
		}
		res.Environments++
	}
	return nil
}

func applyStages(ctx context.Context, stores repo.Stores, tenantID string, stages []Stage, res *Result) error {
	for _, s := range stages {
		for _, envID := range []string{s.Source, s.Target} {
			if _, err := stores.Environments.GetEnvironment(ctx, tenantID, envID); err != nil {
				return fmt.Errorf("stage %s -> %s: environment %s: %w", s.Source, s.Target, envID, err)
			}
		}
		stage := domain.PipelineStage{
			ID:                   strings.TrimSpace(s.ID),
			TenantID:             tenantID,
			PipelineID:           strings.TrimSpace(s.Pipeline),
			Name:                 strings.TrimSpace(s.Name),
			SourceEnvironmentID:  strings.TrimSpace(s.Source),
			TargetEnvironmentID:  strings.TrimSpace(s.Target),
			RequireApproval:      s.RequireApproval,
			RequireDriftClean:    s.RequireDriftClean,
			RequireCredentials:   s.RequireCredentials,
			AllowHotfixOverwrite: s.AllowHotfixOverwrite,
		}
		if stage.ID == "" {
			stage.ID = stage.SourceEnvironmentID + "-" + stage.TargetEnvironmentID
		}
		if stage.PipelineID == "" {
			stage.PipelineID = "default"
		}
		if stage.Name == "" {
			stage.Name = stage.ID
		}
		if s.Schedule != nil {
			w, err := s.Schedule.window()
			if err != nil {
				return err
			}
			stage.ScheduleWindow = &w
		}
		if err := stores.Stages.UpsertStage(ctx, stage); err != nil {
			return fmt.Errorf("upsert stage %s: %w", stage.ID, err)
		}
		res.Stages++
	}
	return nil
}

func dependentStages(stages []domain.PipelineStage, envID string) int {
	n := 0
	for _, s := range stages {
		if s.SourceEnvironmentID == envID || s.TargetEnvironmentID == envID {
			n++
		}
	}
	return n
}

func (p DriftPolicy) resolve(tenantID string) domain.DriftPolicy {
	out := domain.DefaultDriftPolicy(tenantID)
	for sev, ttl := range p.TTL {
		out.TTL[domain.NormalizeSeverity(sev)] = ttl
	}
	if p.BlockPromotionsOnBreach != nil {
		out.BlockPromotionsOnBreach = *p.BlockPromotionsOnBreach
	}
	if p.AutoResolveWhenClean != nil {
		out.AutoResolveWhenClean = *p.AutoResolveWhenClean
	}
	return out
}
