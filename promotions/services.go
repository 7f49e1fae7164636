package main

import (
	"errors"
	"log/slog"
	"time"

	"github.com/animus-labs/flowgate/internal/envlock"
	"github.com/animus-labs/flowgate/internal/platform/auditlog"
	"github.com/animus-labs/flowgate/internal/platform/metrics"
	"github.com/animus-labs/flowgate/internal/platform/policy"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/service/drift"
	"github.com/animus-labs/flowgate/internal/service/mappings"
	"github.com/animus-labs/flowgate/internal/service/promotions"
	"github.com/animus-labs/flowgate/internal/service/snapshots"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

// backends are the collaborators selected by configuration.
type backends struct {
	Stores   repo.Stores
	Sources  workflowsource.Resolver
	Versions versionstore.Store
	Locker   envlock.Locker
	Audit    auditlog.Recorder
	Metrics  *metrics.Metrics
	Policy   policy.Provider
	Now      func() time.Time
}

type services struct {
	snapshots  *snapshots.Service
	drift      *drift.Service
	promotions *promotions.Service
	mappings   *mappings.Service
}

func newServices(logger *slog.Logger, b backends) (*services, error) {
	snaps := snapshots.New(snapshots.Deps{
		Logger:       logger,
		Environments: b.Stores.Environments,
		Snapshots:    b.Stores.Snapshots,
		Sources:      b.Sources,
		Versions:     b.Versions,
		Locker:       b.Locker,
		Audit:        b.Audit,
		Metrics:      b.Metrics,
		Now:          b.Now,
	})
	if snaps == nil {
		return nil, errors.New("snapshot manager: missing dependencies")
	}
	detector := drift.New(drift.Deps{
		Logger:    logger,
		Stores:    b.Stores,
		Sources:   b.Sources,
		Versions:  b.Versions,
		Locker:    b.Locker,
		Snapshots: snaps,
		Audit:     b.Audit,
		Metrics:   b.Metrics,
		Now:       b.Now,
	})
	if detector == nil {
		return nil, errors.New("drift detector: missing dependencies")
	}
	orchestrator := promotions.New(promotions.Deps{
		Logger:    logger,
		Stores:    b.Stores,
		Sources:   b.Sources,
		Versions:  b.Versions,
		Locker:    b.Locker,
		Snapshots: snaps,
		Drift:     detector,
		Policy:    b.Policy,
		Audit:     b.Audit,
		Metrics:   b.Metrics,
		Now:       b.Now,
	})
	if orchestrator == nil {
		return nil, errors.New("promotion orchestrator: missing dependencies")
	}
	resolver := mappings.New(mappings.Deps{
		Logger:   logger,
		Stores:   b.Stores,
		Sources:  b.Sources,
		Versions: b.Versions,
		Audit:    b.Audit,
		Now:      b.Now,
	})
	if resolver == nil {
		return nil, errors.New("mapping resolver: missing dependencies")
	}
	return &services{
		snapshots:  snaps,
		drift:      detector,
		promotions: orchestrator,
		mappings:   resolver,
	}, nil
}
