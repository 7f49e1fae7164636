package drift

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
)

const schedulerActor = "system:drift-scheduler"

type SchedulerConfig struct {
	Interval    time.Duration
	Concurrency int
	// ReportBuffer bounds Reports(); reports are dropped when nobody reads.
	ReportBuffer int
}

// Scheduler periodically runs detection over every non-dev environment of
// every tenant.
type Scheduler struct {
	logger      *slog.Logger
	detector    *Service
	envs        repo.EnvironmentRepository
	interval    time.Duration
	concurrency int
	reports     chan Report

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(logger *slog.Logger, detector *Service, envs repo.EnvironmentRepository, cfg SchedulerConfig) *Scheduler {
	if detector == nil || envs == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	buffer := cfg.ReportBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Scheduler{
		logger:      logger,
		detector:    detector,
		envs:        envs,
		interval:    interval,
		concurrency: concurrency,
		reports:     make(chan Report, buffer),
	}
}

// Reports publishes the report of every environment checked.
func (s *Scheduler) Reports() <-chan Report {
	return s.reports
}

// Start launches the loop. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop cancels the loop and waits for the pass in flight to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass over all tenants and returns the reports.
// Failures are logged per environment and never abort the pass.
func (s *Scheduler) RunOnce(ctx context.Context) []Report {
	tenants, err := s.envs.ListTenants(ctx)
	if err != nil {
		s.logger.Error("drift scheduler list tenants failed", "error", err)
		return nil
	}

	var (
		mu  sync.Mutex
		out []Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, tenantID := range tenants {
		tc := domain.SystemActor(tenantID, schedulerActor)
		envs, err := s.envs.ListEnvironments(ctx, repo.EnvironmentFilter{TenantID: tenantID})
		if err != nil {
			s.logger.Error("drift scheduler list environments failed", "tenant_id", tenantID, "error", err)
			continue
		}
		for _, env := range envs {
			if env.Class == domain.EnvironmentDev {
				continue
			}
			g.Go(func() error {
				report, err := s.detector.DetectEnvironment(gctx, tc, env.ID)
				if err != nil {
					s.logger.Error("drift check failed", "tenant_id", tenantID, "environment_id", env.ID, "error", err)
					return nil
				}
				mu.Lock()
				out = append(out, report)
				mu.Unlock()
				s.publish(report)
				return nil
			})
		}
	}
	_ = g.Wait()

	now := s.detector.now().UTC()
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}
		marked, err := s.detector.MarkBreaches(ctx, domain.SystemActor(tenantID, schedulerActor), now)
		if err != nil {
			s.logger.Error("drift scheduler mark breaches failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if len(marked) > 0 {
			s.logger.Warn("drift incidents breached ttl", "tenant_id", tenantID, "count", len(marked))
		}
	}
	return out
}

func (s *Scheduler) publish(r Report) {
	select {
	case s.reports <- r:
	default:
	}
}
