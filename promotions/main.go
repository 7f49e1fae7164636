package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/flowgate/internal/bootstrap"
	"github.com/animus-labs/flowgate/internal/envlock"
	"github.com/animus-labs/flowgate/internal/platform/auditlog"
	"github.com/animus-labs/flowgate/internal/platform/env"
	"github.com/animus-labs/flowgate/internal/platform/httpserver"
	"github.com/animus-labs/flowgate/internal/platform/metrics"
	"github.com/animus-labs/flowgate/internal/platform/objectstore"
	"github.com/animus-labs/flowgate/internal/platform/policy"
	"github.com/animus-labs/flowgate/internal/platform/postgres"
	"github.com/animus-labs/flowgate/internal/platform/tenant"
	"github.com/animus-labs/flowgate/internal/platform/tracing"
	"github.com/animus-labs/flowgate/internal/repo/memory"
	repopg "github.com/animus-labs/flowgate/internal/repo/postgres"
	"github.com/animus-labs/flowgate/internal/service/drift"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
	"github.com/minio/minio-go/v7"
)

const serviceName = "promotions"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid server config", "error", err)
		os.Exit(2)
	}
	tenantCfg, err := tenant.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}
	if tenantCfg.Trust {
		logger.Warn("FLOWGATE_INTERNAL_AUTH_SECRET not set; trusting identity headers")
	}

	traceCfg, err := tracing.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid tracing config", "error", err)
		os.Exit(2)
	}
	shutdownTracing, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Error("tracing unavailable", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	m := metrics.New()
	b := backends{Metrics: m}
	var checks []httpserver.ReadinessCheck

	// State store and audit sink.
	var db *sql.DB
	switch backend := strings.ToLower(env.String("FLOWGATE_STATE_BACKEND", "postgres")); backend {
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if dbCfg.AutoMigrate {
			if err := repopg.Migrate(ctx, db); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
		}
		b.Stores = repopg.NewStores(db)
		b.Audit = auditlog.NewSQLRecorder(db)
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				return postgres.Ping(ctx, db, dbCfg.PingTimeout)
			},
		})
	case "memory":
		logger.Warn("using in-memory state; nothing survives a restart")
		b.Stores = memory.New().Stores()
		b.Audit = auditlog.NewMemoryRecorder()
	default:
		logger.Error("invalid env", "key", "FLOWGATE_STATE_BACKEND", "value", backend)
		os.Exit(2)
	}

	// Version store holding canonical definitions and snapshot documents.
	switch backend := strings.ToLower(env.String("FLOWGATE_VERSION_STORE", "minio")); backend {
	case "minio":
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		client, err := openVersionBucket(ctx, storeCfg)
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		store, err := versionstore.NewMinioStore(client, storeCfg.BucketVersions, storeCfg.RequestTimeout)
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		b.Versions = store
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				return objectstore.CheckBucket(ctx, client, storeCfg)
			},
		})
	case "memory":
		b.Versions = versionstore.NewMemoryStore()
	default:
		logger.Error("invalid env", "key", "FLOWGATE_VERSION_STORE", "value", backend)
		os.Exit(2)
	}

	// Per-environment lock.
	switch backend := strings.ToLower(env.String("FLOWGATE_ENV_LOCK", "postgres")); backend {
	case "postgres":
		if db == nil {
			logger.Error("invalid env", "key", "FLOWGATE_ENV_LOCK", "error", "postgres lock requires FLOWGATE_STATE_BACKEND=postgres")
			os.Exit(2)
		}
		lockTimeout, err := env.Duration("FLOWGATE_ENV_LOCK_TIMEOUT", 5*time.Second)
		if err != nil {
			logger.Error("invalid env", "error", err)
			os.Exit(2)
		}
		b.Locker = envlock.Instrument(envlock.NewPostgresLocker(db, lockTimeout), m.LockContended)
	case "memory":
		b.Locker = envlock.Instrument(envlock.NewMemoryLocker(), m.LockContended)
	default:
		logger.Error("invalid env", "key", "FLOWGATE_ENV_LOCK", "value", backend)
		os.Exit(2)
	}

	sourceOpts, err := sourceOptionsFromEnv(m)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	b.Sources = workflowsource.NewHTTPResolver(sourceOpts)

	if path := strings.TrimSpace(env.String("FLOWGATE_GATE_POLICY_FILE", "")); path != "" {
		w, err := policy.NewWatcher(logger, path)
		if err != nil {
			logger.Error("invalid gate policy", "path", path, "error", err)
			os.Exit(2)
		}
		go w.Run(ctx)
		b.Policy = w
	} else {
		b.Policy = policy.Static(nil)
	}

	if path := strings.TrimSpace(env.String("FLOWGATE_BOOTSTRAP_FILE", "")); path != "" {
		file, err := bootstrap.LoadFile(path)
		if err != nil {
			logger.Error("invalid bootstrap file", "path", path, "error", err)
			os.Exit(2)
		}
		if _, err := bootstrap.Apply(ctx, logger, b.Stores, file); err != nil {
			logger.Error("bootstrap failed", "path", path, "error", err)
			os.Exit(1)
		}
	}

	svc, err := newServices(logger, b)
	if err != nil {
		logger.Error("service wiring failed", "error", err)
		os.Exit(1)
	}

	scheduler, err := startDriftScheduler(ctx, logger, svc.drift, b)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, serverCfg.ReadyTimeout, checks...))
	mux.Handle("/metrics", m.Handler())

	api := newFlowgateAPI(logger, svc)
	api.register(mux)

	handler := tenant.Middleware{
		Logger:       logger,
		Config:       tenantCfg,
		Audit:        auditlog.DenyRecorder(b.Audit, serviceName),
		SkipPrefixes: []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(mux)

	err = httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, serviceName, handler))
	if scheduler != nil {
		scheduler.Stop()
	}
	svc.mappings.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func openVersionBucket(ctx context.Context, cfg objectstore.Config) (*minio.Client, error) {
	client, err := objectstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := objectstore.EnsureBucket(ctx, client, cfg); err != nil {
		return nil, err
	}
	return client, nil
}

func sourceOptionsFromEnv(m *metrics.Metrics) (workflowsource.HTTPClientOptions, error) {
	timeout, err := env.Duration("FLOWGATE_SOURCE_TIMEOUT", 15*time.Second)
	if err != nil {
		return workflowsource.HTTPClientOptions{}, err
	}
	rateLimit, err := env.Float("FLOWGATE_SOURCE_RATE_LIMIT", 10)
	if err != nil {
		return workflowsource.HTTPClientOptions{}, err
	}
	burst, err := env.Int("FLOWGATE_SOURCE_BURST", 5)
	if err != nil {
		return workflowsource.HTTPClientOptions{}, err
	}
	retries, err := env.Int("FLOWGATE_SOURCE_MAX_RETRIES", 3)
	if err != nil {
		return workflowsource.HTTPClientOptions{}, err
	}
	return workflowsource.HTTPClientOptions{
		Timeout:    timeout,
		RateLimit:  rateLimit,
		Burst:      burst,
		MaxRetries: retries,
		UserAgent:  "flowgate-" + serviceName,
		Observe:    m.SourceRequest,
	}, nil
}

// startDriftScheduler returns nil when scheduled detection is disabled.
func startDriftScheduler(ctx context.Context, logger *slog.Logger, detector *drift.Service, b backends) (*drift.Scheduler, error) {
	enabled, err := env.Bool("FLOWGATE_DRIFT_SCHEDULE_ENABLED", true)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}
	interval, err := env.Duration("FLOWGATE_DRIFT_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	concurrency, err := env.Int("FLOWGATE_DRIFT_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	s := drift.NewScheduler(logger, detector, b.Stores.Environments, drift.SchedulerConfig{
		Interval:    interval,
		Concurrency: concurrency,
	})
	if s == nil {
		return nil, errors.New("drift scheduler: missing dependencies")
	}
	s.Start(ctx)
	go func() {
		for r := range s.Reports() {
			if r.Error != "" {
				logger.Warn("scheduled drift check failed", "tenant_id", r.TenantID, "environment_id", r.EnvironmentID, "error", r.Error)
				continue
			}
			if r.Drifted > 0 || r.Missing > 0 {
				logger.Info("scheduled drift check", "tenant_id", r.TenantID, "environment_id", r.EnvironmentID,
					"status", r.Status, "drifted", r.Drifted, "missing", r.Missing, "opened", len(r.Opened))
			}
		}
	}()
	return s, nil
}
