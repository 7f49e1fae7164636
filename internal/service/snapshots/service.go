package snapshots

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/envlock"
	"github.com/animus-labs/flowgate/internal/platform/auditlog"
	"github.com/animus-labs/flowgate/internal/platform/metrics"
	"github.com/animus-labs/flowgate/internal/platform/tracing"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/versionstore"
	"github.com/animus-labs/flowgate/internal/workflowsource"
)

const DocumentSchemaV1 = "flowgate.snapshot.v1"

// Document is the payload committed for each snapshot.
type Document struct {
	Schema        string               `json:"schema"`
	TenantID      string               `json:"tenant_id"`
	EnvironmentID string               `json:"environment_id"`
	CapturedAt    time.Time            `json:"captured_at"`
	Workflows     []domain.RawWorkflow `json:"workflows"`
}

type Deps struct {
	Logger       *slog.Logger
	Environments repo.EnvironmentRepository
	Snapshots    repo.SnapshotRepository
	Sources      workflowsource.Resolver
	Versions     versionstore.Store
	Locker       envlock.Locker
	Audit        auditlog.Recorder
	Metrics      *metrics.Metrics
	Normalizer   *normalize.Normalizer
	Now          func() time.Time
}

type Service struct {
	logger     *slog.Logger
	envs       repo.EnvironmentRepository
	snapshots  repo.SnapshotRepository
	sources    workflowsource.Resolver
	versions   versionstore.Store
	locker     envlock.Locker
	audit      auditlog.Recorder
	metrics    *metrics.Metrics
	normalizer *normalize.Normalizer
	now        func() time.Time
}

func New(d Deps) *Service {
	if d.Environments == nil || d.Snapshots == nil || d.Sources == nil || d.Versions == nil || d.Locker == nil {
		return nil
	}
	s := &Service{
		logger:     d.Logger,
		envs:       d.Environments,
		snapshots:  d.Snapshots,
		sources:    d.Sources,
		versions:   d.Versions,
		locker:     d.Locker,
		audit:      d.Audit,
		metrics:    d.Metrics,
		normalizer: d.Normalizer,
		now:        d.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.normalizer == nil {
		s.normalizer = normalize.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Path is where a snapshot's document is committed.
func Path(tenantID, envID, snapshotID string) string {
	return fmt.Sprintf("tenants/%s/environments/%s/snapshots/%s.json", tenantID, envID, snapshotID)
}

// Create captures every workflow of envID. Nothing is persisted when the
// source cannot be listed or the commit cannot be written.
func (s *Service) Create(ctx context.Context, tc domain.TenantContext, envID string, typ domain.SnapshotType, reason string) (snap domain.Snapshot, err error) {
	if err := tc.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	if typ = domain.NormalizeSnapshotType(string(typ)); typ == "" {
		return domain.Snapshot{}, errors.New("snapshot type is invalid")
	}
	ctx, span := tracing.Start(ctx, "snapshot.create", tracing.Tenant(tc.TenantID, envID)...)
	defer func() { tracing.End(span, err) }()

	env, src, err := s.environmentSource(ctx, tc, envID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	workflows, err := src.ListWorkflows(ctx)
	if err != nil {
		return domain.Snapshot{}, sourceErr("list workflows", err)
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })

	now := s.now().UTC()
	id := uuid.NewString()
	doc := Document{
		Schema:        DocumentSchemaV1,
		TenantID:      tc.TenantID,
		EnvironmentID: env.ID,
		CapturedAt:    now,
		Workflows:     workflows,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	path := Path(tc.TenantID, env.ID, id)
	ref, err := s.versions.WriteCommit(ctx, path, payload)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("commit snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)
	snap = domain.Snapshot{
		ID:            id,
		TenantID:      tc.TenantID,
		EnvironmentID: env.ID,
		Type:          typ,
		CommitRef:     ref,
		Path:          path,
		Actor:         tc.ActorID,
		Reason:        strings.TrimSpace(reason),
		WorkflowCount: len(workflows),
		ContentSHA256: hex.EncodeToString(sum[:]),
		CreatedAt:     now,
	}
	if err := s.snapshots.CreateSnapshot(ctx, snap); err != nil {
		s.logger.Warn("orphaned snapshot commit", "tenant_id", tc.TenantID, "environment_id", env.ID,
			"snapshot_id", id, "commit_ref", ref, "path", path, "error", err)
		return domain.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	s.metrics.Snapshot(string(typ))
	auditlog.Emit(ctx, s.logger, s.audit, auditlog.Event{
		OccurredAt:   now,
		TenantID:     tc.TenantID,
		Actor:        tc.ActorID,
		Action:       "snapshot.created",
		ResourceType: "snapshot",
		ResourceID:   id,
		Payload: map[string]any{
			"environment_id": env.ID,
			"type":           string(typ),
			"commit_ref":     ref,
			"workflow_count": len(workflows),
		},
	})
	s.logger.Info("snapshot created", "tenant_id", tc.TenantID, "environment_id", env.ID, "snapshot_id", id, "type", typ, "workflows", len(workflows))
	return snap, nil
}

// GetLatest returns the newest snapshot of envID, optionally of one type.
func (s *Service) GetLatest(ctx context.Context, tc domain.TenantContext, envID string, typ domain.SnapshotType) (domain.Snapshot, error) {
	if err := tc.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	if typ != "" {
		if typ = domain.NormalizeSnapshotType(string(typ)); typ == "" {
			return domain.Snapshot{}, errors.New("snapshot type is invalid")
		}
	}
	snap, err := s.snapshots.LatestSnapshot(ctx, tc.TenantID, envID, typ)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Snapshot{}, &domain.NoSnapshotError{EnvironmentID: envID, Type: typ}
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func (s *Service) Get(ctx context.Context, tc domain.TenantContext, id string) (domain.Snapshot, error) {
	if err := tc.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := s.snapshots.GetSnapshot(ctx, tc.TenantID, strings.TrimSpace(id))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Snapshot{}, &domain.SnapshotNotFoundError{SnapshotID: id}
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func (s *Service) List(ctx context.Context, tc domain.TenantContext, envID string, limit int) ([]domain.Snapshot, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return s.snapshots.ListSnapshots(ctx, repo.SnapshotFilter{TenantID: tc.TenantID, EnvironmentID: envID, Limit: limit})
}

// Load reads and decodes the committed document of a snapshot.
func (s *Service) Load(ctx context.Context, snap domain.Snapshot) (Document, error) {
	payload, err := s.versions.ReadCommit(ctx, snap.CommitRef, snap.Path)
	if errors.Is(err, versionstore.ErrNotFound) {
		return Document{}, &domain.EmptySnapshotError{CommitRef: snap.CommitRef}
	}
	if err != nil {
		return Document{}, fmt.Errorf("read snapshot commit: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Document{}, fmt.Errorf("decode snapshot %s: %w", snap.ID, err)
	}
	return doc, nil
}

func (s *Service) environmentSource(ctx context.Context, tc domain.TenantContext, envID string) (domain.Environment, workflowsource.Source, error) {
	env, err := s.envs.GetEnvironment(ctx, tc.TenantID, strings.TrimSpace(envID))
	if errors.Is(err, repo.ErrNotFound) || (err == nil && !env.Active()) {
		return domain.Environment{}, nil, fmt.Errorf("%w: %s", domain.ErrEnvironmentNotFound, envID)
	}
	if err != nil {
		return domain.Environment{}, nil, err
	}
	src, err := s.sources.SourceFor(ctx, env)
	if err != nil {
		return domain.Environment{}, nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	return env, src, nil
}

func sourceErr(op string, err error) error {
	if errors.Is(err, domain.ErrSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrSourceUnavailable, op, err)
}
