// Package envlock serializes mutating operations per target environment.
// Acquisition never waits: a held lock fails with domain.ErrEnvironmentLocked.
package envlock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
)

type Locker interface {
	TryAcquire(ctx context.Context, tenantID, envID, holder string) (*Lease, error)
}

// Lease is proof of holding an environment lock. Release is idempotent.
type Lease struct {
	TenantID      string
	EnvironmentID string
	Holder        string
	AcquiredAt    time.Time

	once    sync.Once
	release func(context.Context) error
	err     error
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if l.release != nil {
			l.err = l.release(ctx)
		}
	})
	return l.err
}

// Covers reports whether the lease locks envID for tenantID.
func (l *Lease) Covers(tenantID, envID string) bool {
	return l != nil && l.TenantID == tenantID && l.EnvironmentID == envID
}

func lockedError(envID, holder string) error {
	if holder != "" {
		return fmt.Errorf("%w: environment %s is held by %s", domain.ErrEnvironmentLocked, envID, holder)
	}
	return fmt.Errorf("%w: environment %s", domain.ErrEnvironmentLocked, envID)
}

func validate(tenantID, envID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(envID) == "" {
		return fmt.Errorf("environment id is required")
	}
	return nil
}

type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]string
	now  func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]string{}, now: time.Now}
}

func (m *MemoryLocker) TryAcquire(_ context.Context, tenantID, envID, holder string) (*Lease, error) {
	if err := validate(tenantID, envID); err != nil {
		return nil, err
	}
	k := tenantID + "/" + envID
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.held[k]; ok {
		return nil, lockedError(envID, current)
	}
	m.held[k] = holder
	return &Lease{
		TenantID:      tenantID,
		EnvironmentID: envID,
		Holder:        holder,
		AcquiredAt:    m.now().UTC(),
		release: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.held, k)
			return nil
		},
	}, nil
}

// Held reports whether the environment is currently locked.
func (m *MemoryLocker) Held(tenantID, envID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[tenantID+"/"+envID]
	return ok
}

// Instrument calls onContended each time an acquisition is refused.
func Instrument(l Locker, onContended func()) Locker {
	if onContended == nil {
		return l
	}
	return instrumented{next: l, onContended: onContended}
}

type instrumented struct {
	next        Locker
	onContended func()
}

func (i instrumented) TryAcquire(ctx context.Context, tenantID, envID, holder string) (*Lease, error) {
	lease, err := i.next.TryAcquire(ctx, tenantID, envID, holder)
	if err != nil && isLocked(err) {
		i.onContended()
	}
	return lease, err
}
