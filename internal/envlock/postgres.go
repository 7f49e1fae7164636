package envlock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
)

// ConnPool hands out dedicated connections; *sql.DB satisfies it.
type ConnPool interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

const (
	tryAdvisoryLockQuery = `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`
	advisoryUnlockQuery  = `SELECT pg_advisory_unlock(hashtextextended($1, 0))`
)

// PostgresLocker takes a session advisory lock keyed by tenant and
// environment. The lock lives on a pinned connection for the lease's
// lifetime, so it is released by the server if the process dies.
type PostgresLocker struct {
	pool    ConnPool
	timeout time.Duration
}

func NewPostgresLocker(pool ConnPool, timeout time.Duration) *PostgresLocker {
	if pool == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresLocker{pool: pool, timeout: timeout}
}

func advisoryKey(tenantID, envID string) string {
	return "flowgate/envlock/" + tenantID + "/" + envID
}

func (p *PostgresLocker) TryAcquire(ctx context.Context, tenantID, envID, holder string) (*Lease, error) {
	if p == nil || p.pool == nil {
		return nil, fmt.Errorf("postgres locker not initialized")
	}
	if err := validate(tenantID, envID); err != nil {
		return nil, err
	}
	key := advisoryKey(tenantID, envID)

	acquireCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.pool.Conn(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(acquireCtx, tryAdvisoryLockQuery, key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, lockedError(envID, "")
	}
	return &Lease{
		TenantID:      tenantID,
		EnvironmentID: envID,
		Holder:        holder,
		AcquiredAt:    time.Now().UTC(),
		release: func(ctx context.Context) error {
			defer conn.Close()
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
			defer cancel()
			var released bool
			if err := conn.QueryRowContext(releaseCtx, advisoryUnlockQuery, key).Scan(&released); err != nil {
				// Discarding the session drops the lock server side.
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
				return fmt.Errorf("advisory unlock: %w", err)
			}
			return nil
		},
	}, nil
}

func isLocked(err error) bool {
	return errors.Is(err, domain.ErrEnvironmentLocked)
}
