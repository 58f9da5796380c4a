package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/store"
)

// Locker implements store.Locker with session-level advisory locks. Each
// held lock pins one pool connection until released.
type Locker struct {
	pool *pgxpool.Pool
}

// NewLocker creates a Locker using pool.
func NewLocker(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// TryLock implements store.Locker.
func (l *Locker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("TryLock: acquiring connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("TryLock: %s: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	log := logger.FromContext(ctx)
	released := false
	release := func() {
		if released {
			return
		}
		released = true

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			log.Warn().Err(err).Str("lock", key).Msg("failed to release advisory lock")
			// the session still holds the lock, drop the connection
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}
	return release, true, nil
}

// Ensure Locker implements store.Locker.
var _ store.Locker = (*Locker)(nil)
