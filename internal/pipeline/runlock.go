package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medclare/medclare/internal/platform/apperr"
)

// RunLocker grants at most one active pipeline run per report. TryAcquire
// never waits: a held lock is a ConflictError.
type RunLocker interface {
	TryAcquire(ctx context.Context, reportID uuid.UUID) (release func(), err error)
}

func runConflict(reportID uuid.UUID) error {
	return apperr.Conflict("process", fmt.Sprintf("a pipeline run for report %s is already active", reportID))
}

// MemoryRunLocker is a RunLocker for a single process.
type MemoryRunLocker struct {
	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

func NewMemoryRunLocker() *MemoryRunLocker {
	return &MemoryRunLocker{active: make(map[uuid.UUID]struct{})}
}

func (l *MemoryRunLocker) TryAcquire(_ context.Context, reportID uuid.UUID) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[reportID]; busy {
		return nil, runConflict(reportID)
	}
	l.active[reportID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, reportID)
			l.mu.Unlock()
		})
	}, nil
}

// PGAdvisoryRunLocker holds a session advisory lock on a dedicated pool
// connection for the length of a run, so runs are exclusive across
// replicas sharing the database.
type PGAdvisoryRunLocker struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPGAdvisoryRunLocker(pool *pgxpool.Pool, logger zerolog.Logger) *PGAdvisoryRunLocker {
	return &PGAdvisoryRunLocker{pool: pool, logger: logger}
}

const unlockTimeout = 5 * time.Second

func (l *PGAdvisoryRunLocker) TryAcquire(ctx context.Context, reportID uuid.UUID) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	key := reportID.String()
	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtextextended($1, 0))", key).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, runConflict(reportID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if _, err := conn.Exec(uctx, "SELECT pg_advisory_unlock(hashtextextended($1, 0))", key); err != nil {
				// A session lock dies with its connection.
				l.logger.Warn().Err(err).Str("report_id", key).Msg("advisory unlock failed, closing connection")
				_ = conn.Conn().Close(uctx)
			}
			conn.Release()
		})
	}, nil
}
