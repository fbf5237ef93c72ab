package store

import (
	"context"
	"sync"
	"time"

	"cogkernel/internal/errkind"
)

// advisoryLocks tracks in-process holders. SQLite has no native advisory
// lock primitive; spec.md §5's single-process assumption makes an
// in-process map sufficient for mutual exclusion, backed by the
// advisory_locks table purely for crash visibility (a human inspecting the
// database after a crash can see what was held).
var (
	advisoryMu sync.Mutex
	advisory   = make(map[string]struct{})
)

// AcquireAdvisoryLock takes the named lock, used both for "migrate before
// serving" at startup and for consolidation run fingerprints (C10). Returns
// a release func; callers must call it exactly once.
func (s *Store) AcquireAdvisoryLock(ctx context.Context, name string) (func(), error) {
	const pollInterval = 25 * time.Millisecond

	for {
		advisoryMu.Lock()
		if _, held := advisory[name]; !held {
			advisory[name] = struct{}{}
			advisoryMu.Unlock()

			s.recordLockHolder(ctx, name)
			released := false
			return func() {
				if released {
					return
				}
				released = true
				advisoryMu.Lock()
				delete(advisory, name)
				advisoryMu.Unlock()
				s.clearLockHolder(ctx, name)
			}, nil
		}
		advisoryMu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.ResourceExhausted, "advisory lock busy: "+name, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// TryAcquireAdvisoryLock attempts the lock once, without blocking. Used by
// consolidation to coalesce duplicate triggers for the same fingerprint into
// a single run instead of queueing.
func (s *Store) TryAcquireAdvisoryLock(ctx context.Context, name string) (func(), bool) {
	advisoryMu.Lock()
	if _, held := advisory[name]; held {
		advisoryMu.Unlock()
		return nil, false
	}
	advisory[name] = struct{}{}
	advisoryMu.Unlock()

	s.recordLockHolder(ctx, name)
	released := false
	return func() {
		if released {
			return
		}
		released = true
		advisoryMu.Lock()
		delete(advisory, name)
		advisoryMu.Unlock()
		s.clearLockHolder(ctx, name)
	}, true
}

func (s *Store) recordLockHolder(ctx context.Context, name string) {
	s.db.ExecContext(ctx, `
		INSERT INTO advisory_locks (name, holder) VALUES (?, 'kernel')
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, acquired_at = CURRENT_TIMESTAMP
	`, name)
}

func (s *Store) clearLockHolder(ctx context.Context, name string) {
	s.db.ExecContext(ctx, "DELETE FROM advisory_locks WHERE name = ?", name)
}
