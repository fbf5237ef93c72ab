// Package store is cogkernel's storage engine (C1): a pooled SQLite
// connection with ACID transactions, FTS5 lexical indexing, sqlite-vec
// approximate-nearest-neighbor search, and idempotent schema migrations.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"cogkernel/internal/config"
	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
)

// Store owns the database handle, the acquire-gated pool, and the advisory
// lock table. Every layer package (episodic, semantic, procedural, ...)
// takes a *Store rather than a raw *sql.DB.
type Store struct {
	db   *sql.DB
	pool *Pool
}

// Open opens (creating if necessary) the SQLite database at cfg.DatabasePath,
// runs migrations under the "schema-migration" advisory lock, and returns a ready
// Store. The engine refuses to serve traffic until migration completes.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on", cfg.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "open sqlite database", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errkind.Wrap(errkind.Internal, "ping sqlite database", err)
	}

	pool, err := newPool(maxOpen, cfg.AcquireTimeout)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, pool: pool}

	if err := s.migrateUnderLock(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryStore).Info("store opened: path=%s max_open=%d max_idle=%d", cfg.DatabasePath, maxOpen, maxIdle)
	return s, nil
}

func (s *Store) migrateUnderLock(ctx context.Context) error {
	release, err := s.AcquireAdvisoryLock(ctx, "schema-migration")
	if err != nil {
		return errkind.Wrap(errkind.ResourceExhausted, "acquire schema migration lock", err)
	}
	defer release()

	return runMigrations(ctx, s.db)
}

// Close releases the database handle. Safe to call once, after every caller
// holding a pooled connection has released it.
func (s *Store) Close() error {
	logging.Get(logging.CategoryStore).Info("store closing")
	return s.db.Close()
}

// Conn represents an acquired, scoped database handle. Use it, then call
// Release — typically via defer — on every exit path including panics.
type Conn struct {
	DB *sql.DB
	release func()
}

// Release returns the logical slot to the pool. Idempotent.
func (c *Conn) Release() {
	if c.release != nil {
		c.release()
		c.release = nil
	}
}

// Acquire reserves a logical connection slot, enforcing the pool's
// configured concurrency cap. Fails with ErrorKind::ResourceExhausted if the
// context's deadline (or the pool's own acquire timeout) elapses first.
func (s *Store) Acquire(ctx context.Context) (*Conn, error) {
	release, err := s.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{DB: s.db, release: release}, nil
}

// DB returns the underlying *sql.DB for callers that manage their own
// transactions (database/sql already pools physical connections; Acquire
// additionally enforces the logical concurrency cap this package's callers
// are expected to respect).
func (s *Store) DB() *sql.DB { return s.db }
