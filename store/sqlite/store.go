// Package sqlite provides a durable Backend Driver backed by a SQLite
// database file. The atomic claim primitive is an optimistic
// compare-and-swap: a conditional UPDATE that only wins when the row is
// still queued, so concurrent claimers (including other processes sharing
// the same file) never double-dispatch a job.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 database/sql driver

	"github.com/drover-io/drover/job"
)

// Ensure Store implements the Backend Driver contract at compile time.
var _ job.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS drover_jobs (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	args         TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	tags         TEXT NOT NULL DEFAULT '[]',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error   TEXT NOT NULL DEFAULT '',
	run_at       TEXT NOT NULL,
	locked_at    TEXT,
	locked_by    TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drover_jobs_claim ON drover_jobs(state, run_at);
CREATE INDEX IF NOT EXISTS idx_drover_jobs_name ON drover_jobs(name, state);
`

// Store is a SQLite implementation of job.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens (or creates) the SQLite database at path. WAL mode and a busy
// timeout are applied unless the path already carries DSN parameters.
func New(path string, opts ...Option) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("drover/sqlite: open %s: %w", path, err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromDB wraps an existing database handle. The caller owns its
// lifecycle; Close becomes a no-op for the underlying handle.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the jobs table and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("drover/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("drover/sqlite: ping: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
