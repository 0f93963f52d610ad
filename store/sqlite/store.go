// Package sqlite implements store.Store on a local SQLite database. This
// is the durable tier: preferences, session state, summaries, the prompt
// buffer, and alias bindings all survive process restarts and reloads.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/job"
)

// Ensure Store implements the full contract at compile time.
var _ job.Store = (*Store)(nil)

// Store is a database/sql implementation of store.Store using the SQLite
// dialect. The caller owns the *sql.DB lifecycle; Store never closes it.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// keepLegacy preserves the pre-consolidation route table after the
	// legacy migration instead of dropping it.
	keepLegacy bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithKeepLegacyRecords preserves the legacy route table after
// consolidation rather than dropping it.
func WithKeepLegacyRecords(keep bool) Option {
	return func(s *Store) {
		s.keepLegacy = keep
	}
}

// New creates a new SQLite store. The caller owns the db lifecycle -- the
// Store will not close it on Close().
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate runs schema migrations in order, recording applied versions in
// the migrations table. Includes the legacy route-record consolidation.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("retake/sqlite: %w: %v", retake.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op because the caller owns the *sql.DB lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("retake/sqlite: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("retake/sqlite: commit: %w", err)
	}
	return nil
}
