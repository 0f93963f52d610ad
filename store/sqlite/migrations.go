package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
)

// migration lifts the schema one version forward inside a transaction.
type migration struct {
	version string
	name    string
	up      func(ctx context.Context, tx *sql.Tx) error
}

// migrate applies every unapplied migration in order.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS retake_migrations (
			version     TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range s.migrations() {
		var applied int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM retake_migrations WHERE version = ?`, m.version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}

		err = s.withTx(ctx, func(tx *sql.Tx) error {
			if err := m.up(ctx, tx); err != nil {
				return fmt.Errorf("migration %s (%s): %w", m.version, m.name, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO retake_migrations (version, name) VALUES (?, ?)`,
				m.version, m.name,
			)
			return err
		})
		if err != nil {
			return err
		}
		s.logger.Info("applied migration",
			slog.String("version", m.version),
			slog.String("name", m.name))
	}
	return nil
}

func (s *Store) migrations() []migration {
	return []migration{
		// 001: Core tables. Sessions, preferences, and summaries are
		// stored as JSON blobs keyed by job, with an indexed active flag
		// for the startup sweep.
		{
			version: "20250301120000",
			name:    "create_core_tables",
			up: func(ctx context.Context, tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS retake_preferences (
						job_key     TEXT PRIMARY KEY,
						data        BLOB NOT NULL,
						updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
					)`,
					`CREATE TABLE IF NOT EXISTS retake_sessions (
						job_key     TEXT PRIMARY KEY,
						active      INTEGER NOT NULL DEFAULT 0,
						data        BLOB NOT NULL,
						updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
					)`,
					`CREATE INDEX IF NOT EXISTS idx_retake_sessions_active
						ON retake_sessions (active)
						WHERE active = 1`,
					`CREATE TABLE IF NOT EXISTS retake_summaries (
						job_key     TEXT PRIMARY KEY,
						data        BLOB NOT NULL,
						ended_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
					)`,
					`CREATE TABLE IF NOT EXISTS retake_prompt_buffer (
						route       TEXT PRIMARY KEY,
						prompt      TEXT NOT NULL,
						buffered_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
					)`,
					`CREATE TABLE IF NOT EXISTS retake_aliases (
						alias       TEXT PRIMARY KEY,
						job_key     TEXT NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_retake_aliases_job
						ON retake_aliases (job_key)`,
					`CREATE TABLE IF NOT EXISTS retake_state (
						name        TEXT PRIMARY KEY,
						value       TEXT NOT NULL
					)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.ExecContext(ctx, stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},

		// 002: Consolidate the legacy per-route layout. The old schema
		// kept one flat row per transient route, so one job renumbered
		// across attempts is scattered over many rows sharing a parent
		// key. Rows are grouped by parent, retry counts recomputed from
		// the ledger union so attempts present in more than one row are
		// not double counted, and each old route becomes an alias of the
		// new job key.
		{
			version: "20250301120001",
			name:    "consolidate_route_records",
			up:      s.consolidateLegacyRoutes,
		},
	}
}

// legacyRoute is one row of the pre-consolidation flat layout.
type legacyRoute struct {
	route      string
	parent     string
	ledger     []string
	prompt     string
	maxRetries int
	autoRetry  bool
}

func (s *Store) consolidateLegacyRoutes(ctx context.Context, tx *sql.Tx) error {
	var name string
	err := tx.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'retake_routes'`,
	).Scan(&name)
	if isNoRows(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("probe legacy table: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT route, COALESCE(parent, ''), COALESCE(ledger, '[]'),
		        COALESCE(prompt, ''), COALESCE(max_retries, 3), COALESCE(auto_retry, 1)
		 FROM retake_routes`)
	if err != nil {
		return fmt.Errorf("read legacy routes: %w", err)
	}
	defer rows.Close()

	groups := make(map[string][]legacyRoute)
	var order []string
	for rows.Next() {
		var r legacyRoute
		var rawLedger string
		var autoRetry int
		if err := rows.Scan(&r.route, &r.parent, &rawLedger, &r.prompt, &r.maxRetries, &autoRetry); err != nil {
			return fmt.Errorf("scan legacy route: %w", err)
		}
		r.autoRetry = autoRetry != 0
		if err := json.Unmarshal([]byte(rawLedger), &r.ledger); err != nil {
			return fmt.Errorf("decode legacy ledger for route %s: %w", r.route, err)
		}

		// Rows without a parent stand alone under their own route.
		group := r.parent
		if group == "" {
			group = r.route
		}
		if _, ok := groups[group]; !ok {
			order = append(order, group)
		}
		groups[group] = append(groups[group], r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, group := range order {
		routes := groups[group]
		key := id.NewJobKey()

		sess := job.NewSession(key)
		for _, r := range routes {
			for _, attemptID := range r.ledger {
				if sess.Seen(job.AttemptID(attemptID)) {
					continue
				}
				sess.Ledger[job.AttemptID(attemptID)] = struct{}{}
				sess.Retries++
			}
		}

		prefs := job.DefaultPreferences()
		prefs.MaxRetries = routes[0].maxRetries
		prefs.AutoRetry = routes[0].autoRetry
		prefs.Prompt = routes[0].prompt

		if err := putSessionTx(ctx, tx, sess); err != nil {
			return fmt.Errorf("write consolidated session: %w", err)
		}
		if err := putPreferencesTx(ctx, tx, key, &prefs); err != nil {
			return fmt.Errorf("write consolidated preferences: %w", err)
		}
		for _, r := range routes {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO retake_aliases (alias, job_key) VALUES (?, ?)`,
				r.route, key.String(),
			); err != nil {
				return fmt.Errorf("write alias for route %s: %w", r.route, err)
			}
		}
		if group != routes[0].route {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO retake_aliases (alias, job_key) VALUES (?, ?)`,
				group, key.String(),
			); err != nil {
				return fmt.Errorf("write alias for parent %s: %w", group, err)
			}
		}

		s.logger.Info("consolidated legacy routes",
			slog.String("job_key", key.String()),
			slog.Int("routes", len(routes)),
			slog.Int("retries", sess.Retries))
	}

	if s.keepLegacy {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE retake_routes`); err != nil {
		return fmt.Errorf("drop legacy table: %w", err)
	}
	return nil
}
