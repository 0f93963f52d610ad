package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
)

// stateActiveJob is the retake_state row holding the active-job pointer.
const stateActiveJob = "active_job"

// execer covers *sql.DB and *sql.Tx for shared read/write helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ──────────────────────────────────────────────────
// Preferences
// ──────────────────────────────────────────────────

func getPreferences(ctx context.Context, q execer, key id.JobKey, logger *slog.Logger) (*job.Preferences, error) {
	var raw []byte
	err := q.QueryRowContext(ctx,
		`SELECT data FROM retake_preferences WHERE job_key = ?`, key.String(),
	).Scan(&raw)
	if isNoRows(err) {
		p := job.DefaultPreferences()
		return &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retake/sqlite: read preferences %s: %w", key, err)
	}

	var p job.Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		// A record that no longer parses must not wedge the job; the
		// durable slice falls back to defaults.
		logger.Warn("corrupt preferences record, falling back to defaults",
			slog.String("job_key", key.String()),
			slog.String("error", err.Error()))
		p = job.DefaultPreferences()
	}
	return &p, nil
}

func putPreferencesTx(ctx context.Context, q execer, key id.JobKey, p *job.Preferences) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("retake/sqlite: encode preferences %s: %w", key, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO retake_preferences (job_key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(job_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key.String(), raw, nowStamp())
	if err != nil {
		return fmt.Errorf("retake/sqlite: write preferences %s: %w", key, err)
	}
	return nil
}

// GetPreferences returns the durable slice, falling back to defaults.
func (s *Store) GetPreferences(ctx context.Context, key id.JobKey) (*job.Preferences, error) {
	return getPreferences(ctx, s.db, key, s.logger)
}

// UpdatePreferences merges the patch inside a transaction.
func (s *Store) UpdatePreferences(ctx context.Context, key id.JobKey, patch job.PreferencesPatch) (*job.Preferences, error) {
	var out *job.Preferences
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getPreferences(ctx, tx, key, s.logger)
		if err != nil {
			return err
		}
		p.Apply(patch)
		if err := putPreferencesTx(ctx, tx, key, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// ──────────────────────────────────────────────────
// Session
// ──────────────────────────────────────────────────

func getSession(ctx context.Context, q execer, key id.JobKey, logger *slog.Logger) (*job.Session, error) {
	var raw []byte
	err := q.QueryRowContext(ctx,
		`SELECT data FROM retake_sessions WHERE job_key = ?`, key.String(),
	).Scan(&raw)
	if isNoRows(err) {
		return job.NewSession(key), nil
	}
	if err != nil {
		return nil, fmt.Errorf("retake/sqlite: read session %s: %w", key, err)
	}

	var sess job.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		logger.Warn("corrupt session record, resetting to fresh",
			slog.String("job_key", key.String()),
			slog.String("error", err.Error()))
		return job.NewSession(key), nil
	}
	return &sess, nil
}

func putSessionTx(ctx context.Context, q execer, sess *job.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("retake/sqlite: encode session %s: %w", sess.JobKey, err)
	}
	active := 0
	if sess.Active {
		active = 1
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO retake_sessions (job_key, active, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_key) DO UPDATE SET
			active = excluded.active, data = excluded.data, updated_at = excluded.updated_at`,
		sess.JobKey.String(), active, raw, nowStamp())
	if err != nil {
		return fmt.Errorf("retake/sqlite: write session %s: %w", sess.JobKey, err)
	}
	return nil
}

// GetSession returns the ephemeral slice; absent records read as fresh.
func (s *Store) GetSession(ctx context.Context, key id.JobKey) (*job.Session, error) {
	return getSession(ctx, s.db, key, s.logger)
}

// UpdateSession merges the patch inside a transaction.
func (s *Store) UpdateSession(ctx context.Context, key id.JobKey, patch job.SessionPatch) (*job.Session, error) {
	var out *job.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, key, s.logger)
		if err != nil {
			return err
		}
		sess.Apply(patch)
		if err := putSessionTx(ctx, tx, sess); err != nil {
			return err
		}
		out = sess
		return nil
	})
	return out, err
}

// RecordAttempt applies the attempt through the dedup ledger.
func (s *Store) RecordAttempt(ctx context.Context, key id.JobKey, a job.Attempt) (*job.Session, bool, error) {
	var (
		out      *job.Session
		recorded bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, key, s.logger)
		if err != nil {
			return err
		}
		recorded = sess.Record(a)
		if recorded {
			if err := putSessionTx(ctx, tx, sess); err != nil {
				return err
			}
		}
		out = sess
		return nil
	})
	return out, recorded, err
}

// ClearSession resets the ephemeral slice to inactive defaults.
func (s *Store) ClearSession(ctx context.Context, key id.JobKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putSessionTx(ctx, tx, job.NewSession(key))
	})
}

// EndSession freezes a Summary, resets the ephemeral slice, and clears the
// active pointer when it still points at the job.
func (s *Store) EndSession(ctx context.Context, key id.JobKey, outcome job.Outcome) (*job.Summary, error) {
	if !outcome.Terminal() {
		return nil, retake.ErrInvalidOutcome
	}

	var summary *job.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, key, s.logger)
		if err != nil {
			return err
		}
		sess.Outcome = outcome

		prefs, err := getPreferences(ctx, tx, key, s.logger)
		if err != nil {
			return err
		}

		summary = job.Summarize(sess, prefs)
		raw, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("retake/sqlite: encode summary %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO retake_summaries (job_key, data, ended_at) VALUES (?, ?, ?)
			ON CONFLICT(job_key) DO UPDATE SET data = excluded.data, ended_at = excluded.ended_at`,
			key.String(), raw, nowStamp()); err != nil {
			return fmt.Errorf("retake/sqlite: write summary %s: %w", key, err)
		}

		if err := putSessionTx(ctx, tx, job.NewSession(key)); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM retake_state WHERE name = ? AND value = ?`,
			stateActiveJob, key.String()); err != nil {
			return fmt.Errorf("retake/sqlite: clear active pointer: %w", err)
		}
		return nil
	})
	return summary, err
}

// GetSummary returns the most recent summary for the key.
func (s *Store) GetSummary(ctx context.Context, key id.JobKey) (*job.Summary, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM retake_summaries WHERE job_key = ?`, key.String(),
	).Scan(&raw)
	if isNoRows(err) {
		return nil, retake.ErrSummaryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retake/sqlite: read summary %s: %w", key, err)
	}

	var summary job.Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("retake/sqlite: decode summary %s: %w (%v)", key, retake.ErrStoreCorrupt, err)
	}
	return &summary, nil
}

// ──────────────────────────────────────────────────
// Prompt buffer / active pointer / aliases
// ──────────────────────────────────────────────────

// BufferPrompt stashes prompt text under a transient route.
func (s *Store) BufferPrompt(ctx context.Context, route job.RouteID, prompt string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retake_prompt_buffer (route, prompt, buffered_at) VALUES (?, ?, ?)
		ON CONFLICT(route) DO UPDATE SET prompt = excluded.prompt, buffered_at = excluded.buffered_at`,
		string(route), prompt, nowStamp())
	if err != nil {
		return fmt.Errorf("retake/sqlite: buffer prompt for %s: %w", route, err)
	}
	return nil
}

// TakePromptBuffer removes and returns the buffered prompt for the route.
func (s *Store) TakePromptBuffer(ctx context.Context, route job.RouteID) (string, bool, error) {
	var (
		prompt string
		ok     bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT prompt FROM retake_prompt_buffer WHERE route = ?`, string(route),
		).Scan(&prompt)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("retake/sqlite: read prompt buffer for %s: %w", route, err)
		}
		ok = true
		_, err = tx.ExecContext(ctx,
			`DELETE FROM retake_prompt_buffer WHERE route = ?`, string(route))
		if err != nil {
			return fmt.Errorf("retake/sqlite: clear prompt buffer for %s: %w", route, err)
		}
		return nil
	})
	return prompt, ok, err
}

// SetActiveJob records the active-job pointer; id.Nil clears it.
func (s *Store) SetActiveJob(ctx context.Context, key id.JobKey) error {
	if key.IsNil() {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM retake_state WHERE name = ?`, stateActiveJob)
		if err != nil {
			return fmt.Errorf("retake/sqlite: clear active pointer: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retake_state (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		stateActiveJob, key.String())
	if err != nil {
		return fmt.Errorf("retake/sqlite: set active pointer: %w", err)
	}
	return nil
}

// ActiveJob returns the active-job pointer.
func (s *Store) ActiveJob(ctx context.Context) (id.JobKey, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM retake_state WHERE name = ?`, stateActiveJob,
	).Scan(&value)
	if isNoRows(err) {
		return id.Nil, retake.ErrNoActiveJob
	}
	if err != nil {
		return id.Nil, fmt.Errorf("retake/sqlite: read active pointer: %w", err)
	}
	key, err := id.ParseJobKey(value)
	if err != nil {
		return id.Nil, fmt.Errorf("retake/sqlite: active pointer: %w (%v)", retake.ErrStoreCorrupt, err)
	}
	return key, nil
}

// BindAlias records an external identifier for the job.
func (s *Store) BindAlias(ctx context.Context, alias string, key id.JobKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retake_aliases (alias, job_key) VALUES (?, ?)
		ON CONFLICT(alias) DO UPDATE SET job_key = excluded.job_key`,
		alias, key.String())
	if err != nil {
		return fmt.Errorf("retake/sqlite: bind alias %s: %w", alias, err)
	}
	return nil
}

// ResolveAlias returns the job key bound to the alias.
func (s *Store) ResolveAlias(ctx context.Context, alias string) (id.JobKey, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_key FROM retake_aliases WHERE alias = ?`, alias,
	).Scan(&value)
	if isNoRows(err) {
		return id.Nil, false, nil
	}
	if err != nil {
		return id.Nil, false, fmt.Errorf("retake/sqlite: resolve alias %s: %w", alias, err)
	}
	key, err := id.ParseJobKey(value)
	if err != nil {
		return id.Nil, false, fmt.Errorf("retake/sqlite: alias %s: %w (%v)", alias, retake.ErrStoreCorrupt, err)
	}
	return key, true, nil
}

// ──────────────────────────────────────────────────
// Migration / listing
// ──────────────────────────────────────────────────

// MigrateJob moves all state from one key to another, preserving counters
// and the dedup ledger.
func (s *Store) MigrateJob(ctx context.Context, from, to id.JobKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT data FROM retake_sessions WHERE job_key = ?`, from.String(),
		).Scan(&raw)
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("retake/sqlite: read session %s: %w", from, err)
		}
		if err == nil {
			var sess job.Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				return fmt.Errorf("retake/sqlite: decode session %s: %w (%v)", from, retake.ErrStoreCorrupt, err)
			}
			sess.JobKey = to
			if err := putSessionTx(ctx, tx, &sess); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM retake_sessions WHERE job_key = ?`, from.String()); err != nil {
				return fmt.Errorf("retake/sqlite: delete session %s: %w", from, err)
			}
		}

		for _, table := range []string{"retake_preferences", "retake_summaries"} {
			if _, err := tx.ExecContext(ctx,
				`UPDATE OR REPLACE `+table+` SET job_key = ? WHERE job_key = ?`,
				to.String(), from.String()); err != nil {
				return fmt.Errorf("retake/sqlite: rekey %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE retake_aliases SET job_key = ? WHERE job_key = ?`,
			to.String(), from.String()); err != nil {
			return fmt.Errorf("retake/sqlite: rekey aliases: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE retake_state SET value = ? WHERE name = ? AND value = ?`,
			to.String(), stateActiveJob, from.String()); err != nil {
			return fmt.Errorf("retake/sqlite: rekey active pointer: %w", err)
		}
		return nil
	})
}

// ListSessions returns all persisted sessions.
func (s *Store) ListSessions(ctx context.Context) ([]*job.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_key, data FROM retake_sessions`)
	if err != nil {
		return nil, fmt.Errorf("retake/sqlite: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*job.Session
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("retake/sqlite: scan session: %w", err)
		}
		var sess job.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("retake/sqlite: decode session %s: %w (%v)", key, retake.ErrStoreCorrupt, err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}
