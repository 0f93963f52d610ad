package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
)

func (s *Store) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("retake/redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		// A record that no longer parses must not wedge the job; reading
		// it as absent lets the caller fall back to defaults.
		s.logger.Warn("corrupt record, reading as absent",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return false, nil
	}
	return true, nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("retake/redis: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("retake/redis: set %s: %w", key, err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Preferences
// ──────────────────────────────────────────────────

// GetPreferences returns the durable slice, falling back to defaults.
func (s *Store) GetPreferences(ctx context.Context, key id.JobKey) (*job.Preferences, error) {
	var p job.Preferences
	found, err := s.getJSON(ctx, prefsKey(key.String()), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		p = job.DefaultPreferences()
	}
	return &p, nil
}

// UpdatePreferences merges the patch into the durable slice.
func (s *Store) UpdatePreferences(ctx context.Context, key id.JobKey, patch job.PreferencesPatch) (*job.Preferences, error) {
	p, err := s.GetPreferences(ctx, key)
	if err != nil {
		return nil, err
	}
	p.Apply(patch)
	if err := s.setJSON(ctx, prefsKey(key.String()), p); err != nil {
		return nil, err
	}
	return p, nil
}

// ──────────────────────────────────────────────────
// Session
// ──────────────────────────────────────────────────

// GetSession returns the ephemeral slice; absent records read as fresh.
func (s *Store) GetSession(ctx context.Context, key id.JobKey) (*job.Session, error) {
	var sess job.Session
	found, err := s.getJSON(ctx, sessionKey(key.String()), &sess)
	if err != nil {
		return nil, err
	}
	if !found {
		return job.NewSession(key), nil
	}
	return &sess, nil
}

func (s *Store) putSession(ctx context.Context, sess *job.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("retake/redis: encode session %s: %w", sess.JobKey, err)
	}
	jID := sess.JobKey.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(jID), raw, 0)
	pipe.SAdd(ctx, sessionIDsKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retake/redis: write session %s: %w", jID, err)
	}
	return nil
}

// UpdateSession merges the patch into the ephemeral slice.
func (s *Store) UpdateSession(ctx context.Context, key id.JobKey, patch job.SessionPatch) (*job.Session, error) {
	sess, err := s.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	sess.Apply(patch)
	if err := s.putSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// RecordAttempt applies the attempt through the dedup ledger.
func (s *Store) RecordAttempt(ctx context.Context, key id.JobKey, a job.Attempt) (*job.Session, bool, error) {
	sess, err := s.GetSession(ctx, key)
	if err != nil {
		return nil, false, err
	}
	recorded := sess.Record(a)
	if recorded {
		if err := s.putSession(ctx, sess); err != nil {
			return nil, false, err
		}
	}
	return sess, recorded, nil
}

// ClearSession resets the ephemeral slice to inactive defaults.
func (s *Store) ClearSession(ctx context.Context, key id.JobKey) error {
	return s.putSession(ctx, job.NewSession(key))
}

// EndSession freezes a Summary, resets the ephemeral slice, and clears the
// active pointer when it still points at the job.
func (s *Store) EndSession(ctx context.Context, key id.JobKey, outcome job.Outcome) (*job.Summary, error) {
	if !outcome.Terminal() {
		return nil, retake.ErrInvalidOutcome
	}

	sess, err := s.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	sess.Outcome = outcome

	prefs, err := s.GetPreferences(ctx, key)
	if err != nil {
		return nil, err
	}

	summary := job.Summarize(sess, prefs)
	if err := s.setJSON(ctx, summaryKey(key.String()), summary); err != nil {
		return nil, err
	}
	if err := s.putSession(ctx, job.NewSession(key)); err != nil {
		return nil, err
	}

	active, err := s.client.Get(ctx, activeJobKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("retake/redis: read active pointer: %w", err)
	}
	if active == key.String() {
		if err := s.client.Del(ctx, activeJobKey).Err(); err != nil {
			return nil, fmt.Errorf("retake/redis: clear active pointer: %w", err)
		}
	}
	return summary, nil
}

// GetSummary returns the most recent summary for the key.
func (s *Store) GetSummary(ctx context.Context, key id.JobKey) (*job.Summary, error) {
	var summary job.Summary
	found, err := s.getJSON(ctx, summaryKey(key.String()), &summary)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, retake.ErrSummaryNotFound
	}
	return &summary, nil
}

// ──────────────────────────────────────────────────
// Prompt buffer / active pointer / aliases
// ──────────────────────────────────────────────────

// BufferPrompt stashes prompt text under a transient route.
func (s *Store) BufferPrompt(ctx context.Context, route job.RouteID, prompt string) error {
	if err := s.client.Set(ctx, promptKey(string(route)), prompt, 0).Err(); err != nil {
		return fmt.Errorf("retake/redis: buffer prompt for %s: %w", route, err)
	}
	return nil
}

// TakePromptBuffer removes and returns the buffered prompt for the route.
func (s *Store) TakePromptBuffer(ctx context.Context, route job.RouteID) (string, bool, error) {
	prompt, err := s.client.GetDel(ctx, promptKey(string(route))).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("retake/redis: take prompt buffer for %s: %w", route, err)
	}
	return prompt, true, nil
}

// SetActiveJob records the active-job pointer; id.Nil clears it.
func (s *Store) SetActiveJob(ctx context.Context, key id.JobKey) error {
	if key.IsNil() {
		if err := s.client.Del(ctx, activeJobKey).Err(); err != nil {
			return fmt.Errorf("retake/redis: clear active pointer: %w", err)
		}
		return nil
	}
	if err := s.client.Set(ctx, activeJobKey, key.String(), 0).Err(); err != nil {
		return fmt.Errorf("retake/redis: set active pointer: %w", err)
	}
	return nil
}

// ActiveJob returns the active-job pointer.
func (s *Store) ActiveJob(ctx context.Context) (id.JobKey, error) {
	value, err := s.client.Get(ctx, activeJobKey).Result()
	if errors.Is(err, goredis.Nil) {
		return id.Nil, retake.ErrNoActiveJob
	}
	if err != nil {
		return id.Nil, fmt.Errorf("retake/redis: read active pointer: %w", err)
	}
	key, err := id.ParseJobKey(value)
	if err != nil {
		return id.Nil, fmt.Errorf("retake/redis: active pointer: %w (%v)", retake.ErrStoreCorrupt, err)
	}
	return key, nil
}

// BindAlias records an external identifier for the job.
func (s *Store) BindAlias(ctx context.Context, alias string, key id.JobKey) error {
	jID := key.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, aliasKey(alias), jID, 0)
	pipe.SAdd(ctx, aliasIndexKey(jID), alias)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retake/redis: bind alias %s: %w", alias, err)
	}
	return nil
}

// ResolveAlias returns the job key bound to the alias.
func (s *Store) ResolveAlias(ctx context.Context, alias string) (id.JobKey, bool, error) {
	value, err := s.client.Get(ctx, aliasKey(alias)).Result()
	if errors.Is(err, goredis.Nil) {
		return id.Nil, false, nil
	}
	if err != nil {
		return id.Nil, false, fmt.Errorf("retake/redis: resolve alias %s: %w", alias, err)
	}
	key, err := id.ParseJobKey(value)
	if err != nil {
		return id.Nil, false, fmt.Errorf("retake/redis: alias %s: %w (%v)", alias, retake.ErrStoreCorrupt, err)
	}
	return key, true, nil
}

// ──────────────────────────────────────────────────
// Migration / listing
// ──────────────────────────────────────────────────

// MigrateJob moves all state from one key to another, preserving counters
// and the dedup ledger.
func (s *Store) MigrateJob(ctx context.Context, from, to id.JobKey) error {
	fromID, toID := from.String(), to.String()

	sess, err := s.GetSession(ctx, from)
	if err != nil {
		return err
	}
	sess.JobKey = to
	if err := s.putSession(ctx, sess); err != nil {
		return err
	}

	var prefs job.Preferences
	if found, err := s.getJSON(ctx, prefsKey(fromID), &prefs); err != nil {
		return err
	} else if found {
		if err := s.setJSON(ctx, prefsKey(toID), &prefs); err != nil {
			return err
		}
	}

	var summary job.Summary
	if found, err := s.getJSON(ctx, summaryKey(fromID), &summary); err != nil {
		return err
	} else if found {
		summary.JobKey = to
		if err := s.setJSON(ctx, summaryKey(toID), &summary); err != nil {
			return err
		}
	}

	aliases, err := s.client.SMembers(ctx, aliasIndexKey(fromID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("retake/redis: read alias index %s: %w", fromID, err)
	}

	pipe := s.client.TxPipeline()
	for _, alias := range aliases {
		pipe.Set(ctx, aliasKey(alias), toID, 0)
		pipe.SAdd(ctx, aliasIndexKey(toID), alias)
	}
	pipe.Del(ctx, sessionKey(fromID), prefsKey(fromID), summaryKey(fromID), aliasIndexKey(fromID))
	pipe.SRem(ctx, sessionIDsKey, fromID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retake/redis: migrate %s to %s: %w", fromID, toID, err)
	}

	active, err := s.client.Get(ctx, activeJobKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("retake/redis: read active pointer: %w", err)
	}
	if active == fromID {
		if err := s.client.Set(ctx, activeJobKey, toID, 0).Err(); err != nil {
			return fmt.Errorf("retake/redis: rekey active pointer: %w", err)
		}
	}
	return nil
}

// ListSessions returns all persisted sessions.
func (s *Store) ListSessions(ctx context.Context) ([]*job.Session, error) {
	ids, err := s.client.SMembers(ctx, sessionIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("retake/redis: list session ids: %w", err)
	}

	out := make([]*job.Session, 0, len(ids))
	for _, jID := range ids {
		var sess job.Session
		found, err := s.getJSON(ctx, sessionKey(jID), &sess)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		out = append(out, &sess)
	}
	return out, nil
}
