package memory

import (
	"context"
	"sync"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
)

// Ensure Store implements the full contract at compile time.
var _ job.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	prefs     map[string]*job.Preferences
	sessions  map[string]*job.Session
	summaries map[string]*job.Summary
	prompts   map[job.RouteID]string
	aliases   map[string]id.JobKey

	active id.JobKey
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		prefs:     make(map[string]*job.Preferences),
		sessions:  make(map[string]*job.Session),
		summaries: make(map[string]*job.Summary),
		prompts:   make(map[job.RouteID]string),
		aliases:   make(map[string]id.JobKey),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Preferences
// ──────────────────────────────────────────────────

// GetPreferences returns the durable slice, falling back to defaults.
func (m *Store) GetPreferences(_ context.Context, key id.JobKey) (*job.Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.prefs[key.String()]; ok {
		cp := *p
		return &cp, nil
	}
	p := job.DefaultPreferences()
	return &p, nil
}

// UpdatePreferences merges the patch, creating the record from defaults.
func (m *Store) UpdatePreferences(_ context.Context, key id.JobKey, patch job.PreferencesPatch) (*job.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prefs[key.String()]
	if !ok {
		defaults := job.DefaultPreferences()
		p = &defaults
		m.prefs[key.String()] = p
	}
	p.Apply(patch)
	cp := *p
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Session
// ──────────────────────────────────────────────────

// session returns the canonical session for key, creating it if absent.
// Caller must hold the write lock.
func (m *Store) session(key id.JobKey) *job.Session {
	s, ok := m.sessions[key.String()]
	if !ok {
		s = job.NewSession(key)
		m.sessions[key.String()] = s
	}
	return s
}

// GetSession returns the ephemeral slice; absent records read as fresh.
func (m *Store) GetSession(_ context.Context, key id.JobKey) (*job.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[key.String()]; ok {
		return s.Clone(), nil
	}
	return job.NewSession(key), nil
}

// UpdateSession merges the patch into the ephemeral slice.
func (m *Store) UpdateSession(_ context.Context, key id.JobKey, patch job.SessionPatch) (*job.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(key)
	s.Apply(patch)
	return s.Clone(), nil
}

// RecordAttempt applies the attempt through the dedup ledger.
func (m *Store) RecordAttempt(_ context.Context, key id.JobKey, a job.Attempt) (*job.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(key)
	recorded := s.Record(a)
	return s.Clone(), recorded, nil
}

// ClearSession resets the ephemeral slice to inactive defaults.
func (m *Store) ClearSession(_ context.Context, key id.JobKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[key.String()] = job.NewSession(key)
	return nil
}

// EndSession freezes a Summary and resets the ephemeral slice.
func (m *Store) EndSession(_ context.Context, key id.JobKey, outcome job.Outcome) (*job.Summary, error) {
	if !outcome.Terminal() {
		return nil, retake.ErrInvalidOutcome
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(key)
	s.Outcome = outcome

	prefs, ok := m.prefs[key.String()]
	if !ok {
		defaults := job.DefaultPreferences()
		prefs = &defaults
	}

	summary := job.Summarize(s, prefs)
	m.summaries[key.String()] = summary
	m.sessions[key.String()] = job.NewSession(key)

	if m.active.String() == key.String() {
		m.active = id.Nil
	}

	cp := *summary
	return &cp, nil
}

// GetSummary returns the most recent summary for the key.
func (m *Store) GetSummary(_ context.Context, key id.JobKey) (*job.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary, ok := m.summaries[key.String()]
	if !ok {
		return nil, retake.ErrSummaryNotFound
	}
	cp := *summary
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Prompt buffer / active pointer / aliases
// ──────────────────────────────────────────────────

// BufferPrompt stashes prompt text under a transient route.
func (m *Store) BufferPrompt(_ context.Context, route job.RouteID, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts[route] = prompt
	return nil
}

// TakePromptBuffer removes and returns the buffered prompt for the route.
func (m *Store) TakePromptBuffer(_ context.Context, route job.RouteID) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prompt, ok := m.prompts[route]
	if ok {
		delete(m.prompts, route)
	}
	return prompt, ok, nil
}

// SetActiveJob records the active-job pointer; id.Nil clears it.
func (m *Store) SetActiveJob(_ context.Context, key id.JobKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active = key
	return nil
}

// ActiveJob returns the active-job pointer.
func (m *Store) ActiveJob(_ context.Context) (id.JobKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active.IsNil() {
		return id.Nil, retake.ErrNoActiveJob
	}
	return m.active, nil
}

// BindAlias records an external identifier for the job.
func (m *Store) BindAlias(_ context.Context, alias string, key id.JobKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.aliases[alias] = key
	return nil
}

// ResolveAlias returns the job key bound to the alias.
func (m *Store) ResolveAlias(_ context.Context, alias string) (id.JobKey, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.aliases[alias]
	return key, ok, nil
}

// ──────────────────────────────────────────────────
// Migration / listing
// ──────────────────────────────────────────────────

// MigrateJob moves all state from one key to another, preserving counters
// and the dedup ledger.
func (m *Store) MigrateJob(_ context.Context, from, to id.JobKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromKey, toKey := from.String(), to.String()

	if s, ok := m.sessions[fromKey]; ok {
		s.JobKey = to
		m.sessions[toKey] = s
		delete(m.sessions, fromKey)
	}
	if p, ok := m.prefs[fromKey]; ok {
		m.prefs[toKey] = p
		delete(m.prefs, fromKey)
	}
	if sum, ok := m.summaries[fromKey]; ok {
		m.summaries[toKey] = sum
		delete(m.summaries, fromKey)
	}
	for alias, key := range m.aliases {
		if key.String() == fromKey {
			m.aliases[alias] = to
		}
	}
	if m.active.String() == fromKey {
		m.active = to
	}
	return nil
}

// ListSessions returns all persisted sessions.
func (m *Store) ListSessions(_ context.Context) ([]*job.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*job.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}
