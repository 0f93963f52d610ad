package job

import (
	"context"

	"github.com/retakehq/retake/id"
)

// Store defines the persistence contract for the two-tier job record:
// durable preferences plus ephemeral session state, the prompt buffer, and
// the active-job pointer.
//
// Detectors, the controller, and UI collaborators all read and write
// through this contract without a central lock. Every mutator
// reads-merges-writes the whole record, so callers must treat updates as
// eventually-consistent merges (last-write-wins per field), never as
// compare-and-swap.
type Store interface {
	// GetPreferences returns the durable slice for the key, falling back
	// to DefaultPreferences when no record exists.
	GetPreferences(ctx context.Context, key id.JobKey) (*Preferences, error)

	// UpdatePreferences merges the patch into the durable slice and
	// returns the result. Creates the record from defaults if absent.
	UpdatePreferences(ctx context.Context, key id.JobKey, patch PreferencesPatch) (*Preferences, error)

	// GetSession returns the ephemeral slice for the key. Absent records
	// read as a fresh inactive session with zeroed counters.
	GetSession(ctx context.Context, key id.JobKey) (*Session, error)

	// UpdateSession merges the patch into the ephemeral slice and returns
	// the result.
	UpdateSession(ctx context.Context, key id.JobKey, patch SessionPatch) (*Session, error)

	// RecordAttempt applies the attempt to the session. Idempotent: if
	// the attempt ID is already in the dedup ledger the call is a no-op
	// and recorded reports false.
	RecordAttempt(ctx context.Context, key id.JobKey, a Attempt) (s *Session, recorded bool, err error)

	// ClearSession resets the ephemeral slice to inactive defaults and
	// clears the dedup ledger. Preferences are untouched.
	ClearSession(ctx context.Context, key id.JobKey) error

	// EndSession marks the outcome, freezes and persists a Summary,
	// then resets the ephemeral slice. The summary is returned.
	EndSession(ctx context.Context, key id.JobKey, outcome Outcome) (*Summary, error)

	// GetSummary returns the most recent summary for the key, or
	// retake.ErrSummaryNotFound.
	GetSummary(ctx context.Context, key id.JobKey) (*Summary, error)

	// BufferPrompt stashes prompt text under a transient route while no
	// JobKey is resolvable yet, so input typed before identity resolution
	// is not lost.
	BufferPrompt(ctx context.Context, route RouteID, prompt string) error

	// TakePromptBuffer removes and returns the buffered prompt for the
	// route. ok is false when nothing was buffered.
	TakePromptBuffer(ctx context.Context, route RouteID) (prompt string, ok bool, err error)

	// SetActiveJob records the "currently active job" pointer. Passing
	// id.Nil clears it.
	SetActiveJob(ctx context.Context, key id.JobKey) error

	// ActiveJob returns the active-job pointer, or retake.ErrNoActiveJob.
	ActiveJob(ctx context.Context) (id.JobKey, error)

	// BindAlias records that an externally assigned identifier (a route
	// or the source record's parent key) belongs to the job. Aliases let
	// the identity resolver recognise renumbered routes.
	BindAlias(ctx context.Context, alias string, key id.JobKey) error

	// ResolveAlias returns the job key bound to the alias, if any.
	ResolveAlias(ctx context.Context, alias string) (key id.JobKey, ok bool, err error)

	// MigrateJob moves session, preferences, and summary state from one
	// key to another, preserving counters and the ledger. Used when the
	// identity resolver concludes a new route continues an existing job.
	MigrateJob(ctx context.Context, from, to id.JobKey) error

	// ListSessions returns all persisted sessions, for the stale-active
	// sweep on engine start.
	ListSessions(ctx context.Context) ([]*Session, error)
}
