// Package ext defines the extension system for Retake.
// Extensions are notified of lifecycle events (session started, attempt
// blocked, retry scheduled, etc.) and can react to them — logging,
// metrics, UI surfaces, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"

	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Session lifecycle hooks
// ──────────────────────────────────────────────────

// SessionStarted is called after a session becomes active for a job.
type SessionStarted interface {
	OnSessionStarted(ctx context.Context, key id.JobKey, s *job.Session) error
}

// AttemptStarted is called when the generation action is invoked, whether
// as the initial attempt or a retry.
type AttemptStarted interface {
	OnAttemptStarted(ctx context.Context, key id.JobKey, attempt int, prompt string) error
}

// AttemptBlocked is called when an attempt is detected as silently
// moderated. used and budget report retry consumption after the attempt.
type AttemptBlocked interface {
	OnAttemptBlocked(ctx context.Context, key id.JobKey, a job.Attempt, used, budget int) error
}

// AttemptSucceeded is called when an attempt produces a valid output.
type AttemptSucceeded interface {
	OnAttemptSucceeded(ctx context.Context, key id.JobKey, a job.Attempt) error
}

// RetryScheduled is called after a deferred retry or next-unit wake is
// persisted with its absolute deadline.
type RetryScheduled interface {
	OnRetryScheduled(ctx context.Context, key id.JobKey, pending job.PendingRetry) error
}

// SessionEnded is called after a session reaches a terminal outcome and
// its summary is frozen.
type SessionEnded interface {
	OnSessionEnded(ctx context.Context, summary *job.Summary) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// LogLine is called for every line appended to a session's log ring.
type LogLine interface {
	OnLogLine(ctx context.Context, key id.JobKey, line job.LogLine) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
