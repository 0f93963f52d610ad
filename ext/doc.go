// Package ext defines the extension system for Retake.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, driving a UI badge, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnAttemptBlocked(ctx context.Context, key id.JobKey, a job.Attempt, used, budget int) error {
//	    log.Printf("attempt %s blocked at the %s layer (%d/%d retries used)", a.ID, a.Layer, used, budget)
//	    return nil
//	}
//
// # Session Lifecycle Hooks
//
//   - [SessionStarted] — a session began for a job
//   - [AttemptStarted] — the generation action was invoked
//   - [AttemptBlocked] — an attempt was silently moderated
//   - [AttemptSucceeded] — an attempt produced a valid output
//   - [RetryScheduled] — a deferred retry or next-unit wake was persisted
//   - [SessionEnded] — the session reached a terminal outcome
//
// # Other Hooks
//
//   - [LogLine] — a line was appended to a session's log ring
//   - [Shutdown] — the core is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
