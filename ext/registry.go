package ext

import (
	"context"
	"log/slog"

	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type sessionStartedEntry struct {
	name string
	hook SessionStarted
}

type attemptStartedEntry struct {
	name string
	hook AttemptStarted
}

type attemptBlockedEntry struct {
	name string
	hook AttemptBlocked
}

type attemptSucceededEntry struct {
	name string
	hook AttemptSucceeded
}

type retryScheduledEntry struct {
	name string
	hook RetryScheduled
}

type sessionEndedEntry struct {
	name string
	hook SessionEnded
}

type logLineEntry struct {
	name string
	hook LogLine
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	sessionStarted   []sessionStartedEntry
	attemptStarted   []attemptStartedEntry
	attemptBlocked   []attemptBlockedEntry
	attemptSucceeded []attemptSucceededEntry
	retryScheduled   []retryScheduledEntry
	sessionEnded     []sessionEndedEntry
	logLine          []logLineEntry
	shutdown         []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(SessionStarted); ok {
		r.sessionStarted = append(r.sessionStarted, sessionStartedEntry{name, h})
	}
	if h, ok := e.(AttemptStarted); ok {
		r.attemptStarted = append(r.attemptStarted, attemptStartedEntry{name, h})
	}
	if h, ok := e.(AttemptBlocked); ok {
		r.attemptBlocked = append(r.attemptBlocked, attemptBlockedEntry{name, h})
	}
	if h, ok := e.(AttemptSucceeded); ok {
		r.attemptSucceeded = append(r.attemptSucceeded, attemptSucceededEntry{name, h})
	}
	if h, ok := e.(RetryScheduled); ok {
		r.retryScheduled = append(r.retryScheduled, retryScheduledEntry{name, h})
	}
	if h, ok := e.(SessionEnded); ok {
		r.sessionEnded = append(r.sessionEnded, sessionEndedEntry{name, h})
	}
	if h, ok := e.(LogLine); ok {
		r.logLine = append(r.logLine, logLineEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Session event emitters
// ──────────────────────────────────────────────────

// EmitSessionStarted notifies all extensions that implement SessionStarted.
func (r *Registry) EmitSessionStarted(ctx context.Context, key id.JobKey, s *job.Session) {
	for _, e := range r.sessionStarted {
		if err := e.hook.OnSessionStarted(ctx, key, s); err != nil {
			r.logHookError("OnSessionStarted", e.name, err)
		}
	}
}

// EmitAttemptStarted notifies all extensions that implement AttemptStarted.
func (r *Registry) EmitAttemptStarted(ctx context.Context, key id.JobKey, attempt int, prompt string) {
	for _, e := range r.attemptStarted {
		if err := e.hook.OnAttemptStarted(ctx, key, attempt, prompt); err != nil {
			r.logHookError("OnAttemptStarted", e.name, err)
		}
	}
}

// EmitAttemptBlocked notifies all extensions that implement AttemptBlocked.
func (r *Registry) EmitAttemptBlocked(ctx context.Context, key id.JobKey, a job.Attempt, used, budget int) {
	for _, e := range r.attemptBlocked {
		if err := e.hook.OnAttemptBlocked(ctx, key, a, used, budget); err != nil {
			r.logHookError("OnAttemptBlocked", e.name, err)
		}
	}
}

// EmitAttemptSucceeded notifies all extensions that implement AttemptSucceeded.
func (r *Registry) EmitAttemptSucceeded(ctx context.Context, key id.JobKey, a job.Attempt) {
	for _, e := range r.attemptSucceeded {
		if err := e.hook.OnAttemptSucceeded(ctx, key, a); err != nil {
			r.logHookError("OnAttemptSucceeded", e.name, err)
		}
	}
}

// EmitRetryScheduled notifies all extensions that implement RetryScheduled.
func (r *Registry) EmitRetryScheduled(ctx context.Context, key id.JobKey, pending job.PendingRetry) {
	for _, e := range r.retryScheduled {
		if err := e.hook.OnRetryScheduled(ctx, key, pending); err != nil {
			r.logHookError("OnRetryScheduled", e.name, err)
		}
	}
}

// EmitSessionEnded notifies all extensions that implement SessionEnded.
func (r *Registry) EmitSessionEnded(ctx context.Context, summary *job.Summary) {
	for _, e := range r.sessionEnded {
		if err := e.hook.OnSessionEnded(ctx, summary); err != nil {
			r.logHookError("OnSessionEnded", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitLogLine notifies all extensions that implement LogLine.
func (r *Registry) EmitLogLine(ctx context.Context, key id.JobKey, line job.LogLine) {
	for _, e := range r.logLine {
		if err := e.hook.OnLogLine(ctx, key, line); err != nil {
			r.logHookError("OnLogLine", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
