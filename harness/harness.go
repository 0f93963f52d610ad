// Package harness is an explicit test façade over a built engine. It
// exposes the session operations tests and development tooling need
// (start, end, and synthetic attempt outcomes) as methods on one object,
// so nothing coordinates through ambient global state.
package harness

import (
	"context"
	"time"

	"github.com/retakehq/retake/engine"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
	"github.com/retakehq/retake/store"
)

// Harness drives a built engine through its public seams.
type Harness struct {
	eng   *engine.Engine
	store store.Store
}

// New wraps a built engine.
func New(eng *engine.Engine) *Harness {
	return &Harness{eng: eng, store: eng.Store()}
}

// Start begins a session for the route and returns the job key it runs
// under.
func (h *Harness) Start(ctx context.Context, route job.RouteID, prompt string) (id.JobKey, error) {
	return h.eng.StartJob(ctx, route, prompt)
}

// End terminates the session with the given outcome and returns the
// frozen summary.
func (h *Harness) End(ctx context.Context, key id.JobKey, outcome job.Outcome) (*job.Summary, error) {
	return h.eng.EndJob(ctx, key, outcome)
}

// MarkFailure injects a blocked attempt outcome, as if the source record
// had settled it. The attempt flows through the same classification,
// ledger, and scheduling path a detected one would.
func (h *Harness) MarkFailure(ctx context.Context, key id.JobKey, attemptID job.AttemptID, peakProgress int) error {
	return h.eng.Controller().HandleAttempt(ctx, key, job.Attempt{
		ID:           attemptID,
		Verdict:      job.VerdictBlocked,
		PeakProgress: peakProgress,
		ObservedAt:   time.Now().UTC(),
	})
}

// MarkSuccess injects a completed attempt outcome with an output
// reference.
func (h *Harness) MarkSuccess(ctx context.Context, key id.JobKey, attemptID job.AttemptID, outputRef string) error {
	return h.eng.Controller().HandleAttempt(ctx, key, job.Attempt{
		ID:         attemptID,
		Verdict:    job.VerdictSucceeded,
		OutputRef:  outputRef,
		ObservedAt: time.Now().UTC(),
	})
}

// Session returns the current ephemeral state for the key.
func (h *Harness) Session(ctx context.Context, key id.JobKey) (*job.Session, error) {
	return h.store.GetSession(ctx, key)
}

// Summary returns the most recent frozen summary for the key.
func (h *Harness) Summary(ctx context.Context, key id.JobKey) (*job.Summary, error) {
	return h.store.GetSummary(ctx, key)
}

// Preferences returns the durable slice for the key.
func (h *Harness) Preferences(ctx context.Context, key id.JobKey) (*job.Preferences, error) {
	return h.store.GetPreferences(ctx, key)
}

// SetPreferences merges a preferences patch for the key.
func (h *Harness) SetPreferences(ctx context.Context, key id.JobKey, patch job.PreferencesPatch) (*job.Preferences, error) {
	return h.store.UpdatePreferences(ctx, key, patch)
}
