package job

import "time"

// RouteID is the transient identifier the target site assigns to a unit of
// work for the duration of one attempt. The site renumbers the route after
// every attempt, so a RouteID must never be used as a stable key.
type RouteID string

// AttemptID is the identifier the target site assigns to a single
// invocation of the generation action. Attempt IDs are externally assigned
// and opaque; the dedup ledger tracks them independently of whether the
// site's own record still lists them.
type AttemptID string

// Verdict is the moderation outcome of an attempt.
type Verdict string

const (
	// VerdictBlocked means the attempt was silently rejected by the
	// site's moderation pipeline.
	VerdictBlocked Verdict = "blocked"
	// VerdictSucceeded means the attempt produced a valid output.
	VerdictSucceeded Verdict = "succeeded"
)

// Layer is the heuristic bucket indicating roughly how far an attempt
// progressed before being blocked. There is no direct signal for which
// internal moderation stage rejected the content; the peak observed
// progress percentage is the proxy (see the progress package).
type Layer string

const (
	// LayerUnknown is recorded when no progress signal was available.
	// The failure still counts; the layer is never guessed.
	LayerUnknown Layer = "unknown"
	// LayerPrompt: blocked with little or no generation progress,
	// suggesting the prompt itself was rejected.
	LayerPrompt Layer = "prompt"
	// LayerGeneration: blocked mid-generation.
	LayerGeneration Layer = "generation"
	// LayerRender: blocked at or near completion, suggesting a scan of
	// the rendered output.
	LayerRender Layer = "render"
)

// Attempt is one invocation of the external generation action and its
// eventual verdict.
type Attempt struct {
	ID           AttemptID `json:"id"`
	Verdict      Verdict   `json:"verdict"`
	PeakProgress int       `json:"peak_progress"`
	Layer        Layer     `json:"layer,omitempty"`
	OutputRef    string    `json:"output_ref,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Blocked reports whether the attempt was moderated.
func (a Attempt) Blocked() bool { return a.Verdict == VerdictBlocked }

// Outcome is the terminal (or current) disposition of a session.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomePending   Outcome = "pending"
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// Terminal reports whether the outcome ends a session.
func (o Outcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeCancelled
}

// LogLine is one human-readable entry in the session's bounded log ring.
type LogLine struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// WakeKind distinguishes what a pending wake deadline will do when it fires.
type WakeKind string

const (
	// WakeRetry re-invokes the action for the same unit of work.
	WakeRetry WakeKind = "retry"
	// WakeNextUnit advances to the next unit after a success.
	WakeNextUnit WakeKind = "next-unit"
)

// PendingRetry is the durable deferred work item for a scheduled retry or
// next-unit advance. WakeAt is an absolute deadline recovered by polling;
// a reload between polls loses nothing.
type PendingRetry struct {
	Kind     WakeKind  `json:"kind"`
	WakeAt   time.Time `json:"wake_at"`
	Prompt   string    `json:"prompt"`
	Override bool      `json:"override"`
}
