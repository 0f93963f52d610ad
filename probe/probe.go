package probe

import (
	"context"
	"time"

	"github.com/retakehq/retake/job"
)

// InvokeOptions carries per-invocation flags for the trigger.
type InvokeOptions struct {
	// Override bypasses the "must be permitted by a failure event" retry
	// guard. Controller-initiated retries and next-unit advances set it.
	Override bool
}

// Trigger locates and activates the generation control. Invoke writes the
// prompt into the input control using a method that reliably notifies the
// hosting framework of the change, then activates the control.
//
// The boolean reports whether the invocation actually occurred; false with
// a nil error means a locator failed and nothing was clicked.
type Trigger interface {
	Invoke(ctx context.Context, prompt string, opts InvokeOptions) (bool, error)
}

// Source exposes the authoritative read-only snapshot of the target
// application's own attempt record.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// ProgressReader reads the numeric progress readout for the attempt in
// flight. Implementations return retake.ErrNoProgress when the readout is
// not locatable.
type ProgressReader interface {
	Percent(ctx context.Context) (int, error)
}

// PageSignals is one observation of the rendered page.
type PageSignals struct {
	// Route is the transient route identifier currently displayed.
	Route job.RouteID

	// HasOutput reports a playable output with no loading marker.
	HasOutput bool
	// ModerationMarker reports the site's moderation notice.
	ModerationMarker bool
	// Loading reports an in-flight generation marker.
	Loading bool

	// History lists the attempt IDs visible in the output history strip.
	History []job.AttemptID

	// RouteChangedAt is when the last same-origin route change was
	// observed; zero when none has been seen.
	RouteChangedAt time.Time
}

// PageObserver reads terminal indicators from the rendered page structure.
type PageObserver interface {
	Observe(ctx context.Context) (*PageSignals, error)
}

// Probes bundles the four consumed interfaces for engine wiring.
type Probes struct {
	Trigger  Trigger
	Source   Source
	Progress ProgressReader
	Page     PageObserver
}
