package middleware

import (
	"context"
	"time"

	"github.com/retakehq/retake/id"
)

// Kind classifies what an invocation is for.
type Kind string

const (
	// KindInitial is the first activation for a unit of work.
	KindInitial Kind = "initial"
	// KindRetry re-runs a unit after a moderated attempt.
	KindRetry Kind = "retry"
	// KindNextUnit starts the next unit after a success.
	KindNextUnit Kind = "next-unit"
)

// Invocation describes one pending activation of the generation control
// as it flows through the middleware chain.
type Invocation struct {
	JobKey id.JobKey
	Kind   Kind

	// Attempt is the 1-based ordinal of the attempt about to run.
	Attempt int
	Prompt  string

	// Override bypasses the retry permission gate. Controller-scheduled
	// wakes set it.
	Override bool
	// Granted is set when a recorded failure event permitted this retry.
	Granted bool

	// LastFailureAt is when the most recent moderated attempt was
	// observed; zero when the job has no failures yet.
	LastFailureAt time.Time

	// Timeout bounds the invocation when non-zero.
	Timeout time.Duration
}

// Handler is the terminal function that performs the invocation.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the invocation being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, inv *Invocation, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, permit) executes as:
//
//	logging → recover → permit → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, inv, prev)
			}
		}
		return h(ctx)
	}
}
