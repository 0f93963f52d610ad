package middleware

import (
	"context"
	"log/slog"

	"github.com/retakehq/retake"
)

// Permit returns middleware gating retries. A retry must be permitted by
// a recorded failure event or carry the controller override; anything
// else is rejected with retake.ErrRetryNotGranted. Initial and next-unit
// invocations pass through.
func Permit(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		if inv.Kind == KindRetry && !inv.Granted && !inv.Override {
			logger.Warn("retry rejected by permission gate",
				slog.String("job_key", inv.JobKey.String()),
				slog.Int("attempt", inv.Attempt),
			)
			return retake.ErrRetryNotGranted
		}
		return next(ctx)
	}
}
