package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/backoff"
)

// Cooldown returns middleware that holds the invocation until the
// post-failure cooldown has expired. The cooldown defers, never rejects:
// an invocation arriving early waits out the remainder and then proceeds.
//
// The scheduler already folds the cooldown into wake deadlines; this
// guard covers invocations that reach the trigger through other paths,
// such as a manual retry issued right after a failure.
func Cooldown(cooldown time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		remaining := backoff.CooldownRemaining(inv.LastFailureAt, cooldown, time.Now())
		if remaining > 0 {
			logger.Info("deferring invocation until cooldown expires",
				slog.String("job_key", inv.JobKey.String()),
				slog.Duration("remaining", remaining),
			)
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", retake.ErrCooldownActive, ctx.Err())
			case <-timer.C:
			}
		}
		return next(ctx)
	}
}
