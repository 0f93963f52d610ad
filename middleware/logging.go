package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs invocation start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		logger.Info("invocation started",
			slog.String("job_key", inv.JobKey.String()),
			slog.String("kind", string(inv.Kind)),
			slog.Int("attempt", inv.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("invocation failed",
				slog.String("job_key", inv.JobKey.String()),
				slog.String("kind", string(inv.Kind)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("invocation completed",
				slog.String("job_key", inv.JobKey.String()),
				slog.String("kind", string(inv.Kind)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
