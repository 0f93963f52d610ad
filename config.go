package retake

import "time"

// Config holds configuration for the Core. Every interval is configurable
// because the target application offers no push channel: all detection is
// polling, and each deployment trades responsiveness against resource use.
type Config struct {
	// Cooldown is the mandatory spacing between two invocations of the
	// generation trigger for the same job. Invocations arriving sooner are
	// deferred, never rejected.
	Cooldown time.Duration

	// MinRetryDelay is the floor applied to every scheduled retry, even
	// when the cooldown has already elapsed.
	MinRetryDelay time.Duration

	// InterUnitDelay is the pause between a successful output and the next
	// unit's attempt when the output goal is not yet reached.
	InterUnitDelay time.Duration

	// SourcePollInterval is how often the authoritative source snapshot is
	// polled for attempt outcomes.
	SourcePollInterval time.Duration

	// PagePollInterval is how often the rendered page is observed for
	// terminal indicators. The page channel only requests validation from
	// the source channel; it never fires outcomes directly.
	PagePollInterval time.Duration

	// ProgressPollInterval is how often the progress readout is sampled
	// while an attempt is outstanding.
	ProgressPollInterval time.Duration

	// WakePollInterval is how often persisted wake deadlines (retry and
	// next-unit) are checked. Deadlines are absolute, so a reload between
	// polls loses nothing.
	WakePollInterval time.Duration

	// GraceWindow bounds how long an ambiguous navigation may stay
	// undecided before the session ends as cancelled.
	GraceWindow time.Duration

	// GracePollInterval is the cadence of the grace-window re-check.
	GracePollInterval time.Duration

	// StallThreshold is how long an active session may go without any
	// detector firing before the watchdog forces a source re-check.
	StallThreshold time.Duration

	// WatchdogInterval is how often the stall check runs.
	WatchdogInterval time.Duration

	// DuplicateWindow is the span after scheduling a retry during which a
	// storage-channel moderation signal is treated as a duplicate of the
	// already-handled failure.
	DuplicateWindow time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:             15 * time.Second,
		MinRetryDelay:        2 * time.Second,
		InterUnitDelay:       5 * time.Second,
		SourcePollInterval:   1 * time.Second,
		PagePollInterval:     1 * time.Second,
		ProgressPollInterval: 500 * time.Millisecond,
		WakePollInterval:     1 * time.Second,
		GraceWindow:          2 * time.Minute,
		GracePollInterval:    500 * time.Millisecond,
		StallThreshold:       15 * time.Second,
		WatchdogInterval:     5 * time.Second,
		DuplicateWindow:      5 * time.Second,
		ShutdownTimeout:      30 * time.Second,
	}
}
