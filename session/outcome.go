package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/retakehq/retake/backoff"
	"github.com/retakehq/retake/detect"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
)

// HandleAttempt processes one settled attempt outcome for the key. Safe to
// call with outcomes already handled: the dedup ledger absorbs replays.
func (c *Controller) HandleAttempt(ctx context.Context, key id.JobKey, a job.Attempt) error {
	if a.Blocked() {
		return c.handleModeration(ctx, key, a)
	}
	return c.handleSuccess(ctx, key, a)
}

// HandlePageEvent processes an observation-channel event. A moderation
// marker never counts a failure directly: within the duplicate window of a
// scheduled retry it is the same failure already handled; otherwise it
// requests validation from the authoritative channel, whose settled
// attempts flow back through HandleAttempt.
func (c *Controller) HandlePageEvent(ctx context.Context, ev detect.PageEvent) error {
	if !ev.Signals.ModerationMarker {
		return nil
	}

	c.mu.Lock()
	scheduledAt := c.retryScheduledAt
	c.mu.Unlock()
	if !scheduledAt.IsZero() && time.Since(scheduledAt) < c.cfg.DuplicateWindow {
		c.logger.Debug("moderation marker within duplicate window, ignoring")
		return nil
	}

	c.logger.Info("moderation marker observed, requesting source validation")
	_, err := c.source.Scan(ctx)
	return err
}

// handleModeration records a blocked attempt, classifies the moderation
// layer from the sampled progress peak, and either schedules a retry at
// max(pacing delay, cooldown remaining, minimum delay) or ends the session
// as failure when the budget or the auto-retry preference forbids one.
//
// The duplicate window applies here too: the site renumbers attempt IDs,
// so a re-observation of the failure that scheduled the pending retry can
// arrive under a fresh ID the ledger has never seen. Within the window it
// is the same failure and must not consume a second budget unit.
func (c *Controller) handleModeration(ctx context.Context, key id.JobKey, a job.Attempt) error {
	c.mu.Lock()
	scheduledAt := c.retryScheduledAt
	c.mu.Unlock()
	if !scheduledAt.IsZero() && time.Since(scheduledAt) < c.cfg.DuplicateWindow {
		c.logger.Debug("moderation within duplicate window of a scheduled retry, ignoring",
			slog.String("attempt_id", string(a.ID)))
		return nil
	}

	peak, sampled := c.sampler.Stop()
	if a.PeakProgress > peak {
		peak = a.PeakProgress
	}
	if a.PeakProgress > 0 {
		sampled = true
	}
	a.PeakProgress = peak
	a.Layer = c.classify(peak, sampled)

	sess, recorded, err := c.store.RecordAttempt(ctx, key, a)
	if err != nil {
		return err
	}
	if !recorded {
		c.logger.Debug("blocked attempt already in ledger",
			slog.String("attempt_id", string(a.ID)))
		return nil
	}

	prefs, err := c.store.GetPreferences(ctx, key)
	if err != nil {
		return err
	}
	c.logger.Info("attempt blocked",
		slog.String("job_key", key.String()),
		slog.String("attempt_id", string(a.ID)),
		slog.String("layer", string(a.Layer)),
		slog.Int("peak_progress", a.PeakProgress),
		slog.Int("retries_used", sess.Retries),
		slog.Int("budget", prefs.MaxRetries))
	c.hooks.EmitAttemptBlocked(ctx, key, a, sess.Retries, prefs.MaxRetries)
	c.emitLog(ctx, key, fmt.Sprintf("attempt %s blocked (%s layer)", a.ID, a.Layer))

	if !prefs.AutoRetry {
		c.logger.Info("auto-retry disabled, ending session",
			slog.String("job_key", key.String()))
		_, err := c.EndJob(ctx, key, job.OutcomeFailure)
		return err
	}
	if sess.Retries >= prefs.MaxRetries {
		c.logger.Info("retry budget exhausted, ending session",
			slog.String("job_key", key.String()),
			slog.Int("retries", sess.Retries))
		_, err := c.EndJob(ctx, key, job.OutcomeFailure)
		return err
	}

	delay := c.pacing.Delay(sess.Retries)
	if remaining := backoff.CooldownRemaining(sess.LastFailureAt, c.cfg.Cooldown, time.Now()); remaining > delay {
		delay = remaining
	}
	if delay < c.cfg.MinRetryDelay {
		delay = c.cfg.MinRetryDelay
	}
	return c.scheduleWake(ctx, key, prefs, job.WakeRetry, delay,
		fmt.Sprintf("retry %d/%d scheduled", sess.Retries, prefs.MaxRetries))
}

// handleSuccess records a successful output. Reaching the goal ends the
// session; otherwise the next unit is scheduled after the inter-unit
// delay through the same durable wake mechanism retries use.
func (c *Controller) handleSuccess(ctx context.Context, key id.JobKey, a job.Attempt) error {
	c.sampler.Stop()

	sess, recorded, err := c.store.RecordAttempt(ctx, key, a)
	if err != nil {
		return err
	}
	if !recorded {
		c.logger.Debug("successful attempt already in ledger",
			slog.String("attempt_id", string(a.ID)))
		return nil
	}

	prefs, err := c.store.GetPreferences(ctx, key)
	if err != nil {
		return err
	}
	c.logger.Info("attempt succeeded",
		slog.String("job_key", key.String()),
		slog.String("attempt_id", string(a.ID)),
		slog.Int("outputs", sess.Outputs),
		slog.Int("goal", prefs.Goal))
	c.hooks.EmitAttemptSucceeded(ctx, key, a)
	c.emitLog(ctx, key, fmt.Sprintf("attempt %s succeeded (%d/%d outputs)", a.ID, sess.Outputs, prefs.Goal))

	if prefs.Goal > 0 && sess.Outputs >= prefs.Goal {
		_, err := c.EndJob(ctx, key, job.OutcomeSuccess)
		return err
	}
	return c.scheduleWake(ctx, key, prefs, job.WakeNextUnit, c.cfg.InterUnitDelay,
		fmt.Sprintf("next unit scheduled (%d/%d outputs)", sess.Outputs, prefs.Goal))
}

// scheduleWake persists the single deferred work item with an absolute
// deadline and grants the retry permission the next invocation consumes.
func (c *Controller) scheduleWake(ctx context.Context, key id.JobKey, prefs *job.Preferences, kind job.WakeKind, delay time.Duration, reason string) error {
	wakeAt := time.Now().UTC().Add(delay)
	pending := job.PendingRetry{
		Kind:     kind,
		WakeAt:   wakeAt,
		Prompt:   prefs.Prompt,
		Override: true,
	}
	granted := kind == job.WakeRetry
	if _, err := c.store.UpdateSession(ctx, key, job.SessionPatch{
		RetryGranted: &granted,
		PendingRetry: &pending,
		AppendLog:    []string{fmt.Sprintf("%s, waking in %s", reason, delay.Round(time.Millisecond))},
	}); err != nil {
		return err
	}

	if granted {
		c.mu.Lock()
		c.retryScheduledAt = time.Now()
		c.mu.Unlock()
	}

	c.logger.Info("wake scheduled",
		slog.String("job_key", key.String()),
		slog.String("kind", string(kind)),
		slog.Time("wake_at", wakeAt),
		slog.String("reason", reason))
	c.hooks.EmitRetryScheduled(ctx, key, pending)
	return nil
}

// emitLog mirrors a session log line to the LogLine hook for UI feeds.
func (c *Controller) emitLog(ctx context.Context, key id.JobKey, message string) {
	c.hooks.EmitLogLine(ctx, key, job.LogLine{At: time.Now().UTC(), Message: message})
}
