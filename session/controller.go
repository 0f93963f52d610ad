// Package session drives the retry state machine for one active job.
//
// The Controller owns the transitions idle → active → {retrying,
// waiting-next-unit} → active | ended. Detectors feed it settled attempt
// outcomes; it classifies them, consults the retry budget, and schedules
// deferred work as durable PendingRetry descriptors with absolute wake
// deadlines. A wake poller fires due deadlines and a watchdog forces
// source re-validation when an active session stalls. Timers are never
// held in memory alone: a reload between polls loses nothing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/backoff"
	"github.com/retakehq/retake/detect"
	"github.com/retakehq/retake/ext"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
	"github.com/retakehq/retake/middleware"
	"github.com/retakehq/retake/probe"
	"github.com/retakehq/retake/progress"
)

// Controller coordinates one active job: invocations, outcome handling,
// retry scheduling, and session end.
type Controller struct {
	cfg      retake.Config
	store    job.Store
	trigger  probe.Trigger
	sampler  *progress.Sampler
	source   *detect.SourceDetector
	classify progress.Classifier
	pacing   backoff.Strategy
	chain    middleware.Middleware
	hooks    *ext.Registry
	logger   *slog.Logger

	mu sync.Mutex
	// retryScheduledAt anchors the duplicate window: a moderation signal
	// arriving within it, on either channel, duplicates the failure that
	// scheduled the pending retry. Cleared when the wake fires so the
	// retry's own outcome is never masked.
	retryScheduledAt time.Time
	running          bool
	stopCh           chan struct{}

	wg sync.WaitGroup
}

// Option configures the Controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClassifier replaces the default progress-to-layer classifier.
func WithClassifier(fn progress.Classifier) Option {
	return func(c *Controller) { c.classify = fn }
}

// WithPacing replaces the default retry pacing strategy. The cooldown
// remaining and the minimum retry delay still floor every scheduled wake.
func WithPacing(s backoff.Strategy) Option {
	return func(c *Controller) { c.pacing = s }
}

// WithChain replaces the default invocation middleware chain.
func WithChain(mws ...middleware.Middleware) Option {
	return func(c *Controller) { c.chain = middleware.Chain(mws...) }
}

// WithRegistry sets the extension registry invocations emit through.
func WithRegistry(r *ext.Registry) Option {
	return func(c *Controller) { c.hooks = r }
}

// NewController creates a controller over the store, trigger, sampler, and
// source detector. The default middleware chain is
// Recover → Logging → Tracing → Cooldown → Permit.
func NewController(cfg retake.Config, store job.Store, trigger probe.Trigger, sampler *progress.Sampler, source *detect.SourceDetector, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		store:    store,
		trigger:  trigger,
		sampler:  sampler,
		source:   source,
		classify: progress.DefaultClassifier,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.hooks == nil {
		c.hooks = ext.NewRegistry(c.logger)
	}
	if c.pacing == nil {
		c.pacing = backoff.DefaultStrategy(cfg.MinRetryDelay)
	}
	if c.chain == nil {
		c.chain = middleware.Chain(
			middleware.Recover(c.logger),
			middleware.Logging(c.logger),
			middleware.Tracing(),
			middleware.Cooldown(cfg.Cooldown, c.logger),
			middleware.Permit(c.logger),
		)
	}
	return c
}

// Start launches the wake poller and the watchdog. No-op if already
// running.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.wg.Add(2)
	go c.wakeLoop(ctx, stopCh)
	go c.watchdogLoop(ctx, stopCh)
}

// Stop halts the poll loops and waits for them to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
}

// StartJob seeds a fresh session for the key and fires the initial
// invocation. An explicitly captured prompt wins over the stored one and
// is persisted for later retries. A locator miss on the initial invocation
// leaves the session active for the watchdog to recover; it is not an
// error to the caller.
func (c *Controller) StartJob(ctx context.Context, key id.JobKey, route job.RouteID, prompt string) error {
	sess, err := c.store.GetSession(ctx, key)
	if err != nil {
		return err
	}
	if sess.Active {
		return fmt.Errorf("%w: %s", retake.ErrSessionActive, key)
	}
	// A different job holding the active pointer blocks the start too:
	// repointing it would strand the other session active with a pending
	// retry nothing services.
	active, err := c.store.ActiveJob(ctx)
	if err != nil && !errors.Is(err, retake.ErrNoActiveJob) {
		return err
	}
	if err == nil && active.String() != key.String() {
		other, err := c.store.GetSession(ctx, active)
		if err != nil {
			return err
		}
		if other.Active {
			return fmt.Errorf("%w: job %s", retake.ErrSessionActive, active)
		}
	}

	if prompt != "" {
		if _, err := c.store.UpdatePreferences(ctx, key, job.PreferencesPatch{Prompt: &prompt}); err != nil {
			return err
		}
	}
	prefs, err := c.store.GetPreferences(ctx, key)
	if err != nil {
		return err
	}
	if prompt == "" {
		prompt = prefs.Prompt
	}

	if err := c.store.ClearSession(ctx, key); err != nil {
		return err
	}
	now := time.Now().UTC()
	activeFlag, outcome := true, job.OutcomePending
	sess, err = c.store.UpdateSession(ctx, key, job.SessionPatch{
		Active:    &activeFlag,
		Route:     &route,
		Outcome:   &outcome,
		StartedAt: &now,
		AppendLog: []string{"session started"},
	})
	if err != nil {
		return err
	}
	if err := c.store.SetActiveJob(ctx, key); err != nil {
		return err
	}

	c.source.Reset()
	c.mu.Lock()
	c.retryScheduledAt = time.Time{}
	c.mu.Unlock()

	c.logger.Info("session started",
		slog.String("job_key", key.String()),
		slog.String("route", string(route)))
	c.hooks.EmitSessionStarted(ctx, key, sess)

	err = c.invoke(ctx, key, middleware.KindInitial, prompt, false)
	if errors.Is(err, retake.ErrLocatorNotFound) {
		c.logger.Warn("initial invocation skipped, control not found",
			slog.String("job_key", key.String()))
		return nil
	}
	return err
}

// EndJob ends the session with a terminal outcome, freezing its summary.
func (c *Controller) EndJob(ctx context.Context, key id.JobKey, outcome job.Outcome) (*job.Summary, error) {
	c.sampler.Stop()

	summary, err := c.store.EndSession(ctx, key, outcome)
	if err != nil {
		return nil, err
	}
	c.logger.Info("session ended",
		slog.String("job_key", key.String()),
		slog.String("outcome", string(outcome)),
		slog.Int("outputs", summary.Outputs),
		slog.Int("retries", summary.Retries))
	c.hooks.EmitSessionEnded(ctx, summary)
	return summary, nil
}

// Cancel ends the active session as cancelled, if one exists.
func (c *Controller) Cancel(ctx context.Context) error {
	key, err := c.store.ActiveJob(ctx)
	if errors.Is(err, retake.ErrNoActiveJob) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = c.EndJob(ctx, key, job.OutcomeCancelled)
	return err
}

// ──────────────────────────────────────────────────
// Invocation
// ──────────────────────────────────────────────────

// invoke activates the generation control through the middleware chain and
// records the attempt start. The attempt counter only moves when the
// control was actually activated; a locator miss changes nothing.
func (c *Controller) invoke(ctx context.Context, key id.JobKey, kind middleware.Kind, prompt string, override bool) error {
	sess, err := c.store.GetSession(ctx, key)
	if err != nil {
		return err
	}

	ctx = retake.WithJobKey(ctx, key)
	inv := &middleware.Invocation{
		JobKey:        key,
		Kind:          kind,
		Attempt:       sess.Attempts + 1,
		Prompt:        prompt,
		Override:      override,
		Granted:       sess.RetryGranted,
		LastFailureAt: sess.LastFailureAt,
	}
	err = c.chain(ctx, inv, func(ctx context.Context) error {
		ok, err := c.trigger.Invoke(ctx, prompt, probe.InvokeOptions{Override: override})
		if err != nil {
			return err
		}
		if !ok {
			return retake.ErrLocatorNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, retake.ErrLocatorNotFound) {
			if _, uerr := c.store.UpdateSession(ctx, key, job.SessionPatch{
				AppendLog: []string{"invocation skipped: control not found"},
			}); uerr != nil {
				return uerr
			}
		}
		return err
	}

	now := time.Now().UTC()
	granted := false
	if _, err := c.store.UpdateSession(ctx, key, job.SessionPatch{
		BumpAttempts:  true,
		LastAttemptAt: &now,
		RetryGranted:  &granted,
		AppendLog:     []string{fmt.Sprintf("attempt %d started (%s)", inv.Attempt, kind)},
	}); err != nil {
		return err
	}
	c.hooks.EmitAttemptStarted(ctx, key, inv.Attempt, prompt)
	c.sampler.Start(ctx)
	return nil
}

// ──────────────────────────────────────────────────
// Wake poller
// ──────────────────────────────────────────────────

func (c *Controller) wakeLoop(ctx context.Context, stopCh chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.WakePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.fireDueWake(ctx); err != nil {
				c.logger.Error("wake poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// fireDueWake executes the active session's pending descriptor once its
// absolute deadline has passed. The descriptor clears before the
// invocation runs, so a failed invocation never replays on the next tick.
func (c *Controller) fireDueWake(ctx context.Context) error {
	key, err := c.store.ActiveJob(ctx)
	if errors.Is(err, retake.ErrNoActiveJob) {
		return nil
	}
	if err != nil {
		return err
	}
	sess, err := c.store.GetSession(ctx, key)
	if err != nil {
		return err
	}
	if !sess.Active || sess.PendingRetry == nil {
		return nil
	}
	if time.Now().Before(sess.PendingRetry.WakeAt) {
		return nil
	}

	pending := *sess.PendingRetry
	if _, err := c.store.UpdateSession(ctx, key, job.SessionPatch{
		ClearPendingRetry: true,
		AppendLog:         []string{"wake deadline reached (" + string(pending.Kind) + ")"},
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.retryScheduledAt = time.Time{}
	c.mu.Unlock()

	kind := middleware.KindRetry
	if pending.Kind == job.WakeNextUnit {
		kind = middleware.KindNextUnit
	}
	err = c.invoke(ctx, key, kind, pending.Prompt, pending.Override)
	if errors.Is(err, retake.ErrLocatorNotFound) {
		// Stay active; the watchdog schedules a fallback.
		return nil
	}
	return err
}

// ──────────────────────────────────────────────────
// Watchdog
// ──────────────────────────────────────────────────

func (c *Controller) watchdogLoop(ctx context.Context, stopCh chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.checkStall(ctx); err != nil {
				c.logger.Error("watchdog check failed", slog.String("error", err.Error()))
			}
		}
	}
}

// checkStall forces a source re-validation when the active session has
// gone quiet: no pending wake and nothing observed since the stall
// threshold. If the re-validation settles nothing, a fallback retry is
// scheduled, or the session ends as failure when the budget forbids one.
func (c *Controller) checkStall(ctx context.Context) error {
	key, err := c.store.ActiveJob(ctx)
	if errors.Is(err, retake.ErrNoActiveJob) {
		return nil
	}
	if err != nil {
		return err
	}
	sess, err := c.store.GetSession(ctx, key)
	if err != nil {
		return err
	}
	if !sess.Active || sess.PendingRetry != nil {
		return nil
	}
	if sess.LastAttemptAt.IsZero() || time.Since(sess.LastAttemptAt) < c.cfg.StallThreshold {
		return nil
	}

	c.logger.Warn("session stalled, forcing source validation",
		slog.String("job_key", key.String()),
		slog.Duration("since_last_attempt", time.Since(sess.LastAttemptAt)))
	if _, err := c.source.Scan(ctx); err != nil {
		return err
	}

	// A settled attempt found by the scan has flowed through the outcome
	// handlers by now. Re-read; only a still-stalled session falls back.
	after, err := c.store.GetSession(ctx, key)
	if err != nil {
		return err
	}
	if !after.Active || after.PendingRetry != nil ||
		len(after.Ledger) != len(sess.Ledger) || !after.LastAttemptAt.Equal(sess.LastAttemptAt) {
		return nil
	}

	prefs, err := c.store.GetPreferences(ctx, key)
	if err != nil {
		return err
	}
	if !prefs.AutoRetry || after.Retries >= prefs.MaxRetries {
		c.logger.Warn("stalled with no retry budget, ending session",
			slog.String("job_key", key.String()))
		_, err := c.EndJob(ctx, key, job.OutcomeFailure)
		return err
	}
	return c.scheduleWake(ctx, key, prefs, job.WakeRetry, c.cfg.MinRetryDelay,
		"watchdog fallback retry")
}
