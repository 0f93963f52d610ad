// Package engine wires all Retake subsystems together: the store, the
// identity resolver, the two detectors, the progress sampler, the session
// controller, and the extension registry with its stream broker and
// metrics extension.
//
// This package exists to break the import cycle: the root retake package
// defines Entity and Config (imported by job, probe, etc.) and so cannot
// import those packages back. The engine package sits above all subsystem
// packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/backoff"
	"github.com/retakehq/retake/detect"
	"github.com/retakehq/retake/ext"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/identity"
	"github.com/retakehq/retake/job"
	mw "github.com/retakehq/retake/middleware"
	"github.com/retakehq/retake/observability"
	"github.com/retakehq/retake/probe"
	"github.com/retakehq/retake/progress"
	"github.com/retakehq/retake/session"
	"github.com/retakehq/retake/store"
	"github.com/retakehq/retake/stream"
)

// Engine wraps a Core with fully wired subsystems.
// Use Build() to create one.
type Engine struct {
	core       *retake.Core
	cfg        retake.Config
	store      store.Store
	probes     probe.Probes
	extensions *ext.Registry
	resolver   *identity.Resolver
	controller *session.Controller
	sampler    *progress.Sampler
	source     *detect.SourceDetector
	page       *detect.PageDetector
	broker     *stream.Broker
	logger     *slog.Logger

	// Build-time options.
	mws        []mw.Middleware
	classify   progress.Classifier
	pacing     backoff.Strategy
	tracerProv trace.TracerProvider
	metricsReg prometheus.Registerer

	// graceBusy guards against stacking grace windows: at most one
	// ambiguous navigation is awaited at a time. Stop cancels the open
	// window through graceCancel so shutdown never waits it out.
	graceBusy   atomic.Bool
	graceWG     sync.WaitGroup
	graceMu     sync.Mutex
	graceCancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware appends middleware to the invocation chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithClassifier replaces the default progress-to-layer classifier.
// The thresholds are heuristics; deployments may tune them.
func WithClassifier(fn progress.Classifier) Option {
	return func(eng *Engine) {
		eng.classify = fn
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProv = tp
	}
}

// WithMetricsRegisterer sets the Prometheus registerer for the metrics
// extension. If not set, prometheus.DefaultRegisterer is used.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(eng *Engine) {
		eng.metricsReg = reg
	}
}

// WithBackoff replaces the controller's retry pacing strategy. The
// moderation cooldown and the minimum retry delay still floor every wake.
func WithBackoff(s backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.pacing = s
	}
}

// Build creates an Engine from a Core and a probe bundle.
// The Core's store must implement store.Store.
func Build(core *retake.Core, probes probe.Probes, opts ...Option) (*Engine, error) {
	logger := core.Logger()
	cfg := core.Config()

	s := core.Store()
	if s == nil {
		return nil, retake.ErrNoStore
	}
	if probes.Trigger == nil {
		return nil, retake.ErrNoTrigger
	}
	if probes.Source == nil {
		return nil, retake.ErrNoSource
	}
	st, ok := s.(store.Store)
	if !ok {
		return nil, fmt.Errorf("retake: store does not implement store.Store")
	}

	eng := &Engine{
		core:       core,
		cfg:        cfg,
		store:      st,
		probes:     probes,
		extensions: ext.NewRegistry(logger),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Register the stream broker for UI subscribers.
	eng.broker = stream.NewBroker(logger)
	eng.extensions.Register(eng.broker)

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.metricsReg != nil {
		obsExt = observability.NewMetricsExtensionWithRegisterer(eng.metricsReg)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	eng.sampler = progress.NewSampler(probes.Progress, cfg.ProgressPollInterval,
		progress.WithLogger(logger))

	eng.resolver = identity.NewResolver(st, probes.Source, probes.Page,
		identity.WithLogger(logger),
		identity.WithGraceWindow(cfg.GraceWindow, cfg.GracePollInterval))

	// Detectors deliver into the engine; the handlers resolve identity
	// before anything reaches the controller.
	eng.source = detect.NewSourceDetector(probes.Source, cfg.SourcePollInterval,
		eng.handleDetection, detect.WithSourceLogger(logger))
	eng.page = detect.NewPageDetector(probes.Page, cfg.PagePollInterval,
		eng.handlePageEvent, detect.WithPageLogger(logger))

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProv != nil {
		tracer := eng.tracerProv.Tracer("github.com/retakehq/retake")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Default invocation stack: recover → logging → tracing → timeout →
	// cooldown → permit, then any user middleware.
	chain := []mw.Middleware{
		mw.Recover(logger),
		mw.Logging(logger),
		tracingMw,
		mw.Timeout(logger),
		mw.Cooldown(cfg.Cooldown, logger),
		mw.Permit(logger),
	}
	chain = append(chain, eng.mws...)

	ctrlOpts := []session.Option{
		session.WithLogger(logger),
		session.WithRegistry(eng.extensions),
		session.WithChain(chain...),
	}
	if eng.classify != nil {
		ctrlOpts = append(ctrlOpts, session.WithClassifier(eng.classify))
	}
	if eng.pacing != nil {
		ctrlOpts = append(ctrlOpts, session.WithPacing(eng.pacing))
	}
	eng.controller = session.NewController(cfg, st, probes.Trigger, eng.sampler, eng.source, ctrlOpts...)

	// Wire back into the Core.
	core.SetRunner(eng)
	core.SetExtensions(eng.extensions)

	return eng, nil
}

// Start migrates the store, sweeps stale sessions, and launches the
// detectors and the controller's poll loops.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.store.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if err := eng.sweepStaleSessions(ctx); err != nil {
		eng.logger.Warn("stale session sweep failed",
			slog.String("error", err.Error()))
	}

	eng.source.Start(ctx)
	eng.page.Start(ctx)
	eng.controller.Start(ctx)

	eng.logger.Info("engine started")
	return nil
}

// Stop halts the poll loops, waiting up to Config.ShutdownTimeout. An
// open grace window is cancelled, not waited out; the undecided session
// stays active for the stale sweep on the next start.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.graceMu.Lock()
	if eng.graceCancel != nil {
		eng.graceCancel()
	}
	eng.graceMu.Unlock()

	done := make(chan struct{})
	go func() {
		eng.controller.Stop()
		eng.source.Stop()
		eng.page.Stop()
		eng.sampler.Stop()
		eng.graceWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		eng.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(eng.cfg.ShutdownTimeout):
		return fmt.Errorf("retake: shutdown timed out after %s", eng.cfg.ShutdownTimeout)
	}
}

// sweepStaleSessions resets sessions persisted as active whose job is
// absent from the authoritative source and older than the grace window.
// A reload after a long absence must not resurrect a dead session.
func (eng *Engine) sweepStaleSessions(ctx context.Context) error {
	sessions, err := eng.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	snap, err := eng.probes.Source.Snapshot(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-eng.cfg.GraceWindow)
	for _, sess := range sessions {
		if !sess.Active || sess.StartedAt.After(cutoff) {
			continue
		}
		_, found := snap.FindByParent(string(sess.Route))
		if !found {
			_, found = snap.FindByAttempt(job.AttemptID(sess.Route))
		}
		if found {
			continue
		}

		eng.logger.Warn("resetting stale active session",
			slog.String("job_key", sess.JobKey.String()),
			slog.String("route", string(sess.Route)),
			slog.Time("started_at", sess.StartedAt))
		if err := eng.store.ClearSession(ctx, sess.JobKey); err != nil {
			return err
		}
		active, aerr := eng.store.ActiveJob(ctx)
		if aerr == nil && active.String() == sess.JobKey.String() {
			if err := eng.store.SetActiveJob(ctx, id.Nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Public operations
// ──────────────────────────────────────────────────

// StartJob starts a session for the route. The route resolves to its
// stable job key first; a route nothing can bind yet is a new job and
// gets a fresh key. Returns the key the session runs under.
func (eng *Engine) StartJob(ctx context.Context, route job.RouteID, prompt string) (id.JobKey, error) {
	key, err := eng.resolver.Resolve(ctx, route, "")
	if errors.Is(err, retake.ErrIdentityAmbiguous) {
		key = id.NewJobKey()
		if err := eng.store.BindAlias(ctx, string(route), key); err != nil {
			return id.Nil, err
		}
		eng.logger.Info("new job key minted",
			slog.String("job_key", key.String()),
			slog.String("route", string(route)))
	} else if err != nil {
		return id.Nil, err
	}

	return key, eng.controller.StartJob(ctx, key, route, prompt)
}

// EndJob ends the session with a terminal outcome, freezing its summary.
func (eng *Engine) EndJob(ctx context.Context, key id.JobKey, outcome job.Outcome) (*job.Summary, error) {
	return eng.controller.EndJob(ctx, key, outcome)
}

// Cancel ends the active session as cancelled, if one exists.
func (eng *Engine) Cancel(ctx context.Context) error {
	return eng.controller.Cancel(ctx)
}

// Subscribe creates a stream subscriber on the given topics.
func (eng *Engine) Subscribe(topics ...string) *stream.Subscriber {
	return eng.broker.Subscribe(topics...)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Controller returns the session controller.
func (eng *Engine) Controller() *session.Controller { return eng.controller }

// Resolver returns the identity resolver.
func (eng *Engine) Resolver() *identity.Resolver { return eng.resolver }

// Stream returns the stream broker.
func (eng *Engine) Stream() *stream.Broker { return eng.broker }

// Store returns the aggregate store.
func (eng *Engine) Store() store.Store { return eng.store }

// Core returns the underlying Core.
func (eng *Engine) Core() *retake.Core { return eng.core }

// ──────────────────────────────────────────────────
// Detection plumbing
// ──────────────────────────────────────────────────

// handleDetection resolves a settled source attempt to its job key and
// feeds it to the controller. Attempts belonging to jobs other than the
// active one are dropped; their records stay in the source for later
// resolution.
func (eng *Engine) handleDetection(ctx context.Context, d detect.Detection) {
	key, err := eng.resolver.Resolve(ctx, job.RouteID(d.ParentID), d.Attempt.ID)
	if err != nil {
		eng.logger.Debug("detection for unresolvable record",
			slog.String("parent_id", d.ParentID),
			slog.String("error", err.Error()))
		return
	}

	// Resolution may have migrated the active pointer; read it after.
	active, err := eng.store.ActiveJob(ctx)
	if errors.Is(err, retake.ErrNoActiveJob) {
		return
	}
	if err != nil {
		eng.logger.Error("active job lookup failed", slog.String("error", err.Error()))
		return
	}
	if key.String() != active.String() {
		eng.logger.Debug("detection for non-active job, ignoring",
			slog.String("job_key", key.String()))
		return
	}

	if err := eng.controller.HandleAttempt(ctx, key, d.Attempt); err != nil {
		eng.logger.Error("attempt handling failed",
			slog.String("job_key", key.String()),
			slog.String("attempt_id", string(d.Attempt.ID)),
			slog.String("error", err.Error()))
	}
}

// handlePageEvent routes page observations: route changes go through
// identity resolution, moderation markers to the controller's validation
// path.
func (eng *Engine) handlePageEvent(ctx context.Context, ev detect.PageEvent) {
	if ev.RouteChanged && ev.Signals.Route != "" {
		eng.handleRouteChange(ctx, ev)
	}
	if ev.Signals.ModerationMarker {
		if err := eng.controller.HandlePageEvent(ctx, ev); err != nil {
			eng.logger.Error("page event handling failed",
				slog.String("error", err.Error()))
		}
	}
}

// handleRouteChange decides whether a new route continues the active job.
// An undecidable route opens the grace window in the background; if the
// window expires undecided the navigation was user-initiated and the
// active session ends as cancelled.
func (eng *Engine) handleRouteChange(ctx context.Context, ev detect.PageEvent) {
	var hint job.AttemptID
	if n := len(ev.Signals.History); n > 0 {
		hint = ev.Signals.History[n-1]
	}

	_, err := eng.resolver.Resolve(ctx, ev.Signals.Route, hint)
	if err == nil {
		return
	}
	if !errors.Is(err, retake.ErrIdentityAmbiguous) {
		eng.logger.Error("route resolution failed",
			slog.String("route", string(ev.Signals.Route)),
			slog.String("error", err.Error()))
		return
	}

	// Nothing at stake without an active session.
	if _, aerr := eng.store.ActiveJob(ctx); errors.Is(aerr, retake.ErrNoActiveJob) {
		return
	}
	if !eng.graceBusy.CompareAndSwap(false, true) {
		return
	}

	gctx, cancel := context.WithCancel(ctx)
	eng.graceMu.Lock()
	eng.graceCancel = cancel
	eng.graceMu.Unlock()

	eng.graceWG.Add(1)
	go func() {
		defer eng.graceWG.Done()
		defer eng.graceBusy.Store(false)
		defer cancel()

		key, ok, err := eng.resolver.AwaitDecision(gctx, ev.Signals.Route, hint)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				eng.logger.Error("grace window failed", slog.String("error", err.Error()))
			}
			return
		}
		if ok {
			eng.logger.Info("route resolved within grace window",
				slog.String("route", string(ev.Signals.Route)),
				slog.String("job_key", key.String()))
			return
		}

		eng.logger.Info("grace window expired, treating navigation as user-initiated",
			slog.String("route", string(ev.Signals.Route)))
		if err := eng.controller.Cancel(ctx); err != nil {
			eng.logger.Error("cancel after grace window failed",
				slog.String("error", err.Error()))
		}
	}()
}
