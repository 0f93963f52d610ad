// Package identity maps the site's transient per-attempt route identifiers
// to stable job keys.
//
// The target renumbers a unit of work on every attempt, so a route id is
// worthless as a key. The resolver decides whether a newly observed route
// continues the current job or is an unrelated navigation, using the
// authoritative source record first and a multi-signal heuristic second.
// When neither decides, the call defers to a bounded grace window rather
// than guessing.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
	"github.com/retakehq/retake/probe"
)

// Resolver resolves transient route identifiers to stable job keys.
type Resolver struct {
	store  job.Store
	source probe.Source
	page   probe.PageObserver
	logger *slog.Logger

	// grace bounds how long an ambiguous navigation may stay undecided;
	// gracePoll is the re-check cadence within the window.
	grace     time.Duration
	gracePoll time.Duration

	// routeChangeWindow bounds how recent a same-origin route change must
	// be to count as a continuation signal.
	routeChangeWindow time.Duration
}

// Option configures the Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithGraceWindow sets the ambiguity window and its poll cadence.
func WithGraceWindow(window, poll time.Duration) Option {
	return func(r *Resolver) {
		r.grace = window
		r.gracePoll = poll
	}
}

// WithRouteChangeWindow sets how recent a route change must be to count
// as a continuation signal.
func WithRouteChangeWindow(d time.Duration) Option {
	return func(r *Resolver) { r.routeChangeWindow = d }
}

// NewResolver creates a resolver over the store and probes.
func NewResolver(store job.Store, source probe.Source, page probe.PageObserver, opts ...Option) *Resolver {
	r := &Resolver{
		store:             store,
		source:            source,
		page:              page,
		logger:            slog.Default(),
		grace:             2 * time.Minute,
		gracePoll:         500 * time.Millisecond,
		routeChangeWindow: 10 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the stable job key for a transient route, walking the
// decision ladder:
//
//  1. a binding already recorded for the route (or the route string being
//     a job key itself);
//  2. the authoritative source record listing the route as an attempt or
//     parent key;
//  3. the active session's dedup ledger already containing the route;
//  4. continuation heuristics against the active session (recent route
//     change, a prior attempt visible in the page history, an alias
//     already binding the hint to the active job).
//
// When none of these decide, Resolve returns retake.ErrIdentityAmbiguous;
// callers then use AwaitDecision to run the grace window.
func (r *Resolver) Resolve(ctx context.Context, route job.RouteID, hint job.AttemptID) (id.JobKey, error) {
	if key, ok, err := r.resolveKnown(ctx, route); err != nil || ok {
		return key, err
	}

	if key, ok, err := r.resolveFromSource(ctx, route); err != nil || ok {
		return key, err
	}

	active, sess, err := r.activeSession(ctx)
	if err != nil {
		return id.Nil, err
	}
	if sess == nil {
		return id.Nil, retake.ErrIdentityAmbiguous
	}

	if sess.Seen(job.AttemptID(route)) {
		return active, r.bind(ctx, route, active)
	}

	related, err := r.continuationSignals(ctx, sess, active, hint)
	if err != nil {
		return id.Nil, err
	}
	if related {
		r.logger.Info("route treated as continuation",
			slog.String("route", string(route)),
			slog.String("job_key", active.String()))
		return active, r.bind(ctx, route, active)
	}

	return id.Nil, retake.ErrIdentityAmbiguous
}

// AwaitDecision runs the grace window for a route Resolve could not
// decide. It re-resolves at the poll cadence; if the window expires
// without a decision the navigation is deemed user-initiated and ok is
// false, unless the authoritative source still shows the active job's
// attempt completed or progressing, in which case the deadline defers to
// that ground truth and the window extends.
func (r *Resolver) AwaitDecision(ctx context.Context, route job.RouteID, hint job.AttemptID) (key id.JobKey, ok bool, err error) {
	ticker := time.NewTicker(r.gracePoll)
	defer ticker.Stop()

	deadline := time.Now().Add(r.grace)
	for {
		select {
		case <-ctx.Done():
			return id.Nil, false, ctx.Err()
		case <-ticker.C:
			key, err := r.Resolve(ctx, route, hint)
			if err == nil {
				return key, true, nil
			}
			if !errors.Is(err, retake.ErrIdentityAmbiguous) {
				return id.Nil, false, err
			}

			if time.Now().Before(deadline) {
				continue
			}
			live, err := r.activeJobLive(ctx)
			if err != nil {
				return id.Nil, false, err
			}
			if live {
				// Ground truth says work is still in flight; don't
				// conclude the user walked away.
				deadline = time.Now().Add(r.grace)
				continue
			}
			return id.Nil, false, nil
		}
	}
}

// ──────────────────────────────────────────────────
// Decision steps
// ──────────────────────────────────────────────────

func (r *Resolver) resolveKnown(ctx context.Context, route job.RouteID) (id.JobKey, bool, error) {
	if key, err := id.ParseJobKey(string(route)); err == nil {
		return key, true, nil
	}
	key, ok, err := r.store.ResolveAlias(ctx, string(route))
	if err != nil {
		return id.Nil, false, err
	}
	if ok {
		return key, true, nil
	}
	return id.Nil, false, nil
}

// resolveFromSource searches the authoritative record for the route as an
// attempt id or parent key. A hit binds the whole record (parent, group,
// route) to one job key, creating the key if the record is new. When the
// record's key differs from an active session that shares its group
// marker, the active state migrates into the record's key.
func (r *Resolver) resolveFromSource(ctx context.Context, route job.RouteID) (id.JobKey, bool, error) {
	snap, err := r.source.Snapshot(ctx)
	if err != nil {
		return id.Nil, false, err
	}

	rec, ok := snap.FindByAttempt(job.AttemptID(route))
	if !ok {
		rec, ok = snap.FindByParent(string(route))
	}
	if !ok {
		return id.Nil, false, nil
	}

	key, bound, err := r.store.ResolveAlias(ctx, rec.ParentID)
	if err != nil {
		return id.Nil, false, err
	}
	if !bound {
		if key, err = r.keyForGroup(ctx, rec); err != nil {
			return id.Nil, false, err
		}
		if err := r.bind(ctx, job.RouteID(rec.ParentID), key); err != nil {
			return id.Nil, false, err
		}
		if rec.GroupID != "" {
			if err := r.store.BindAlias(ctx, "group:"+rec.GroupID, key); err != nil {
				return id.Nil, false, err
			}
		}
	}

	if err := r.migrateActiveIfShared(ctx, rec, key); err != nil {
		return id.Nil, false, err
	}
	return key, true, r.bind(ctx, route, key)
}

// keyForGroup reuses a key already bound to the record's group marker, or
// mints a fresh one.
func (r *Resolver) keyForGroup(ctx context.Context, rec *probe.SourceRecord) (id.JobKey, error) {
	if rec.GroupID != "" {
		key, ok, err := r.store.ResolveAlias(ctx, "group:"+rec.GroupID)
		if err != nil {
			return id.Nil, err
		}
		if ok {
			return key, nil
		}
	}
	return id.NewJobKey(), nil
}

// migrateActiveIfShared moves the active session's counters into key when
// the source record carries the same group marker the active job was
// bound under. The site renumbered the job; the budget must follow it.
func (r *Resolver) migrateActiveIfShared(ctx context.Context, rec *probe.SourceRecord, key id.JobKey) error {
	if rec.GroupID == "" {
		return nil
	}
	active, sess, err := r.activeSession(ctx)
	if err != nil || sess == nil {
		return err
	}
	if active.String() == key.String() {
		return nil
	}
	groupKey, ok, err := r.store.ResolveAlias(ctx, "group:"+rec.GroupID)
	if err != nil || !ok || groupKey.String() != active.String() {
		return err
	}

	r.logger.Info("migrating session state to renumbered job",
		slog.String("from", active.String()),
		slog.String("to", key.String()))
	if err := r.store.MigrateJob(ctx, active, key); err != nil {
		return err
	}
	return r.store.SetActiveJob(ctx, key)
}

func (r *Resolver) continuationSignals(ctx context.Context, sess *job.Session, active id.JobKey, hint job.AttemptID) (bool, error) {
	if hint != "" {
		if sess.Seen(hint) {
			return true, nil
		}
		hintKey, ok, err := r.store.ResolveAlias(ctx, string(hint))
		if err != nil {
			return false, err
		}
		if ok && hintKey.String() == active.String() {
			return true, nil
		}
	}

	if r.page == nil {
		return false, nil
	}
	sig, err := r.page.Observe(ctx)
	if err != nil {
		r.logger.Debug("page observation failed during resolution", slog.String("error", err.Error()))
		return false, nil
	}
	if !sig.RouteChangedAt.IsZero() && time.Since(sig.RouteChangedAt) < r.routeChangeWindow {
		return true, nil
	}
	for _, h := range sig.History {
		if sess.Seen(h) {
			return true, nil
		}
	}
	return false, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// bind records the route as an alias of the key and flushes any prompt
// text buffered under the route before identity resolution completed.
func (r *Resolver) bind(ctx context.Context, route job.RouteID, key id.JobKey) error {
	if err := r.store.BindAlias(ctx, string(route), key); err != nil {
		return err
	}
	prompt, ok, err := r.store.TakePromptBuffer(ctx, route)
	if err != nil {
		return err
	}
	if ok {
		if _, err := r.store.UpdatePreferences(ctx, key, job.PreferencesPatch{Prompt: &prompt}); err != nil {
			return err
		}
		r.logger.Debug("flushed buffered prompt",
			slog.String("route", string(route)),
			slog.String("job_key", key.String()))
	}
	return nil
}

// activeSession returns the active job's session, or nil when no session
// is active.
func (r *Resolver) activeSession(ctx context.Context) (id.JobKey, *job.Session, error) {
	active, err := r.store.ActiveJob(ctx)
	if errors.Is(err, retake.ErrNoActiveJob) {
		return id.Nil, nil, nil
	}
	if err != nil {
		return id.Nil, nil, err
	}
	sess, err := r.store.GetSession(ctx, active)
	if err != nil {
		return id.Nil, nil, err
	}
	if !sess.Active {
		return id.Nil, nil, nil
	}
	return active, sess, nil
}

// activeJobLive reports whether the authoritative source shows the active
// job with a completed or still-progressing attempt.
func (r *Resolver) activeJobLive(ctx context.Context) (bool, error) {
	_, sess, err := r.activeSession(ctx)
	if err != nil || sess == nil {
		return false, err
	}
	snap, err := r.source.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	rec, ok := snap.FindByParent(string(sess.Route))
	if !ok {
		rec, ok = snap.FindByAttempt(job.AttemptID(sess.Route))
	}
	if !ok {
		return false, nil
	}
	return rec.HasLiveAttempt(), nil
}
