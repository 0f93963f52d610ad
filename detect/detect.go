// Package detect turns raw probe reads into attempt outcome events.
//
// Outcomes arrive on two channels. The source channel polls the site's own
// attempt record, which carries stable attempt IDs and is authoritative.
// The page channel watches rendered page signals (the moderation marker,
// output presence, route changes); it has no attempt IDs and serves as
// validation and fallback when the source record lags.
package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/retakehq/retake/job"
	"github.com/retakehq/retake/probe"
)

// Channel identifies which observation channel produced a detection.
type Channel string

const (
	// ChannelSource is the site's own attempt record.
	ChannelSource Channel = "source"
	// ChannelPage is the rendered page state.
	ChannelPage Channel = "page"
)

// Detection is one observed attempt outcome, ready for the dedup ledger.
type Detection struct {
	Channel  Channel
	ParentID string
	GroupID  string
	Attempt  job.Attempt
}

// Handler consumes detections. Called from the detector's poll goroutine;
// implementations must be safe for that.
type Handler func(ctx context.Context, d Detection)

// toAttempt converts a settled source attempt. ok is false while the
// attempt is still in flight.
func toAttempt(a probe.SourceAttempt, at time.Time) (job.Attempt, bool) {
	switch {
	case a.Moderated:
		return job.Attempt{
			ID:           a.ID,
			Verdict:      job.VerdictBlocked,
			PeakProgress: a.Progress,
			ObservedAt:   at,
		}, true
	case a.Completed():
		return job.Attempt{
			ID:           a.ID,
			Verdict:      job.VerdictSucceeded,
			PeakProgress: a.Progress,
			OutputRef:    a.OutputRef,
			ObservedAt:   at,
		}, true
	default:
		return job.Attempt{}, false
	}
}

// ──────────────────────────────────────────────────
// Source detector
// ──────────────────────────────────────────────────

// SourceDetector polls the authoritative source record and emits a
// detection for every newly settled attempt. A fingerprint per attempt
// suppresses re-emission on later polls; the durable ledger downstream
// remains the real idempotency barrier.
type SourceDetector struct {
	source   probe.Source
	interval time.Duration
	handler  Handler
	logger   *slog.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	running bool
	stopCh  chan struct{}

	wg sync.WaitGroup
}

// SourceOption configures the SourceDetector.
type SourceOption func(*SourceDetector)

// WithSourceLogger sets the logger for the detector.
func WithSourceLogger(l *slog.Logger) SourceOption {
	return func(d *SourceDetector) { d.logger = l }
}

// NewSourceDetector creates a detector polling source at the given
// interval and delivering settled attempts to handler.
func NewSourceDetector(source probe.Source, interval time.Duration, handler Handler, opts ...SourceOption) *SourceDetector {
	d := &SourceDetector{
		source:   source,
		interval: interval,
		handler:  handler,
		logger:   slog.Default(),
		seen:     make(map[string]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start begins polling. No-op if already running.
func (d *SourceDetector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	stopCh := d.stopCh
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(ctx, stopCh)
}

// Stop halts polling and waits for the loop to exit.
func (d *SourceDetector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
}

// Reset clears the fingerprint cache. Called when the tracked job
// changes so a new job's attempts are never masked by the old one's.
func (d *SourceDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
}

// Scan performs one poll immediately, outside the ticker cadence. Used
// by the watchdog and the grace window to consult ground truth on demand.
func (d *SourceDetector) Scan(ctx context.Context) (*probe.Snapshot, error) {
	snap, err := d.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	d.emit(ctx, snap)
	return snap, nil
}

func (d *SourceDetector) loop(ctx context.Context, stopCh chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := d.source.Snapshot(ctx)
			if err != nil {
				d.logger.Debug("source snapshot failed", slog.String("error", err.Error()))
				continue
			}
			d.emit(ctx, snap)
		}
	}
}

// fingerprint keys an attempt observation by ID, verdict bucket, and
// output ref, so an attempt observed as blocked and later re-listed as
// completed still emits for each settled state.
func fingerprint(a probe.SourceAttempt) string {
	verdict := "live"
	if a.Moderated {
		verdict = "blocked"
	} else if a.Completed() {
		verdict = "done"
	}
	return string(a.ID) + "|" + verdict + "|" + a.OutputRef
}

func (d *SourceDetector) emit(ctx context.Context, snap *probe.Snapshot) {
	at := snap.TakenAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	for _, rec := range snap.Records {
		for _, sa := range rec.Attempts {
			attempt, settled := toAttempt(sa, at)
			if !settled {
				continue
			}

			fp := fingerprint(sa)
			d.mu.Lock()
			if _, dup := d.seen[fp]; dup {
				d.mu.Unlock()
				continue
			}
			d.seen[fp] = struct{}{}
			d.mu.Unlock()

			d.handler(ctx, Detection{
				Channel:  ChannelSource,
				ParentID: rec.ParentID,
				GroupID:  rec.GroupID,
				Attempt:  attempt,
			})
		}
	}
}

// ──────────────────────────────────────────────────
// Page detector
// ──────────────────────────────────────────────────

// PageEvent is one observation from the rendered page.
type PageEvent struct {
	Signals probe.PageSignals
	// RouteChanged is set when the displayed route differs from the
	// previous observation.
	RouteChanged bool
	PrevRoute    job.RouteID
}

// PageHandler consumes page events.
type PageHandler func(ctx context.Context, ev PageEvent)

// PageDetector polls the rendered page and reports moderation markers and
// route changes. It never counts failures on its own: the marker has no
// attempt ID, so the consumer correlates it against the source channel
// and the duplicate window before recording anything.
type PageDetector struct {
	page     probe.PageObserver
	interval time.Duration
	handler  PageHandler
	logger   *slog.Logger

	mu        sync.Mutex
	lastRoute job.RouteID
	marker    bool
	running   bool
	stopCh    chan struct{}

	wg sync.WaitGroup
}

// PageOption configures the PageDetector.
type PageOption func(*PageDetector)

// WithPageLogger sets the logger for the detector.
func WithPageLogger(l *slog.Logger) PageOption {
	return func(d *PageDetector) { d.logger = l }
}

// NewPageDetector creates a detector polling page at the given interval.
func NewPageDetector(page probe.PageObserver, interval time.Duration, handler PageHandler, opts ...PageOption) *PageDetector {
	d := &PageDetector{
		page:     page,
		interval: interval,
		handler:  handler,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start begins polling. No-op if already running.
func (d *PageDetector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	stopCh := d.stopCh
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(ctx, stopCh)
}

// Stop halts polling and waits for the loop to exit.
func (d *PageDetector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
}

// Observe performs one page read immediately and returns the signals
// without emitting an event. Used for validation requests.
func (d *PageDetector) Observe(ctx context.Context) (*probe.PageSignals, error) {
	return d.page.Observe(ctx)
}

func (d *PageDetector) loop(ctx context.Context, stopCh chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.observe(ctx)
		}
	}
}

func (d *PageDetector) observe(ctx context.Context) {
	sig, err := d.page.Observe(ctx)
	if err != nil {
		d.logger.Debug("page observation failed", slog.String("error", err.Error()))
		return
	}

	d.mu.Lock()
	prev := d.lastRoute
	routeChanged := sig.Route != "" && sig.Route != prev
	if routeChanged {
		d.lastRoute = sig.Route
	}
	// Emit the marker only on its rising edge; a marker that stays on
	// screen across polls is one failure, not many.
	markerEdge := sig.ModerationMarker && !d.marker
	d.marker = sig.ModerationMarker
	d.mu.Unlock()

	if !routeChanged && !markerEdge {
		return
	}
	d.handler(ctx, PageEvent{
		Signals:      *sig,
		RouteChanged: routeChanged,
		PrevRoute:    prev,
	})
}
