package detect_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/retakehq/retake/detect"
	"github.com/retakehq/retake/job"
	"github.com/retakehq/retake/probe"
	"github.com/retakehq/retake/probe/sim"
)

// collector gathers detections behind a mutex.
type collector struct {
	mu   sync.Mutex
	dets []detect.Detection
}

func (c *collector) handle(_ context.Context, d detect.Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dets = append(c.dets, d)
}

func (c *collector) all() []detect.Detection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]detect.Detection(nil), c.dets...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestSourceDetector_EmitsSettledAttempts(t *testing.T) {
	target := sim.New()
	var c collector
	d := detect.NewSourceDetector(target, 2*time.Millisecond, c.handle)

	target.AppendAttempt("p1", probe.SourceAttempt{ID: "a1", Moderated: true, Progress: 40})
	target.AppendAttempt("p1", probe.SourceAttempt{ID: "a2", Progress: 30}) // in flight

	d.Start(context.Background())
	defer d.Stop()

	waitFor(t, func() bool { return len(c.all()) >= 1 })
	dets := c.all()
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1 (in-flight attempt must not emit)", len(dets))
	}
	got := dets[0]
	if got.Channel != detect.ChannelSource || got.ParentID != "p1" {
		t.Errorf("detection = %+v", got)
	}
	if got.Attempt.Verdict != job.VerdictBlocked || got.Attempt.PeakProgress != 40 {
		t.Errorf("attempt = %+v, want blocked at 40", got.Attempt)
	}
}

func TestSourceDetector_NoReEmissionAcrossPolls(t *testing.T) {
	target := sim.New()
	var c collector
	d := detect.NewSourceDetector(target, 2*time.Millisecond, c.handle)

	target.AppendAttempt("p1", probe.SourceAttempt{ID: "a1", Moderated: true, Progress: 10})

	d.Start(context.Background())
	defer d.Stop()

	waitFor(t, func() bool { return len(c.all()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := len(c.all()); got != 1 {
		t.Errorf("got %d detections after repeated polls, want 1", got)
	}
}

func TestSourceDetector_SettlingAttemptEmitsOnce(t *testing.T) {
	target := sim.New()
	var c collector
	d := detect.NewSourceDetector(target, 2*time.Millisecond, c.handle)

	// In flight first, then completes.
	target.AppendAttempt("p1", probe.SourceAttempt{ID: "a1", Progress: 50})
	d.Start(context.Background())
	defer d.Stop()

	time.Sleep(15 * time.Millisecond)
	if got := len(c.all()); got != 0 {
		t.Fatalf("in-flight attempt emitted %d detections", got)
	}

	target.ReplaceAttempt("p1", "a1", probe.SourceAttempt{
		ID: "a1", Progress: 100, OutputRef: "https://example.test/a1.mp4",
	})
	waitFor(t, func() bool { return len(c.all()) >= 1 })

	dets := c.all()
	if len(dets) != 1 || dets[0].Attempt.Verdict != job.VerdictSucceeded {
		t.Fatalf("detections = %+v, want one success", dets)
	}
	if dets[0].Attempt.OutputRef != "https://example.test/a1.mp4" {
		t.Errorf("OutputRef = %q", dets[0].Attempt.OutputRef)
	}
}

func TestSourceDetector_ResetClearsFingerprints(t *testing.T) {
	target := sim.New()
	var c collector
	d := detect.NewSourceDetector(target, 2*time.Millisecond, c.handle)

	target.AppendAttempt("p1", probe.SourceAttempt{ID: "a1", Moderated: true, Progress: 10})

	d.Start(context.Background())
	defer d.Stop()
	waitFor(t, func() bool { return len(c.all()) >= 1 })

	d.Reset()
	waitFor(t, func() bool { return len(c.all()) >= 2 })
}

func TestSourceDetector_ScanOnDemand(t *testing.T) {
	target := sim.New()
	var c collector
	d := detect.NewSourceDetector(target, time.Hour, c.handle)

	target.AppendAttempt("p1", probe.SourceAttempt{ID: "a1", Moderated: true, Progress: 5})

	snap, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if _, ok := snap.FindByParent("p1"); !ok {
		t.Error("scan must return the snapshot it read")
	}
	if len(c.all()) != 1 {
		t.Errorf("got %d detections from on-demand scan, want 1", len(c.all()))
	}
}

// ──────────────────────────────────────────────────
// Page detector
// ──────────────────────────────────────────────────

type pageCollector struct {
	mu  sync.Mutex
	evs []detect.PageEvent
}

func (c *pageCollector) handle(_ context.Context, ev detect.PageEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
}

func (c *pageCollector) all() []detect.PageEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]detect.PageEvent(nil), c.evs...)
}

func TestPageDetector_ModerationMarkerRisingEdge(t *testing.T) {
	target := sim.New()
	var c pageCollector
	d := detect.NewPageDetector(target, 2*time.Millisecond, c.handle)

	d.Start(context.Background())
	defer d.Stop()

	target.SetSignals(probe.PageSignals{ModerationMarker: true})
	waitFor(t, func() bool { return len(c.all()) >= 1 })

	// The marker stays on screen; no further events.
	time.Sleep(20 * time.Millisecond)
	evs := c.all()
	if len(evs) != 1 {
		t.Fatalf("got %d events for one marker, want 1", len(evs))
	}
	if !evs[0].Signals.ModerationMarker {
		t.Error("event must carry the marker signal")
	}
}

func TestPageDetector_RouteChange(t *testing.T) {
	target := sim.New()
	var c pageCollector
	d := detect.NewPageDetector(target, 2*time.Millisecond, c.handle)

	target.SetRoute("route-1")
	d.Start(context.Background())
	waitFor(t, func() bool { return len(c.all()) >= 1 })

	target.SetRoute("route-2")
	waitFor(t, func() bool { return len(c.all()) >= 2 })
	d.Stop()

	evs := c.all()
	last := evs[len(evs)-1]
	if !last.RouteChanged || last.PrevRoute != "route-1" || last.Signals.Route != "route-2" {
		t.Errorf("route change event = %+v", last)
	}
}

func TestPageDetector_SteadyStateSilent(t *testing.T) {
	target := sim.New()
	var c pageCollector
	d := detect.NewPageDetector(target, 2*time.Millisecond, c.handle)

	target.SetSignals(probe.PageSignals{Route: "route-1", HasOutput: true})
	d.Start(context.Background())
	defer d.Stop()

	waitFor(t, func() bool { return len(c.all()) >= 1 }) // initial route sighting
	time.Sleep(20 * time.Millisecond)
	if got := len(c.all()); got != 1 {
		t.Errorf("steady page produced %d events, want 1", got)
	}
}
