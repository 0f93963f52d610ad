// Package sim provides a scripted in-memory target application
// implementing every probe interface. Tests and development builds drive
// it directly: append attempts to the source record, move the progress
// readout, flip page markers, and assert on the recorded invocations.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/job"
	"github.com/retakehq/retake/probe"
)

// Compile-time interface checks.
var (
	_ probe.Trigger        = (*Target)(nil)
	_ probe.Source         = (*Target)(nil)
	_ probe.ProgressReader = (*Target)(nil)
	_ probe.PageObserver   = (*Target)(nil)
)

// Invocation is one recorded trigger activation.
type Invocation struct {
	At     time.Time
	Prompt string
	Opts   probe.InvokeOptions
}

// Target is a scripted stand-in for the target web application.
// Safe for concurrent access.
type Target struct {
	mu sync.Mutex

	snapshot    probe.Snapshot
	signals     probe.PageSignals
	percent     int
	hasPercent  bool
	invocations []Invocation

	// failLocator makes the next n Invoke calls report a locator miss.
	failLocator int

	// onInvoke, when set, runs after each successful Invoke — lets tests
	// script the site's reaction to a click.
	onInvoke func(*Target)
}

// New returns an empty scripted target at the current snapshot version.
func New() *Target {
	return &Target{snapshot: probe.Snapshot{Version: probe.SnapshotVersion}}
}

// Probes returns the target bundled for engine wiring.
func (t *Target) Probes() probe.Probes {
	return probe.Probes{Trigger: t, Source: t, Progress: t, Page: t}
}

// ──────────────────────────────────────────────────
// probe interfaces
// ──────────────────────────────────────────────────

// Invoke records the activation and reports success unless a locator
// failure has been scripted.
func (t *Target) Invoke(_ context.Context, prompt string, opts probe.InvokeOptions) (bool, error) {
	t.mu.Lock()
	if t.failLocator > 0 {
		t.failLocator--
		t.mu.Unlock()
		return false, nil
	}
	t.invocations = append(t.invocations, Invocation{At: time.Now(), Prompt: prompt, Opts: opts})
	fn := t.onInvoke
	t.mu.Unlock()

	if fn != nil {
		fn(t)
	}
	return true, nil
}

// Snapshot returns a deep copy of the current source record.
func (t *Target) Snapshot(_ context.Context) (*probe.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := probe.Snapshot{Version: t.snapshot.Version, TakenAt: time.Now().UTC()}
	cp.Records = make([]probe.SourceRecord, len(t.snapshot.Records))
	for i, rec := range t.snapshot.Records {
		cp.Records[i] = rec
		cp.Records[i].Attempts = append([]probe.SourceAttempt(nil), rec.Attempts...)
	}
	return &cp, nil
}

// Percent returns the scripted progress readout.
func (t *Target) Percent(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasPercent {
		return 0, retake.ErrNoProgress
	}
	return t.percent, nil
}

// Observe returns a copy of the scripted page signals.
func (t *Target) Observe(_ context.Context) (*probe.PageSignals, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := t.signals
	cp.History = append([]job.AttemptID(nil), t.signals.History...)
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Scripting
// ──────────────────────────────────────────────────

// SetPercent scripts the progress readout.
func (t *Target) SetPercent(p int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.percent, t.hasPercent = p, true
}

// ClearPercent makes the readout unlocatable.
func (t *Target) ClearPercent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasPercent = false
}

// SetSignals scripts the page observation.
func (t *Target) SetSignals(s probe.PageSignals) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = s
}

// SetRoute scripts only the displayed route, stamping the change time.
func (t *Target) SetRoute(route job.RouteID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals.Route = route
	t.signals.RouteChangedAt = time.Now()
}

// AddRecord adds an empty source record for the parent key.
func (t *Target) AddRecord(parentID, groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot.Records = append(t.snapshot.Records, probe.SourceRecord{ParentID: parentID, GroupID: groupID})
}

// AppendAttempt appends an attempt to the parent's record, creating the
// record if needed.
func (t *Target) AppendAttempt(parentID string, a probe.SourceAttempt) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.snapshot.Records {
		if t.snapshot.Records[i].ParentID == parentID {
			t.snapshot.Records[i].Attempts = append(t.snapshot.Records[i].Attempts, a)
			return
		}
	}
	t.snapshot.Records = append(t.snapshot.Records, probe.SourceRecord{
		ParentID: parentID,
		Attempts: []probe.SourceAttempt{a},
	})
}

// ReplaceAttempt swaps the attempt with the given ID for a new one,
// mirroring the site discarding a failed attempt.
func (t *Target) ReplaceAttempt(parentID string, old job.AttemptID, a probe.SourceAttempt) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.snapshot.Records {
		if t.snapshot.Records[i].ParentID != parentID {
			continue
		}
		for j, existing := range t.snapshot.Records[i].Attempts {
			if existing.ID == old {
				t.snapshot.Records[i].Attempts[j] = a
				return
			}
		}
	}
}

// FailNextInvoke makes the next n Invoke calls miss their locator.
func (t *Target) FailNextInvoke(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLocator = n
}

// OnInvoke scripts the site's reaction to a click. fn runs after the
// invocation is recorded, outside the target lock.
func (t *Target) OnInvoke(fn func(*Target)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onInvoke = fn
}

// Invocations returns a copy of the recorded trigger activations.
func (t *Target) Invocations() []Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Invocation(nil), t.invocations...)
}
