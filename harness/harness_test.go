package harness_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/engine"
	"github.com/retakehq/retake/harness"
	"github.com/retakehq/retake/job"
	"github.com/retakehq/retake/probe/sim"
	"github.com/retakehq/retake/store/memory"
)

func newHarness(t *testing.T) *harness.Harness {
	t.Helper()

	core, err := retake.New(retake.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng, err := engine.Build(core, sim.New().Probes(),
		engine.WithMetricsRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return harness.New(eng)
}

func TestStartAndMarkFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, err := h.Start(ctx, "route-1", "a red fox")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.MarkFailure(ctx, key, "att-1", 12); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}

	sess, err := h.Session(ctx, key)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Retries != 1 {
		t.Errorf("Retries = %d, want 1", sess.Retries)
	}
	if sess.LayerCounts[job.LayerPrompt] != 1 {
		t.Errorf("LayerCounts = %v, want one prompt-layer failure", sess.LayerCounts)
	}
	if sess.PendingRetry == nil {
		t.Fatal("expected a scheduled retry")
	}
	if !sess.RetryGranted {
		t.Error("a failure must grant the next retry")
	}
}

func TestMarkFailure_DuplicateIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, err := h.Start(ctx, "route-1", "a red fox")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.MarkFailure(ctx, key, "att-1", 12); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}
	if err := h.MarkFailure(ctx, key, "att-1", 12); err != nil {
		t.Fatalf("MarkFailure replay: %v", err)
	}

	sess, err := h.Session(ctx, key)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Retries != 1 {
		t.Errorf("Retries = %d after replay, want 1", sess.Retries)
	}
}

func TestMarkSuccess_ReachesGoal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, err := h.Start(ctx, "route-1", "a red fox")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.MarkSuccess(ctx, key, "att-1", "blob:final"); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}

	summary, err := h.Summary(ctx, key)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Outcome != job.OutcomeSuccess {
		t.Errorf("Outcome = %s, want success", summary.Outcome)
	}
	if summary.Outputs != 1 {
		t.Errorf("Outputs = %d, want 1", summary.Outputs)
	}

	sess, err := h.Session(ctx, key)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Active {
		t.Error("session must be inactive after reaching the goal")
	}
}

func TestMarkFailure_BudgetExhaustedEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, err := h.Start(ctx, "route-1", "a red fox")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	zero := 0
	if _, err := h.SetPreferences(ctx, key, job.PreferencesPatch{MaxRetries: &zero}); err != nil {
		t.Fatalf("SetPreferences: %v", err)
	}

	if err := h.MarkFailure(ctx, key, "att-1", 40); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}

	summary, err := h.Summary(ctx, key)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Outcome != job.OutcomeFailure {
		t.Errorf("Outcome = %s, want failure", summary.Outcome)
	}
}

func TestEnd_ExplicitOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key, err := h.Start(ctx, "route-1", "a red fox")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	summary, err := h.End(ctx, key, job.OutcomeCancelled)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if summary.Outcome != job.OutcomeCancelled {
		t.Errorf("Outcome = %s, want cancelled", summary.Outcome)
	}
}
