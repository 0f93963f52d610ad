package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
	"github.com/retakehq/retake/store/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "retake.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	s := sqlite.New(openTestDB(t), opts...)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return s
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestSession_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := id.NewJobKey()

	sess, err := s.GetSession(ctx, key)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Active || sess.Attempts != 0 {
		t.Errorf("absent session must read as fresh, got %+v", sess)
	}

	active := true
	wake := time.Now().Add(30 * time.Second).UTC()
	sess, err = s.UpdateSession(ctx, key, job.SessionPatch{
		Active:       &active,
		BumpAttempts: true,
		PendingRetry: &job.PendingRetry{Kind: job.WakeRetry, WakeAt: wake, Prompt: "a red fox"},
	})
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if !sess.Active || sess.Attempts != 1 {
		t.Errorf("patch not applied: %+v", sess)
	}

	got, err := s.GetSession(ctx, key)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.PendingRetry == nil || got.PendingRetry.Prompt != "a red fox" {
		t.Fatalf("pending retry must survive the round trip, got %+v", got.PendingRetry)
	}
	if !got.PendingRetry.WakeAt.Equal(wake) {
		t.Errorf("WakeAt = %v, want %v", got.PendingRetry.WakeAt, wake)
	}
}

func TestRecordAttempt_IdempotentAcrossReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := id.NewJobKey()
	attempt := job.Attempt{
		ID: "att-1", Verdict: job.VerdictBlocked, Layer: job.LayerPrompt, ObservedAt: time.Now(),
	}

	if _, recorded, err := s.RecordAttempt(ctx, key, attempt); err != nil || !recorded {
		t.Fatalf("first RecordAttempt = %v, %v", recorded, err)
	}
	sess, recorded, err := s.RecordAttempt(ctx, key, attempt)
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if recorded || sess.Retries != 1 {
		t.Errorf("replay: recorded=%v retries=%d, want false/1", recorded, sess.Retries)
	}
	if sess.LayerCounts[job.LayerPrompt] != 1 {
		t.Errorf("LayerCounts = %v, want prompt:1", sess.LayerCounts)
	}
}

func TestEndSession_PersistsSummaryAndClearsActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := id.NewJobKey()

	if err := s.SetActiveJob(ctx, key); err != nil {
		t.Fatalf("SetActiveJob failed: %v", err)
	}
	if _, _, err := s.RecordAttempt(ctx, key, job.Attempt{
		ID: "att-1", Verdict: job.VerdictSucceeded, OutputRef: "ref", ObservedAt: time.Now(),
	}); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	summary, err := s.EndSession(ctx, key, job.OutcomeSuccess)
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if summary.Outputs != 1 || summary.Outcome != job.OutcomeSuccess {
		t.Errorf("summary = %+v", summary)
	}

	if _, err := s.ActiveJob(ctx); !errors.Is(err, retake.ErrNoActiveJob) {
		t.Errorf("ActiveJob = %v, want ErrNoActiveJob", err)
	}
	got, err := s.GetSummary(ctx, key)
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if got.ID.String() != summary.ID.String() {
		t.Error("persisted summary differs from returned one")
	}

	sess, err := s.GetSession(ctx, key)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Outputs != 0 || len(sess.Ledger) != 0 {
		t.Errorf("session must reset after end, got %+v", sess)
	}
}

// Records that no longer parse must read as absent, not wedge the job
// behind a permanent decode error.
func TestCorruptRecords_FallBackToDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := id.NewJobKey()
	db := s.DB()

	if _, err := db.Exec(
		`INSERT INTO retake_preferences (job_key, data, updated_at) VALUES (?, 'not json', '')`,
		key.String()); err != nil {
		t.Fatalf("seed corrupt preferences: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO retake_sessions (job_key, active, data, updated_at) VALUES (?, 1, '{broken', '')`,
		key.String()); err != nil {
		t.Fatalf("seed corrupt session: %v", err)
	}

	prefs, err := s.GetPreferences(ctx, key)
	if err != nil {
		t.Fatalf("GetPreferences over corrupt row failed: %v", err)
	}
	defaults := job.DefaultPreferences()
	if prefs.MaxRetries != defaults.MaxRetries || prefs.Goal != defaults.Goal {
		t.Errorf("preferences = %+v, want defaults", prefs)
	}

	sess, err := s.GetSession(ctx, key)
	if err != nil {
		t.Fatalf("GetSession over corrupt row failed: %v", err)
	}
	if sess.Active || sess.Attempts != 0 || sess.Retries != 0 {
		t.Errorf("session = %+v, want fresh", sess)
	}

	// Writes over the corrupt row repair it.
	goal := 2
	if _, err := s.UpdatePreferences(ctx, key, job.PreferencesPatch{Goal: &goal}); err != nil {
		t.Fatalf("UpdatePreferences over corrupt row failed: %v", err)
	}
	prefs, err = s.GetPreferences(ctx, key)
	if err != nil || prefs.Goal != 2 {
		t.Errorf("Goal = %d, %v; want 2", prefs.Goal, err)
	}
}

func TestPromptBuffer_TakeRemoves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	route := job.RouteID("route-5")

	if err := s.BufferPrompt(ctx, route, "twilight skyline"); err != nil {
		t.Fatalf("BufferPrompt failed: %v", err)
	}
	prompt, ok, err := s.TakePromptBuffer(ctx, route)
	if err != nil || !ok || prompt != "twilight skyline" {
		t.Fatalf("TakePromptBuffer = %q, %v, %v", prompt, ok, err)
	}
	if _, ok, _ := s.TakePromptBuffer(ctx, route); ok {
		t.Error("second take must report nothing buffered")
	}
}

func TestMigrateJob_MovesAllState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	from, to := id.NewJobKey(), id.NewJobKey()

	goal := 3
	if _, err := s.UpdatePreferences(ctx, from, job.PreferencesPatch{Goal: &goal}); err != nil {
		t.Fatalf("UpdatePreferences failed: %v", err)
	}
	if _, _, err := s.RecordAttempt(ctx, from, job.Attempt{
		ID: "att-1", Verdict: job.VerdictBlocked, ObservedAt: time.Now(),
	}); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if err := s.BindAlias(ctx, "route-1", from); err != nil {
		t.Fatalf("BindAlias failed: %v", err)
	}
	if err := s.SetActiveJob(ctx, from); err != nil {
		t.Fatalf("SetActiveJob failed: %v", err)
	}

	if err := s.MigrateJob(ctx, from, to); err != nil {
		t.Fatalf("MigrateJob failed: %v", err)
	}

	sess, err := s.GetSession(ctx, to)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Retries != 1 || !sess.Seen("att-1") {
		t.Errorf("counters and ledger must survive migration, got %+v", sess)
	}
	prefs, err := s.GetPreferences(ctx, to)
	if err != nil {
		t.Fatalf("GetPreferences failed: %v", err)
	}
	if prefs.Goal != 3 {
		t.Errorf("Goal = %d, want 3", prefs.Goal)
	}
	key, ok, err := s.ResolveAlias(ctx, "route-1")
	if err != nil || !ok || key.String() != to.String() {
		t.Errorf("alias must rebind, got %s, %v, %v", key, ok, err)
	}
	active, err := s.ActiveJob(ctx)
	if err != nil || active.String() != to.String() {
		t.Errorf("active pointer must follow, got %s, %v", active, err)
	}
}

// seedLegacyRoutes creates the pre-consolidation flat table with three
// rows: two routes of the same parent sharing one ledger entry, plus one
// orphan route without a parent.
func seedLegacyRoutes(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE retake_routes (
			route       TEXT PRIMARY KEY,
			parent      TEXT,
			retries     INTEGER,
			ledger      TEXT,
			prompt      TEXT,
			max_retries INTEGER,
			auto_retry  INTEGER
		)`,
		`INSERT INTO retake_routes VALUES
			('route-1', 'parent-a', 2, '["att-1","att-2"]', 'a red fox', 5, 1),
			('route-2', 'parent-a', 2, '["att-2","att-3"]', 'a red fox', 5, 1),
			('route-9', NULL, 1, '["att-9"]', 'alone', 3, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed legacy table: %v", err)
		}
	}
}

func TestMigrate_ConsolidatesLegacyRoutes(t *testing.T) {
	db := openTestDB(t)
	seedLegacyRoutes(t, db)

	s := sqlite.New(db)
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	key, ok, err := s.ResolveAlias(ctx, "route-1")
	if err != nil || !ok {
		t.Fatalf("ResolveAlias(route-1) = %v, %v", ok, err)
	}
	if k2, ok, _ := s.ResolveAlias(ctx, "route-2"); !ok || k2.String() != key.String() {
		t.Error("routes of one parent must resolve to the same job")
	}
	if kp, ok, _ := s.ResolveAlias(ctx, "parent-a"); !ok || kp.String() != key.String() {
		t.Error("the parent key itself must resolve to the job")
	}

	sess, err := s.GetSession(ctx, key)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	// att-2 appears in both legacy rows and must count once.
	if sess.Retries != 3 {
		t.Errorf("Retries = %d, want 3 (ledger union, no double counting)", sess.Retries)
	}

	prefs, err := s.GetPreferences(ctx, key)
	if err != nil {
		t.Fatalf("GetPreferences failed: %v", err)
	}
	if prefs.MaxRetries != 5 || prefs.Prompt != "a red fox" {
		t.Errorf("preferences not carried over: %+v", prefs)
	}

	orphan, ok, err := s.ResolveAlias(ctx, "route-9")
	if err != nil || !ok {
		t.Fatalf("ResolveAlias(route-9) = %v, %v", ok, err)
	}
	if orphan.String() == key.String() {
		t.Error("parentless route must become its own job")
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='retake_routes'`).Scan(&count)
	if err != nil {
		t.Fatalf("probe legacy table: %v", err)
	}
	if count != 0 {
		t.Error("legacy table must be dropped by default")
	}
}

func TestMigrate_KeepLegacyRecords(t *testing.T) {
	db := openTestDB(t)
	seedLegacyRoutes(t, db)

	s := sqlite.New(db, sqlite.WithKeepLegacyRecords(true))
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM retake_routes`).Scan(&count)
	if err != nil {
		t.Fatalf("legacy table must survive: %v", err)
	}
	if count != 3 {
		t.Errorf("legacy rows = %d, want 3", count)
	}
}
