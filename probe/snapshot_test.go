package probe_test

import (
	"testing"

	"github.com/retakehq/retake/job"
	"github.com/retakehq/retake/probe"
)

func TestDecodeSnapshot_CurrentVersion(t *testing.T) {
	raw := []byte(`{
		"version": 2,
		"records": [
			{"parent_id": "p1", "attempts": [
				{"id": "a1", "moderated": true, "progress": 40},
				{"id": "a2", "moderated": false, "progress": 100, "output_ref": "https://example.test/a2.mp4"}
			]}
		]
	}`)

	snap, err := probe.DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("DecodeSnapshot failed: %v", err)
	}
	rec, ok := snap.FindByParent("p1")
	if !ok {
		t.Fatal("record p1 not found")
	}
	if len(rec.Attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(rec.Attempts))
	}
	if !rec.Attempts[1].Completed() {
		t.Error("a2 should be completed")
	}
	if rec.Attempts[0].Completed() {
		t.Error("a1 is moderated and must not be completed")
	}
}

func TestDecodeSnapshot_MigratesV1(t *testing.T) {
	// Unversioned blob in the original flat layout.
	raw := []byte(`{
		"clips": [
			{"id": "a1", "parent": "p1", "flagged": true, "pct": 15},
			{"id": "a2", "parent": "p1", "group": "g7", "flagged": false, "pct": 100, "url": "https://example.test/a2.mp4"},
			{"id": "b1", "parent": "p2", "flagged": false, "pct": 55}
		]
	}`)

	snap, err := probe.DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("DecodeSnapshot failed: %v", err)
	}
	if snap.Version != probe.SnapshotVersion {
		t.Errorf("Version = %d, want %d", snap.Version, probe.SnapshotVersion)
	}
	if len(snap.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(snap.Records))
	}

	rec, ok := snap.FindByAttempt(job.AttemptID("a1"))
	if !ok || rec.ParentID != "p1" {
		t.Fatalf("FindByAttempt(a1) = %v, %v", rec, ok)
	}
	if !rec.Attempts[0].Moderated {
		t.Error("flagged should migrate to moderated")
	}

	p2, _ := snap.FindByParent("p2")
	if !p2.HasLiveAttempt() {
		t.Error("p2 has a progressing attempt and should read as live")
	}
}

func TestDecodeSnapshot_RejectsNewerVersion(t *testing.T) {
	if _, err := probe.DecodeSnapshot([]byte(`{"version": 99}`)); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestHasLiveAttempt_AllModerated(t *testing.T) {
	rec := probe.SourceRecord{Attempts: []probe.SourceAttempt{
		{ID: "a", Moderated: true, Progress: 80},
		{ID: "b", Moderated: true, Progress: 10},
	}}
	if rec.HasLiveAttempt() {
		t.Error("fully moderated record must not read as live")
	}
}
