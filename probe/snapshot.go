package probe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/retakehq/retake/job"
)

// SnapshotVersion is the schema version this package reads and writes.
// Older blobs are upgraded by an explicit per-version migration, never
// inferred structurally at read time.
const SnapshotVersion = 2

// SourceAttempt is one attempt as the target application records it.
type SourceAttempt struct {
	ID        job.AttemptID `json:"id"`
	Moderated bool          `json:"moderated"`
	Progress  int           `json:"progress"`
	OutputRef string        `json:"output_ref,omitempty"`
}

// Completed reports whether the attempt finished with a valid output.
func (a SourceAttempt) Completed() bool {
	return !a.Moderated && a.Progress >= 100 && a.OutputRef != ""
}

// SourceRecord groups the attempts for one unit of work under the parent
// key the site assigns. The attempt list is append-only from the site's
// point of view, but a discarded failed attempt may be replaced in place,
// so consumers must not assume IDs persist between snapshots.
type SourceRecord struct {
	ParentID string          `json:"parent_id"`
	GroupID  string          `json:"group_id,omitempty"`
	Attempts []SourceAttempt `json:"attempts"`
}

// Snapshot is one versioned read of the authoritative source.
type Snapshot struct {
	Version int            `json:"version"`
	Records []SourceRecord `json:"records"`
	TakenAt time.Time      `json:"taken_at,omitzero"`
}

// FindByParent returns the record with the given parent key.
func (s *Snapshot) FindByParent(parentID string) (*SourceRecord, bool) {
	for i := range s.Records {
		if s.Records[i].ParentID == parentID {
			return &s.Records[i], true
		}
	}
	return nil, false
}

// FindByAttempt returns the record whose attempt list contains the ID.
func (s *Snapshot) FindByAttempt(attemptID job.AttemptID) (*SourceRecord, bool) {
	for i := range s.Records {
		for _, a := range s.Records[i].Attempts {
			if a.ID == attemptID {
				return &s.Records[i], true
			}
		}
	}
	return nil, false
}

// HasLiveAttempt reports whether the record holds an attempt that is
// completed or still progressing — the ground truth the grace window
// defers to before concluding a navigation was user-initiated.
func (r *SourceRecord) HasLiveAttempt() bool {
	for _, a := range r.Attempts {
		if a.Completed() {
			return true
		}
		if !a.Moderated && a.Progress > 0 && a.Progress < 100 {
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────
// Versioned decoding
// ──────────────────────────────────────────────────

// DecodeSnapshot parses a raw snapshot blob, applying one migration per
// version step until the blob reaches SnapshotVersion. A blob without a
// version field is treated as version 1.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("probe: decode snapshot header: %w", err)
	}

	version := head.Version
	if version == 0 {
		version = 1
	}
	if version > SnapshotVersion {
		return nil, fmt.Errorf("probe: snapshot version %d is newer than supported %d", version, SnapshotVersion)
	}

	for version < SnapshotVersion {
		migrate, ok := migrations[version]
		if !ok {
			return nil, fmt.Errorf("probe: no migration from snapshot version %d", version)
		}
		upgraded, err := migrate(raw)
		if err != nil {
			return nil, fmt.Errorf("probe: migrate snapshot v%d: %w", version, err)
		}
		raw = upgraded
		version++
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("probe: decode snapshot: %w", err)
	}
	snap.Version = SnapshotVersion
	return &snap, nil
}

// migrations maps a source version to the function that lifts a blob one
// version forward.
var migrations = map[int]func([]byte) ([]byte, error){
	1: migrateV1,
}

// migrateV1 lifts the original flat layout — "clips" with a "flagged"
// boolean and "pct" progress — into the v2 record shape.
func migrateV1(raw []byte) ([]byte, error) {
	var v1 struct {
		Clips []struct {
			ID      string `json:"id"`
			Parent  string `json:"parent"`
			Group   string `json:"group,omitempty"`
			Flagged bool   `json:"flagged"`
			Pct     int    `json:"pct"`
			URL     string `json:"url,omitempty"`
		} `json:"clips"`
	}
	if err := json.Unmarshal(raw, &v1); err != nil {
		return nil, err
	}

	byParent := make(map[string]*SourceRecord)
	var order []string
	for _, c := range v1.Clips {
		rec, ok := byParent[c.Parent]
		if !ok {
			rec = &SourceRecord{ParentID: c.Parent, GroupID: c.Group}
			byParent[c.Parent] = rec
			order = append(order, c.Parent)
		}
		rec.Attempts = append(rec.Attempts, SourceAttempt{
			ID:        job.AttemptID(c.ID),
			Moderated: c.Flagged,
			Progress:  c.Pct,
			OutputRef: c.URL,
		})
	}

	snap := Snapshot{Version: 2, Records: make([]SourceRecord, 0, len(order))}
	for _, parent := range order {
		snap.Records = append(snap.Records, *byParent[parent])
	}
	return json.Marshal(snap)
}
