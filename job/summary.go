package job

import (
	"time"

	"github.com/retakehq/retake/id"
)

// Summary is the immutable snapshot frozen when a session ends — the only
// session data retained after the ephemeral slice resets. UI collaborators
// read it for display; nothing in the core mutates it afterwards.
type Summary struct {
	ID          id.SummaryID  `json:"id"`
	JobKey      id.JobKey     `json:"job_key"`
	Outcome     Outcome       `json:"outcome"`
	Outputs     int           `json:"outputs"`
	Retries     int           `json:"retries"`
	MaxRetries  int           `json:"max_retries"`
	LayerCounts map[Layer]int `json:"layer_counts,omitempty"`
	EndedAt     time.Time     `json:"ended_at"`
}

// Summarize freezes a summary from the session and its preferences.
func Summarize(s *Session, prefs *Preferences) *Summary {
	counts := make(map[Layer]int, len(s.LayerCounts))
	for k, v := range s.LayerCounts {
		counts[k] = v
	}
	return &Summary{
		ID:          id.NewSummaryID(),
		JobKey:      s.JobKey,
		Outcome:     s.Outcome,
		Outputs:     s.Outputs,
		Retries:     s.Retries,
		MaxRetries:  prefs.MaxRetries,
		LayerCounts: counts,
		EndedAt:     time.Now().UTC(),
	}
}
