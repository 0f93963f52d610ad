package job

import (
	"github.com/retakehq/retake"
)

// Preferences is the durable per-job slice: retry budget, auto-retry flag,
// last-known prompt text, and the output goal. Preferences survive session
// end and are never cleared; jobs without a record fall back to
// DefaultPreferences.
type Preferences struct {
	retake.Entity

	MaxRetries int    `json:"max_retries"`
	AutoRetry  bool   `json:"auto_retry"`
	Prompt     string `json:"prompt,omitempty"`
	Goal       int    `json:"goal"`
}

// DefaultPreferences returns the process-wide preference defaults.
func DefaultPreferences() Preferences {
	return Preferences{
		Entity:     retake.NewEntity(),
		MaxRetries: 3,
		AutoRetry:  true,
		Goal:       1,
	}
}

// PreferencesPatch is a partial update. Nil fields are left unchanged;
// set fields win over the stored value (last-write-wins per field).
type PreferencesPatch struct {
	MaxRetries *int    `json:"max_retries,omitempty"`
	AutoRetry  *bool   `json:"auto_retry,omitempty"`
	Prompt     *string `json:"prompt,omitempty"`
	Goal       *int    `json:"goal,omitempty"`
}

// Apply merges the patch into the preferences and touches UpdatedAt.
func (p *Preferences) Apply(patch PreferencesPatch) {
	if patch.MaxRetries != nil {
		p.MaxRetries = *patch.MaxRetries
	}
	if patch.AutoRetry != nil {
		p.AutoRetry = *patch.AutoRetry
	}
	if patch.Prompt != nil {
		p.Prompt = *patch.Prompt
	}
	if patch.Goal != nil {
		p.Goal = *patch.Goal
	}
	p.Touch()
}
