package job

import (
	"time"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/id"
)

// MaxLogLines bounds the per-session log ring. Older lines fall off the
// front once the ring is full.
const MaxLogLines = 200

// Session is the ephemeral per-job slice. It resets whenever a new session
// starts and is frozen into a Summary when the session ends.
type Session struct {
	retake.Entity

	JobKey id.JobKey `json:"job_key"`
	Active bool      `json:"active"`

	// Attempts counts attempts started this session. It never decreases
	// while the session is active.
	Attempts int `json:"attempts"`
	// Retries counts blocked attempts (retries consumed from the budget).
	Retries int `json:"retries"`
	// Outputs counts successful outputs produced this session.
	Outputs int `json:"outputs"`

	// Route is the transient route identifier of the current attempt.
	Route RouteID `json:"route,omitempty"`

	// Ledger is the set of attempt IDs already accounted for. Once an ID
	// is here it is never re-processed, regardless of whether the site's
	// own record still contains it.
	Ledger map[AttemptID]struct{} `json:"ledger,omitempty"`

	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`

	// RetryGranted is the "may retry now" permission flag. It is set by a
	// failure event and consumed by the next invocation; invoking as a
	// retry without it requires an explicit override.
	RetryGranted bool `json:"retry_granted"`

	Log         []LogLine     `json:"log,omitempty"`
	LayerCounts map[Layer]int `json:"layer_counts,omitempty"`

	// PendingRetry is the single durable deferred work item for this
	// session, or nil. An inactive session never has one.
	PendingRetry *PendingRetry `json:"pending_retry,omitempty"`

	Outcome   Outcome   `json:"outcome"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// NewSession returns an inactive session with zeroed counters for the key.
func NewSession(key id.JobKey) *Session {
	return &Session{
		Entity:      retake.NewEntity(),
		JobKey:      key,
		Ledger:      make(map[AttemptID]struct{}),
		LayerCounts: make(map[Layer]int),
		Outcome:     OutcomeIdle,
	}
}

// Seen reports whether the attempt ID is already in the dedup ledger.
func (s *Session) Seen(attemptID AttemptID) bool {
	_, ok := s.Ledger[attemptID]
	return ok
}

// Record applies an attempt to the session: ledger, counters, layer count,
// and a log line. Returns false without changing anything if the attempt
// ID is already in the ledger.
func (s *Session) Record(a Attempt) bool {
	if s.Seen(a.ID) {
		return false
	}
	if s.Ledger == nil {
		s.Ledger = make(map[AttemptID]struct{})
	}
	s.Ledger[a.ID] = struct{}{}

	if a.Blocked() {
		s.Retries++
		s.LastFailureAt = a.ObservedAt
		layer := a.Layer
		if layer == "" {
			layer = LayerUnknown
		}
		if s.LayerCounts == nil {
			s.LayerCounts = make(map[Layer]int)
		}
		s.LayerCounts[layer]++
		s.AppendLog("attempt " + string(a.ID) + " blocked (" + string(layer) + " layer)")
	} else {
		s.Outputs++
		s.AppendLog("attempt " + string(a.ID) + " succeeded")
	}
	s.Touch()
	return true
}

// AppendLog appends a timestamped line to the bounded log ring.
func (s *Session) AppendLog(message string) {
	s.Log = append(s.Log, LogLine{At: time.Now().UTC(), Message: message})
	if len(s.Log) > MaxLogLines {
		s.Log = s.Log[len(s.Log)-MaxLogLines:]
	}
}

// Clone returns a deep copy, so store backends can hand out sessions
// without sharing mutable maps or slices.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Ledger = make(map[AttemptID]struct{}, len(s.Ledger))
	for k := range s.Ledger {
		cp.Ledger[k] = struct{}{}
	}
	cp.LayerCounts = make(map[Layer]int, len(s.LayerCounts))
	for k, v := range s.LayerCounts {
		cp.LayerCounts[k] = v
	}
	cp.Log = append([]LogLine(nil), s.Log...)
	if s.PendingRetry != nil {
		pr := *s.PendingRetry
		cp.PendingRetry = &pr
	}
	return &cp
}

// SessionPatch is a partial update merged into the session. Nil fields are
// left unchanged (last-write-wins per field). ClearPendingRetry removes the
// descriptor; it wins over a simultaneously set PendingRetry.
type SessionPatch struct {
	Active        *bool      `json:"active,omitempty"`
	Route         *RouteID   `json:"route,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	RetryGranted  *bool      `json:"retry_granted,omitempty"`
	Outcome       *Outcome   `json:"outcome,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`

	// BumpAttempts increments the attempts-started counter by one.
	BumpAttempts bool `json:"bump_attempts,omitempty"`

	PendingRetry      *PendingRetry `json:"pending_retry,omitempty"`
	ClearPendingRetry bool          `json:"clear_pending_retry,omitempty"`

	// AppendLog messages are stamped and appended to the log ring.
	AppendLog []string `json:"append_log,omitempty"`
}

// Apply merges the patch into the session and touches UpdatedAt.
func (s *Session) Apply(patch SessionPatch) {
	if patch.Active != nil {
		s.Active = *patch.Active
	}
	if patch.Route != nil {
		s.Route = *patch.Route
	}
	if patch.LastAttemptAt != nil {
		s.LastAttemptAt = *patch.LastAttemptAt
	}
	if patch.LastFailureAt != nil {
		s.LastFailureAt = *patch.LastFailureAt
	}
	if patch.RetryGranted != nil {
		s.RetryGranted = *patch.RetryGranted
	}
	if patch.Outcome != nil {
		s.Outcome = *patch.Outcome
	}
	if patch.StartedAt != nil {
		s.StartedAt = *patch.StartedAt
	}
	if patch.BumpAttempts {
		s.Attempts++
	}
	if patch.PendingRetry != nil {
		pr := *patch.PendingRetry
		s.PendingRetry = &pr
	}
	if patch.ClearPendingRetry {
		s.PendingRetry = nil
	}
	for _, msg := range patch.AppendLog {
		s.AppendLog(msg)
	}
	s.Touch()
}
