// Package stream provides a real-time event broker for session lifecycle
// events. It bridges the ext.Extension system to UI collaborators via
// topic-based pub/sub: the control panel subscribes to its job's topic and
// renders counters and the log feed as events arrive.
package stream

import (
	"encoding/json"
	"time"

	"github.com/retakehq/retake/id"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Session events.
	EventSessionStarted EventType = "session.started"
	EventSessionEnded   EventType = "session.ended"

	// Attempt events.
	EventAttemptStarted   EventType = "attempt.started"
	EventAttemptBlocked   EventType = "attempt.blocked"
	EventAttemptSucceeded EventType = "attempt.succeeded"
	EventRetryScheduled   EventType = "attempt.retry_scheduled"

	// Log events.
	EventLogLine EventType = "log.line"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// ID uniquely identifies this event emission.
	ID id.EventID `json:"id"`

	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// SessionEventData is the payload for session lifecycle events.
type SessionEventData struct {
	JobKey  string `json:"job_key"`
	Route   string `json:"route,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Outputs int    `json:"outputs,omitempty"`
	Retries int    `json:"retries,omitempty"`
}

// AttemptEventData is the payload for attempt lifecycle events.
type AttemptEventData struct {
	JobKey       string `json:"job_key"`
	AttemptID    string `json:"attempt_id,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	Layer        string `json:"layer,omitempty"`
	PeakProgress int    `json:"peak_progress,omitempty"`
	OutputRef    string `json:"output_ref,omitempty"`
	RetriesUsed  int    `json:"retries_used,omitempty"`
	Budget       int    `json:"budget,omitempty"`
	WakeAt       string `json:"wake_at,omitempty"`
	WakeKind     string `json:"wake_kind,omitempty"`
}

// LogEventData is the payload for log events.
type LogEventData struct {
	JobKey  string    `json:"job_key"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}
