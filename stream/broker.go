package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/retakehq/retake/ext"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*Broker)(nil)
	_ ext.SessionStarted   = (*Broker)(nil)
	_ ext.AttemptStarted   = (*Broker)(nil)
	_ ext.AttemptBlocked   = (*Broker)(nil)
	_ ext.AttemptSucceeded = (*Broker)(nil)
	_ ext.RetryScheduled   = (*Broker)(nil)
	_ ext.SessionEnded     = (*Broker)(nil)
	_ ext.LogLine          = (*Broker)(nil)
	_ ext.Shutdown         = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext.Extension
// interface to receive lifecycle events and fans them out to subscribers
// via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID string → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(topics ...string) *Subscriber {
	sub := NewSubscriber(id.NewSubscriberID(), b.bufferSize, b.defaultCredits)
	b.subscribers.Store(sub.ID().String(), sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID id.SubscriberID, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID.String())
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID id.SubscriberID, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID.String())
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID id.SubscriberID) {
	b.topics.UnsubscribeAll(subscriberID.String())
	if val, ok := b.subscribers.LoadAndDelete(subscriberID.String()); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID id.SubscriberID) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID.String())
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publish creates an event and broadcasts it to all matching topics.
func (b *Broker) publish(evt *Event) {
	evt.ID = id.NewEventID()
	topics := resolveTopics(evt)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ── Session lifecycle hooks ─────────────────────────

func (b *Broker) OnSessionStarted(_ context.Context, key id.JobKey, s *job.Session) error {
	b.publish(&Event{
		Type:      EventSessionStarted,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(key.String()),
		Data: mustMarshal(SessionEventData{
			JobKey: key.String(),
			Route:  string(s.Route),
		}),
	})
	return nil
}

func (b *Broker) OnSessionEnded(_ context.Context, summary *job.Summary) error {
	b.publish(&Event{
		Type:      EventSessionEnded,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(summary.JobKey.String()),
		Data: mustMarshal(SessionEventData{
			JobKey:  summary.JobKey.String(),
			Outcome: string(summary.Outcome),
			Outputs: summary.Outputs,
			Retries: summary.Retries,
		}),
	})
	return nil
}

// ── Attempt lifecycle hooks ─────────────────────────

func (b *Broker) OnAttemptStarted(_ context.Context, key id.JobKey, attempt int, prompt string) error {
	b.publish(&Event{
		Type:      EventAttemptStarted,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(key.String()),
		Data: mustMarshal(AttemptEventData{
			JobKey:  key.String(),
			Attempt: attempt,
			Prompt:  prompt,
		}),
	})
	return nil
}

func (b *Broker) OnAttemptBlocked(_ context.Context, key id.JobKey, a job.Attempt, used, budget int) error {
	b.publish(&Event{
		Type:      EventAttemptBlocked,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(key.String()),
		Data: mustMarshal(AttemptEventData{
			JobKey:       key.String(),
			AttemptID:    string(a.ID),
			Layer:        string(a.Layer),
			PeakProgress: a.PeakProgress,
			RetriesUsed:  used,
			Budget:       budget,
		}),
	})
	return nil
}

func (b *Broker) OnAttemptSucceeded(_ context.Context, key id.JobKey, a job.Attempt) error {
	b.publish(&Event{
		Type:      EventAttemptSucceeded,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(key.String()),
		Data: mustMarshal(AttemptEventData{
			JobKey:    key.String(),
			AttemptID: string(a.ID),
			OutputRef: a.OutputRef,
		}),
	})
	return nil
}

func (b *Broker) OnRetryScheduled(_ context.Context, key id.JobKey, pending job.PendingRetry) error {
	b.publish(&Event{
		Type:      EventRetryScheduled,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(key.String()),
		Data: mustMarshal(AttemptEventData{
			JobKey:   key.String(),
			WakeAt:   pending.WakeAt.Format(time.RFC3339),
			WakeKind: string(pending.Kind),
		}),
	})
	return nil
}

// ── Log hooks ───────────────────────────────────────

func (b *Broker) OnLogLine(_ context.Context, key id.JobKey, line job.LogLine) error {
	b.publish(&Event{
		Type:      EventLogLine,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(key.String()),
		Data: mustMarshal(LogEventData{
			JobKey:  key.String(),
			At:      line.At,
			Message: line.Message,
		}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
