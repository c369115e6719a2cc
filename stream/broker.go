package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetform/crew/ext"
	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/registry"
	"github.com/fleetform/crew/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Broker)(nil)
	_ ext.WorkerRegistered    = (*Broker)(nil)
	_ ext.WorkerStatusChanged = (*Broker)(nil)
	_ ext.WorkerStale         = (*Broker)(nil)
	_ ext.WorkerLossHandled   = (*Broker)(nil)
	_ ext.TaskSubmitted       = (*Broker)(nil)
	_ ext.TaskAssigned        = (*Broker)(nil)
	_ ext.TaskStarted         = (*Broker)(nil)
	_ ext.TaskCompleted       = (*Broker)(nil)
	_ ext.TaskFailed          = (*Broker)(nil)
	_ ext.TaskRetrying        = (*Broker)(nil)
	_ ext.TaskStale           = (*Broker)(nil)
	_ ext.Shutdown            = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext.Extension
// hooks to receive lifecycle events and fans them out to subscribers via
// topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64

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

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = l }
}

// NewBroker creates a new stream broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         slog.Default(),
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
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
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

// publish broadcasts an event to its resolved topics plus any extras.
func (b *Broker) publish(evt *Event, extraTopics ...string) {
	topics := append(resolveTopics(evt), extraTopics...)
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

func newTaskData(t *task.Task) TaskEventData {
	return TaskEventData{
		TaskID:     t.ID.String(),
		TaskType:   t.Type,
		Priority:   t.Priority.String(),
		Status:     string(t.Status),
		WorkerID:   t.AssignedTo.String(),
		MaxRetries: t.MaxRetries,
	}
}

// ──────────────────────────────────────────────────
// Worker lifecycle hooks
// ──────────────────────────────────────────────────

func (b *Broker) OnWorkerRegistered(_ context.Context, w *registry.Worker) error {
	b.publish(&Event{
		Type:      EventWorkerRegistered,
		Timestamp: time.Now().UTC(),
		Topic:     WorkerTopic(w.ID.String()),
		Data: mustMarshal(WorkerEventData{
			WorkerID:     w.ID.String(),
			DisplayName:  w.DisplayName,
			Kind:         string(w.Kind),
			Status:       string(w.Status),
			Load:         w.Load,
			Capabilities: w.Capabilities,
		}),
	})
	return nil
}

func (b *Broker) OnWorkerStatusChanged(_ context.Context, w *registry.Worker, from, to registry.Status) error {
	b.publish(&Event{
		Type:      EventWorkerStatusChanged,
		Timestamp: time.Now().UTC(),
		Topic:     WorkerTopic(w.ID.String()),
		Data: mustMarshal(WorkerEventData{
			WorkerID:    w.ID.String(),
			DisplayName: w.DisplayName,
			Status:      string(to),
			FromStatus:  string(from),
			Load:        w.Load,
		}),
	})
	return nil
}

func (b *Broker) OnWorkerStale(_ context.Context, workerID id.WorkerID) error {
	b.publish(&Event{
		Type:      EventWorkerStale,
		Timestamp: time.Now().UTC(),
		Topic:     WorkerTopic(workerID.String()),
		Data: mustMarshal(WorkerEventData{
			WorkerID: workerID.String(),
		}),
	})
	return nil
}

func (b *Broker) OnWorkerLossHandled(_ context.Context, workerID id.WorkerID, reassigned int) error {
	b.publish(&Event{
		Type:      EventWorkerLossHandled,
		Timestamp: time.Now().UTC(),
		Topic:     WorkerTopic(workerID.String()),
		Data: mustMarshal(WorkerEventData{
			WorkerID: workerID.String(),
			Requeued: reassigned,
		}),
	})
	return nil
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

func (b *Broker) OnTaskSubmitted(_ context.Context, t *task.Task) error {
	b.publish(&Event{
		Type:      EventTaskSubmitted,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(newTaskData(t)),
	}, TypeTopic(t.Type))
	return nil
}

func (b *Broker) OnTaskAssigned(_ context.Context, t *task.Task, workerID id.WorkerID) error {
	data := newTaskData(t)
	data.WorkerID = workerID.String()
	b.publish(&Event{
		Type:      EventTaskAssigned,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(t.Type), WorkerTopic(workerID.String()))
	return nil
}

func (b *Broker) OnTaskStarted(_ context.Context, t *task.Task) error {
	b.publish(&Event{
		Type:      EventTaskStarted,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(newTaskData(t)),
	}, TypeTopic(t.Type))
	return nil
}

func (b *Broker) OnTaskCompleted(_ context.Context, t *task.Task, elapsed time.Duration) error {
	data := newTaskData(t)
	data.ElapsedMs = elapsed.Milliseconds()
	b.publish(&Event{
		Type:      EventTaskCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(t.Type))
	return nil
}

func (b *Broker) OnTaskFailed(_ context.Context, t *task.Task, taskErr error) error {
	data := newTaskData(t)
	data.Error = taskErr.Error()
	b.publish(&Event{
		Type:      EventTaskFailed,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(t.Type))
	return nil
}

func (b *Broker) OnTaskRetrying(_ context.Context, t *task.Task, attempt int) error {
	data := newTaskData(t)
	data.Attempt = attempt
	data.Error = t.Error
	b.publish(&Event{
		Type:      EventTaskRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(t.Type))
	return nil
}

func (b *Broker) OnTaskStale(_ context.Context, t *task.Task, age time.Duration) error {
	data := newTaskData(t)
	data.AgeMs = age.Milliseconds()
	b.publish(&Event{
		Type:      EventTaskStale,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(data),
	}, TypeTopic(t.Type))
	return nil
}

// ──────────────────────────────────────────────────
// Shutdown
// ──────────────────────────────────────────────────

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
