// Package stream provides a real-time event broker for crew lifecycle
// events. It bridges the ext.Extension system to connected consumers via
// topic-based pub/sub with credit-based flow control.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Worker events.
	EventWorkerRegistered    EventType = "worker.registered"
	EventWorkerStatusChanged EventType = "worker.status_changed"
	EventWorkerStale         EventType = "worker.stale"
	EventWorkerLossHandled   EventType = "worker.loss_handled"

	// Task events.
	EventTaskSubmitted EventType = "task.submitted"
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskRetrying  EventType = "task.retrying"
	EventTaskStale     EventType = "task.stale"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// WorkerEventData is the payload for worker lifecycle events.
type WorkerEventData struct {
	WorkerID     string   `json:"worker_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Kind         string   `json:"kind,omitempty"`
	Status       string   `json:"status,omitempty"`
	FromStatus   string   `json:"from_status,omitempty"`
	Load         int      `json:"load,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Requeued     int      `json:"requeued,omitempty"`
}

// TaskEventData is the payload for task lifecycle events.
type TaskEventData struct {
	TaskID     string `json:"task_id"`
	TaskType   string `json:"task_type"`
	Priority   string `json:"priority"`
	Status     string `json:"status"`
	WorkerID   string `json:"worker_id,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`
	AgeMs      int64  `json:"age_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}
