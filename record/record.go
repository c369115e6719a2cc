// Package record defines the durable, tag-addressed record store the core
// persists into. The contract is deliberately small: records are opaque
// payloads carrying a set of tags, written once and retrieved newest-first
// by tag intersection. The store may be slow or briefly unavailable; the
// core treats it as authoritative only for recovery after restart.
package record

import (
	"context"
	"time"

	"github.com/fleetform/crew/id"
)

// Record is a single persisted entry.
type Record struct {
	ID        id.RecordID `json:"id"`
	Tags      []string    `json:"tags"`
	Payload   []byte      `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

// Store defines the persistence contract for records.
type Store interface {
	// Put persists a payload under the given tags and returns the new
	// record's ID.
	Put(ctx context.Context, tags []string, payload []byte) (id.RecordID, error)

	// FindByTags returns records carrying every one of the given tags,
	// ordered by write time descending. A limit of zero means no limit.
	FindByTags(ctx context.Context, tags []string, limit int) ([]*Record, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Well-known tags used by the registry and orchestrator. Worker and task
// snapshots are written as new records each time; recovery takes the
// newest record per entity tag.
const (
	TagWorker = "worker"
	TagTask   = "task"
)

// WorkerTag returns the per-entity tag for a worker snapshot.
func WorkerTag(workerID id.WorkerID) string { return "worker:" + workerID.String() }

// TaskTag returns the per-entity tag for a task snapshot.
func TaskTag(taskID id.TaskID) string { return "task:" + taskID.String() }
