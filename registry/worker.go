// Package registry tracks the pool of cooperating workers: identity,
// capabilities, status, and load. It is the authoritative live view; the
// record store behind it is authoritative only across restarts.
package registry

import (
	"time"

	"github.com/fleetform/crew/id"
)

// Kind classifies a worker's role in the pool.
type Kind string

const (
	// KindWorker is a regular task-executing worker.
	KindWorker Kind = "worker"
	// KindOverseer coordinates other workers; it can still take tasks.
	KindOverseer Kind = "overseer"
	// KindQA reviews completed work.
	KindQA Kind = "qa"
)

// Status represents the lifecycle state of a worker.
type Status string

const (
	// StatusActive means the worker is healthy and reachable.
	StatusActive Status = "active"
	// StatusIdle means the worker is healthy with no current work.
	StatusIdle Status = "idle"
	// StatusBusy means the worker is saturated with work.
	StatusBusy Status = "busy"
	// StatusOffline means the worker stopped heartbeating or deregistered.
	// Offline workers are excluded from all matching.
	StatusOffline Status = "offline"
)

// LoadBucket is the coarse-grained utilization band derived from Load.
type LoadBucket string

const (
	LoadLow    LoadBucket = "low"    // 0–33
	LoadMedium LoadBucket = "medium" // 34–66
	LoadHigh   LoadBucket = "high"   // 67–100
)

// BucketForLoad returns the bucket for a load percentage. Input is clamped
// to [0,100] first, so the mapping is total.
func BucketForLoad(load int) LoadBucket {
	switch load = ClampLoad(load); {
	case load <= 33:
		return LoadLow
	case load <= 66:
		return LoadMedium
	default:
		return LoadHigh
	}
}

// ClampLoad clamps a load value to [0,100].
func ClampLoad(load int) int {
	if load < 0 {
		return 0
	}
	if load > 100 {
		return 100
	}
	return load
}

// Worker represents a registered member of the pool.
type Worker struct {
	ID          id.WorkerID `json:"id"`
	DisplayName string      `json:"display_name,omitempty"`
	Kind        Kind        `json:"kind"`

	// Capabilities are opaque skill tags; tasks declare required
	// capabilities as a set.
	Capabilities []string `json:"capabilities,omitempty"`

	Status Status `json:"status"`

	// Load is a 0–100 utilization estimate, always clamped.
	Load int `json:"load"`

	CurrentTaskCount   int `json:"current_task_count"`
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`

	// Meta carries integration metadata for external consumers. The core
	// never reads it.
	Meta map[string]string `json:"meta,omitempty"`
}

// LoadBucket returns the utilization band for the worker's current load.
func (w *Worker) LoadBucket() LoadBucket {
	return BucketForLoad(w.Load)
}

// HasCapabilities reports whether the worker's capability set is a
// superset of required. Empty required means any worker qualifies.
func (w *Worker) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// Available reports whether the worker can take another task right now.
func (w *Worker) Available() bool {
	return w.Status != StatusOffline && w.CurrentTaskCount < w.MaxConcurrentTasks
}

// Clone returns a deep copy so callers can read without racing the owner.
func (w *Worker) Clone() *Worker {
	cp := *w
	cp.Capabilities = append([]string(nil), w.Capabilities...)
	if w.Meta != nil {
		cp.Meta = make(map[string]string, len(w.Meta))
		for k, v := range w.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
