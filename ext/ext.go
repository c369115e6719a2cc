// Package ext defines the extension system for crew. Extensions are
// notified of lifecycle events (worker registered, task assigned, worker
// stale, etc.) and can react to them — notification, streaming, metrics.
//
// Each lifecycle event is a separate, strongly-typed interface so
// extensions opt in only to the events they care about and can never
// misinterpret a payload shape.
package ext

import (
	"context"
	"time"

	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/registry"
	"github.com/fleetform/crew/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Worker lifecycle hooks
// ──────────────────────────────────────────────────

// WorkerRegistered is called after a worker joins the pool.
type WorkerRegistered interface {
	OnWorkerRegistered(ctx context.Context, w *registry.Worker) error
}

// WorkerStatusChanged is called after a worker's status changes, whether
// by explicit update, heartbeat promotion, or staleness correction.
type WorkerStatusChanged interface {
	OnWorkerStatusChanged(ctx context.Context, w *registry.Worker, from, to registry.Status) error
}

// WorkerStale is called when the liveness sweep forces a worker offline.
// This is the sole trigger for orchestrator-side loss handling.
type WorkerStale interface {
	OnWorkerStale(ctx context.Context, workerID id.WorkerID) error
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskSubmitted is called after a task is accepted into the queue.
type TaskSubmitted interface {
	OnTaskSubmitted(ctx context.Context, t *task.Task) error
}

// TaskAssigned is called after a task is assigned to a worker.
type TaskAssigned interface {
	OnTaskAssigned(ctx context.Context, t *task.Task, workerID id.WorkerID) error
}

// TaskStarted is called when the assigned worker begins executing a task.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, t *task.Task) error
}

// TaskCompleted is called after a task finishes successfully.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// TaskFailed is called when a task fails terminally (retries exhausted or
// expired).
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *task.Task, taskErr error) error
}

// TaskRetrying is called when a task fails but re-enters the pending pool.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *task.Task, attempt int) error
}

// TaskStale is called when a task sits assigned past the staleness window
// without starting. Observability only — no automatic action follows.
type TaskStale interface {
	OnTaskStale(ctx context.Context, t *task.Task, age time.Duration) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// WorkerLossHandled is called after the orchestrator finishes requeueing
// and re-matching a lost worker's tasks. The count is the number of tasks
// that were returned to the pending pool.
type WorkerLossHandled interface {
	OnWorkerLossHandled(ctx context.Context, workerID id.WorkerID, requeued int) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
