package notify

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetform/crew/ext"
	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/registry"
	"github.com/fleetform/crew/task"
)

// Crew lifecycle notification types. Each constant maps to one ext
// lifecycle hook.
const (
	EventWorkerRegistered = "crew.worker.registered"
	EventWorkerOffline    = "crew.worker.offline"
	EventWorkerStale      = "crew.worker.stale"
	EventTaskCompleted    = "crew.task.completed"
	EventTaskFailed       = "crew.task.failed"
	EventWorkerLoss       = "crew.worker.loss_handled"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Extension)(nil)
	_ ext.WorkerRegistered    = (*Extension)(nil)
	_ ext.WorkerStatusChanged = (*Extension)(nil)
	_ ext.WorkerStale         = (*Extension)(nil)
	_ ext.TaskCompleted       = (*Extension)(nil)
	_ ext.TaskFailed          = (*Extension)(nil)
	_ ext.WorkerLossHandled   = (*Extension)(nil)
)

// Extension renders lifecycle events into short operator-facing messages
// and hands them to a Notifier. Delivery failures are returned to the
// hook dispatcher, which logs and continues; notifications never affect
// lifecycle outcomes.
type Extension struct {
	notifier Notifier
	enabled  map[string]bool // nil = all enabled
	limiter  *rate.Limiter   // nil = unlimited
}

// Option configures an Extension.
type Option func(*Extension)

// WithEvents restricts the extension to the listed notification types.
// By default all types are enabled. Unknown types are silently ignored.
func WithEvents(events ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(events))
		for _, ev := range events {
			e.enabled[ev] = true
		}
	}
}

// WithRateLimit caps delivery rate. Notifications over the limit are
// dropped, not queued; a chatty cluster must not back up the hook path.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Extension) {
		e.limiter = rate.NewLimiter(limit, burst)
	}
}

// New creates an Extension that delivers through the provided Notifier.
func New(n Notifier, opts ...Option) *Extension {
	e := &Extension{notifier: n}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "notify" }

// OnWorkerRegistered implements ext.WorkerRegistered.
func (e *Extension) OnWorkerRegistered(ctx context.Context, w *registry.Worker) error {
	return e.send(ctx, EventWorkerRegistered,
		"worker joined",
		fmt.Sprintf("%s (%s) joined the pool with capabilities %v", displayName(w), w.Kind, w.Capabilities))
}

// OnWorkerStatusChanged implements ext.WorkerStatusChanged. Only the
// transition to offline is rendered; routine status churn is noise.
func (e *Extension) OnWorkerStatusChanged(ctx context.Context, w *registry.Worker, from, to registry.Status) error {
	if to != registry.StatusOffline {
		return nil
	}
	return e.send(ctx, EventWorkerOffline,
		"worker offline",
		fmt.Sprintf("%s went offline (was %s)", displayName(w), from))
}

// OnWorkerStale implements ext.WorkerStale.
func (e *Extension) OnWorkerStale(ctx context.Context, workerID id.WorkerID) error {
	return e.send(ctx, EventWorkerStale,
		"worker heartbeat lost",
		fmt.Sprintf("worker %s missed its heartbeat window and was expired", workerID))
}

// OnTaskCompleted implements ext.TaskCompleted.
func (e *Extension) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	return e.send(ctx, EventTaskCompleted,
		"task completed",
		fmt.Sprintf("%s task %s finished in %s", t.Type, t.ID, elapsed.Round(time.Millisecond)))
}

// OnTaskFailed implements ext.TaskFailed.
func (e *Extension) OnTaskFailed(ctx context.Context, t *task.Task, taskErr error) error {
	return e.send(ctx, EventTaskFailed,
		"task failed",
		fmt.Sprintf("%s task %s failed after %d retries: %v", t.Type, t.ID, t.RetryCount, taskErr))
}

// OnWorkerLossHandled implements ext.WorkerLossHandled.
func (e *Extension) OnWorkerLossHandled(ctx context.Context, workerID id.WorkerID, reassigned int) error {
	return e.send(ctx, EventWorkerLoss,
		"worker loss handled",
		fmt.Sprintf("requeued %d task(s) after losing worker %s", reassigned, workerID))
}

func (e *Extension) send(ctx context.Context, eventType, subject, body string) error {
	if e.enabled != nil && !e.enabled[eventType] {
		return nil
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return nil
	}
	return e.notifier.Notify(ctx, subject, body)
}

func displayName(w *registry.Worker) string {
	if w.DisplayName != "" {
		return w.DisplayName
	}
	return w.ID.String()
}
