package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetform/crew/ext"
	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/registry"
	"github.com/fleetform/crew/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Extension)(nil)
	_ ext.WorkerRegistered    = (*Extension)(nil)
	_ ext.WorkerStatusChanged = (*Extension)(nil)
	_ ext.WorkerStale         = (*Extension)(nil)
	_ ext.WorkerLossHandled   = (*Extension)(nil)
	_ ext.TaskSubmitted       = (*Extension)(nil)
	_ ext.TaskAssigned        = (*Extension)(nil)
	_ ext.TaskStarted         = (*Extension)(nil)
	_ ext.TaskCompleted       = (*Extension)(nil)
	_ ext.TaskFailed          = (*Extension)(nil)
	_ ext.TaskRetrying        = (*Extension)(nil)
	_ ext.TaskStale           = (*Extension)(nil)
)

// Extension bridges lifecycle events to an audit trail backend. Each
// hook emits one structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided
// Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-trail" }

// ── Worker lifecycle hooks ──────────────────────────

func (e *Extension) OnWorkerRegistered(ctx context.Context, w *registry.Worker) error {
	return e.record(ctx, ActionWorkerRegistered, SeverityInfo, OutcomeSuccess,
		ResourceWorker, w.ID.String(), nil,
		"kind", string(w.Kind),
		"capabilities", w.Capabilities,
	)
}

func (e *Extension) OnWorkerStatusChanged(ctx context.Context, w *registry.Worker, from, to registry.Status) error {
	severity := SeverityInfo
	if to == registry.StatusOffline {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionWorkerStatusChanged, severity, OutcomeSuccess,
		ResourceWorker, w.ID.String(), nil,
		"from", string(from),
		"to", string(to),
	)
}

func (e *Extension) OnWorkerStale(ctx context.Context, workerID id.WorkerID) error {
	return e.record(ctx, ActionWorkerStale, SeverityWarning, OutcomeFailure,
		ResourceWorker, workerID.String(), nil,
	)
}

func (e *Extension) OnWorkerLossHandled(ctx context.Context, workerID id.WorkerID, reassigned int) error {
	return e.record(ctx, ActionWorkerLossHandled, SeverityWarning, OutcomeSuccess,
		ResourceWorker, workerID.String(), nil,
		"requeued", reassigned,
	)
}

// ── Task lifecycle hooks ────────────────────────────

func (e *Extension) OnTaskSubmitted(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskSubmitted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), nil,
		"task_type", t.Type,
		"priority", t.Priority.String(),
	)
}

func (e *Extension) OnTaskAssigned(ctx context.Context, t *task.Task, workerID id.WorkerID) error {
	return e.record(ctx, ActionTaskAssigned, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), nil,
		"task_type", t.Type,
		"worker_id", workerID.String(),
	)
}

func (e *Extension) OnTaskStarted(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskStarted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), nil,
		"task_type", t.Type,
		"worker_id", t.AssignedTo.String(),
	)
}

func (e *Extension) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	return e.record(ctx, ActionTaskCompleted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), nil,
		"task_type", t.Type,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (e *Extension) OnTaskFailed(ctx context.Context, t *task.Task, taskErr error) error {
	return e.record(ctx, ActionTaskFailed, SeverityCritical, OutcomeFailure,
		ResourceTask, t.ID.String(), taskErr,
		"task_type", t.Type,
		"retry_count", t.RetryCount,
		"max_retries", t.MaxRetries,
	)
}

func (e *Extension) OnTaskRetrying(ctx context.Context, t *task.Task, attempt int) error {
	return e.record(ctx, ActionTaskRetrying, SeverityWarning, OutcomeFailure,
		ResourceTask, t.ID.String(), nil,
		"task_type", t.Type,
		"attempt", attempt,
		"retry_at", t.RetryAt.Format(time.RFC3339),
	)
}

func (e *Extension) OnTaskStale(ctx context.Context, t *task.Task, age time.Duration) error {
	return e.record(ctx, ActionTaskStale, SeverityWarning, OutcomeFailure,
		ResourceTask, t.ID.String(), nil,
		"task_type", t.Type,
		"age_ms", age.Milliseconds(),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled. The
// kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
