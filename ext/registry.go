package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/registry"
	"github.com/fleetform/crew/task"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type workerRegisteredEntry struct {
	name string
	hook WorkerRegistered
}

type workerStatusChangedEntry struct {
	name string
	hook WorkerStatusChanged
}

type workerStaleEntry struct {
	name string
	hook WorkerStale
}

type taskSubmittedEntry struct {
	name string
	hook TaskSubmitted
}

type taskAssignedEntry struct {
	name string
	hook TaskAssigned
}

type taskStartedEntry struct {
	name string
	hook TaskStarted
}

type taskCompletedEntry struct {
	name string
	hook TaskCompleted
}

type taskFailedEntry struct {
	name string
	hook TaskFailed
}

type taskRetryingEntry struct {
	name string
	hook TaskRetrying
}

type taskStaleEntry struct {
	name string
	hook TaskStale
}

type workerLossHandledEntry struct {
	name string
	hook WorkerLossHandled
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	workerRegistered    []workerRegisteredEntry
	workerStatusChanged []workerStatusChangedEntry
	workerStale         []workerStaleEntry
	taskSubmitted       []taskSubmittedEntry
	taskAssigned        []taskAssignedEntry
	taskStarted         []taskStartedEntry
	taskCompleted       []taskCompletedEntry
	taskFailed          []taskFailedEntry
	taskRetrying        []taskRetryingEntry
	taskStale           []taskStaleEntry
	workerLossHandled   []workerLossHandledEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(WorkerRegistered); ok {
		r.workerRegistered = append(r.workerRegistered, workerRegisteredEntry{name, h})
	}
	if h, ok := e.(WorkerStatusChanged); ok {
		r.workerStatusChanged = append(r.workerStatusChanged, workerStatusChangedEntry{name, h})
	}
	if h, ok := e.(WorkerStale); ok {
		r.workerStale = append(r.workerStale, workerStaleEntry{name, h})
	}
	if h, ok := e.(TaskSubmitted); ok {
		r.taskSubmitted = append(r.taskSubmitted, taskSubmittedEntry{name, h})
	}
	if h, ok := e.(TaskAssigned); ok {
		r.taskAssigned = append(r.taskAssigned, taskAssignedEntry{name, h})
	}
	if h, ok := e.(TaskStarted); ok {
		r.taskStarted = append(r.taskStarted, taskStartedEntry{name, h})
	}
	if h, ok := e.(TaskCompleted); ok {
		r.taskCompleted = append(r.taskCompleted, taskCompletedEntry{name, h})
	}
	if h, ok := e.(TaskFailed); ok {
		r.taskFailed = append(r.taskFailed, taskFailedEntry{name, h})
	}
	if h, ok := e.(TaskRetrying); ok {
		r.taskRetrying = append(r.taskRetrying, taskRetryingEntry{name, h})
	}
	if h, ok := e.(TaskStale); ok {
		r.taskStale = append(r.taskStale, taskStaleEntry{name, h})
	}
	if h, ok := e.(WorkerLossHandled); ok {
		r.workerLossHandled = append(r.workerLossHandled, workerLossHandledEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Worker event emitters
// ──────────────────────────────────────────────────

// EmitWorkerRegistered notifies all extensions that implement WorkerRegistered.
func (r *Registry) EmitWorkerRegistered(ctx context.Context, w *registry.Worker) {
	for _, e := range r.workerRegistered {
		if err := e.hook.OnWorkerRegistered(ctx, w); err != nil {
			r.logHookError("OnWorkerRegistered", e.name, err)
		}
	}
}

// EmitWorkerStatusChanged notifies all extensions that implement WorkerStatusChanged.
func (r *Registry) EmitWorkerStatusChanged(ctx context.Context, w *registry.Worker, from, to registry.Status) {
	for _, e := range r.workerStatusChanged {
		if err := e.hook.OnWorkerStatusChanged(ctx, w, from, to); err != nil {
			r.logHookError("OnWorkerStatusChanged", e.name, err)
		}
	}
}

// EmitWorkerStale notifies all extensions that implement WorkerStale.
func (r *Registry) EmitWorkerStale(ctx context.Context, workerID id.WorkerID) {
	for _, e := range r.workerStale {
		if err := e.hook.OnWorkerStale(ctx, workerID); err != nil {
			r.logHookError("OnWorkerStale", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskSubmitted notifies all extensions that implement TaskSubmitted.
func (r *Registry) EmitTaskSubmitted(ctx context.Context, t *task.Task) {
	for _, e := range r.taskSubmitted {
		if err := e.hook.OnTaskSubmitted(ctx, t); err != nil {
			r.logHookError("OnTaskSubmitted", e.name, err)
		}
	}
}

// EmitTaskAssigned notifies all extensions that implement TaskAssigned.
func (r *Registry) EmitTaskAssigned(ctx context.Context, t *task.Task, workerID id.WorkerID) {
	for _, e := range r.taskAssigned {
		if err := e.hook.OnTaskAssigned(ctx, t, workerID); err != nil {
			r.logHookError("OnTaskAssigned", e.name, err)
		}
	}
}

// EmitTaskStarted notifies all extensions that implement TaskStarted.
func (r *Registry) EmitTaskStarted(ctx context.Context, t *task.Task) {
	for _, e := range r.taskStarted {
		if err := e.hook.OnTaskStarted(ctx, t); err != nil {
			r.logHookError("OnTaskStarted", e.name, err)
		}
	}
}

// EmitTaskCompleted notifies all extensions that implement TaskCompleted.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) {
	for _, e := range r.taskCompleted {
		if err := e.hook.OnTaskCompleted(ctx, t, elapsed); err != nil {
			r.logHookError("OnTaskCompleted", e.name, err)
		}
	}
}

// EmitTaskFailed notifies all extensions that implement TaskFailed.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task, taskErr error) {
	for _, e := range r.taskFailed {
		if err := e.hook.OnTaskFailed(ctx, t, taskErr); err != nil {
			r.logHookError("OnTaskFailed", e.name, err)
		}
	}
}

// EmitTaskRetrying notifies all extensions that implement TaskRetrying.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *task.Task, attempt int) {
	for _, e := range r.taskRetrying {
		if err := e.hook.OnTaskRetrying(ctx, t, attempt); err != nil {
			r.logHookError("OnTaskRetrying", e.name, err)
		}
	}
}

// EmitTaskStale notifies all extensions that implement TaskStale.
func (r *Registry) EmitTaskStale(ctx context.Context, t *task.Task, age time.Duration) {
	for _, e := range r.taskStale {
		if err := e.hook.OnTaskStale(ctx, t, age); err != nil {
			r.logHookError("OnTaskStale", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitWorkerLossHandled notifies all extensions that implement WorkerLossHandled.
func (r *Registry) EmitWorkerLossHandled(ctx context.Context, workerID id.WorkerID, reassigned int) {
	for _, e := range r.workerLossHandled {
		if err := e.hook.OnWorkerLossHandled(ctx, workerID, reassigned); err != nil {
			r.logHookError("OnWorkerLossHandled", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a hook failure. Hook errors never propagate to the
// caller; lifecycle progress must not depend on extension health.
func (r *Registry) logHookError(hook, extension string, err error) {
	r.logger.Error("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extension),
		slog.String("error", err.Error()),
	)
}
