package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fleetform/crew/ext"
	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/registry"
	"github.com/fleetform/crew/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.WorkerRegistered    = (*MetricsExtension)(nil)
	_ ext.WorkerStatusChanged = (*MetricsExtension)(nil)
	_ ext.WorkerStale         = (*MetricsExtension)(nil)
	_ ext.WorkerLossHandled   = (*MetricsExtension)(nil)
	_ ext.TaskSubmitted       = (*MetricsExtension)(nil)
	_ ext.TaskAssigned        = (*MetricsExtension)(nil)
	_ ext.TaskCompleted       = (*MetricsExtension)(nil)
	_ ext.TaskFailed          = (*MetricsExtension)(nil)
	_ ext.TaskRetrying        = (*MetricsExtension)(nil)
)

const meterName = "github.com/fleetform/crew"

// MetricsExtension records lifecycle metrics through OpenTelemetry.
// Register it as a crew extension to track submission rates, assignment
// and completion counts, failure and retry rates, task execution time,
// and the size of the live worker pool.
type MetricsExtension struct {
	workersLive    metric.Int64UpDownCounter
	workersStale   metric.Int64Counter
	lossesHandled  metric.Int64Counter
	tasksRequeued  metric.Int64Counter
	tasksSubmitted metric.Int64Counter
	tasksAssigned  metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	tasksRetried   metric.Int64Counter
	taskDuration   metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the globally
// registered meter provider.
func NewMetricsExtension() (*MetricsExtension, error) {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use this to plug in a test or per-service provider.
func NewMetricsExtensionWithMeter(meter metric.Meter) (*MetricsExtension, error) {
	m := &MetricsExtension{}
	var err error

	if m.workersLive, err = meter.Int64UpDownCounter("crew.workers.live",
		metric.WithDescription("Workers currently registered and not offline.")); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.workersStale, err = meter.Int64Counter("crew.workers.stale",
		metric.WithDescription("Workers expired by the liveness sweep.")); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.lossesHandled, err = meter.Int64Counter("crew.workers.losses_handled",
		metric.WithDescription("Worker loss events that triggered task requeue.")); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.tasksRequeued, err = meter.Int64Counter("crew.tasks.requeued",
		metric.WithDescription("Tasks returned to pending after worker loss.")); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.tasksSubmitted, err = meter.Int64Counter("crew.tasks.submitted",
		metric.WithDescription("Tasks accepted into the pending queue.")); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.tasksAssigned, err = meter.Int64Counter("crew.tasks.assigned",
		metric.WithDescription("Task assignments to workers.")); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.tasksCompleted, err = meter.Int64Counter("crew.tasks.completed",
		metric.WithDescription("Tasks that finished successfully.")); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.tasksFailed, err = meter.Int64Counter("crew.tasks.failed",
		metric.WithDescription("Tasks that failed terminally.")); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.tasksRetried, err = meter.Int64Counter("crew.tasks.retried",
		metric.WithDescription("Task failures that re-entered the pending queue.")); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.taskDuration, err = meter.Float64Histogram("crew.task.duration",
		metric.WithDescription("Task execution time from start to completion."),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	return m, nil
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func typeAttr(t *task.Task) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("task.type", t.Type))
}

// ──────────────────────────────────────────────────
// Worker lifecycle hooks
// ──────────────────────────────────────────────────

// OnWorkerRegistered implements ext.WorkerRegistered.
func (m *MetricsExtension) OnWorkerRegistered(ctx context.Context, w *registry.Worker) error {
	m.workersLive.Add(ctx, 1, metric.WithAttributes(attribute.String("worker.kind", string(w.Kind))))
	return nil
}

// OnWorkerStatusChanged implements ext.WorkerStatusChanged. The live
// gauge moves only on transitions across the offline boundary.
func (m *MetricsExtension) OnWorkerStatusChanged(ctx context.Context, w *registry.Worker, from, to registry.Status) error {
	kind := metric.WithAttributes(attribute.String("worker.kind", string(w.Kind)))
	switch {
	case from != registry.StatusOffline && to == registry.StatusOffline:
		m.workersLive.Add(ctx, -1, kind)
	case from == registry.StatusOffline && to != registry.StatusOffline:
		m.workersLive.Add(ctx, 1, kind)
	}
	return nil
}

// OnWorkerStale implements ext.WorkerStale.
func (m *MetricsExtension) OnWorkerStale(ctx context.Context, _ id.WorkerID) error {
	m.workersStale.Add(ctx, 1)
	return nil
}

// OnWorkerLossHandled implements ext.WorkerLossHandled.
func (m *MetricsExtension) OnWorkerLossHandled(ctx context.Context, _ id.WorkerID, reassigned int) error {
	m.lossesHandled.Add(ctx, 1)
	m.tasksRequeued.Add(ctx, int64(reassigned))
	return nil
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// OnTaskSubmitted implements ext.TaskSubmitted.
func (m *MetricsExtension) OnTaskSubmitted(ctx context.Context, t *task.Task) error {
	m.tasksSubmitted.Add(ctx, 1, typeAttr(t))
	return nil
}

// OnTaskAssigned implements ext.TaskAssigned.
func (m *MetricsExtension) OnTaskAssigned(ctx context.Context, t *task.Task, _ id.WorkerID) error {
	m.tasksAssigned.Add(ctx, 1, typeAttr(t))
	return nil
}

// OnTaskCompleted implements ext.TaskCompleted.
func (m *MetricsExtension) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	m.tasksCompleted.Add(ctx, 1, typeAttr(t))
	m.taskDuration.Record(ctx, elapsed.Seconds(), typeAttr(t))
	return nil
}

// OnTaskFailed implements ext.TaskFailed.
func (m *MetricsExtension) OnTaskFailed(ctx context.Context, t *task.Task, _ error) error {
	m.tasksFailed.Add(ctx, 1, typeAttr(t))
	return nil
}

// OnTaskRetrying implements ext.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, t *task.Task, _ int) error {
	m.tasksRetried.Add(ctx, 1, typeAttr(t))
	return nil
}
