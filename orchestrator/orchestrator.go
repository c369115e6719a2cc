// Package orchestrator owns the task lifecycle: intake, assignment,
// progress transitions, retry, and reassignment after worker loss. It is
// the only writer of task state; workers report transitions through it
// and never mutate tasks directly.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fleetform/crew"
	"github.com/fleetform/crew/backoff"
	"github.com/fleetform/crew/clock"
	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/match"
	"github.com/fleetform/crew/record"
	"github.com/fleetform/crew/registry"
	"github.com/fleetform/crew/task"
)

// DefaultMaxRetries is applied when a submission does not set one.
const DefaultMaxRetries = 3

// NoRetries requests a zero retry budget on submission. The zero value of
// SubmitRequest.MaxRetries means "use the orchestrator default", so tasks
// that must fail terminally on first error set this instead.
const NoRetries = -1

// Emitter emits task lifecycle events. ext.Registry satisfies this
// interface; the engine layer plugs them together.
type Emitter interface {
	EmitTaskSubmitted(ctx context.Context, t *task.Task)
	EmitTaskAssigned(ctx context.Context, t *task.Task, workerID id.WorkerID)
	EmitTaskStarted(ctx context.Context, t *task.Task)
	EmitTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration)
	EmitTaskFailed(ctx context.Context, t *task.Task, taskErr error)
	EmitTaskRetrying(ctx context.Context, t *task.Task, attempt int)
	EmitTaskStale(ctx context.Context, t *task.Task, age time.Duration)
	EmitWorkerLossHandled(ctx context.Context, workerID id.WorkerID, requeued int)
}

// WorkerPool is the slice of the worker registry the orchestrator needs:
// a candidate snapshot for matching and the paired task counter update.
type WorkerPool interface {
	All(ctx context.Context) []*registry.Worker
	AdjustTaskCount(ctx context.Context, workerID id.WorkerID, delta int) bool
}

// SubmitRequest is the input to Submit.
type SubmitRequest struct {
	Type                 string
	Payload              []byte
	RequiredCapabilities []string
	Priority             task.Priority

	// MaxRetries is the task's retry budget. Zero adopts the orchestrator
	// default; NoRetries (or any negative value) disables retries.
	MaxRetries int

	Meta map[string]string
}

// Metrics is a point-in-time snapshot of orchestrator state.
type Metrics struct {
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`

	Submitted   uint64 `json:"submitted"`
	Retried     uint64 `json:"retried"`
	Reassigned  uint64 `json:"reassigned"`
	Expired     uint64 `json:"expired"`
	LossHandled uint64 `json:"loss_handled"`
}

// Orchestrator manages every live task in memory and writes snapshots to
// the record store on each transition. In-memory state is authoritative
// for the running process; the store is the restart recovery source.
type Orchestrator struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	dirty map[string]struct{}

	// counters are monotonic for the process lifetime.
	submitted   uint64
	retried     uint64
	reassigned  uint64
	expired     uint64
	lossHandled uint64

	store   record.Store
	pool    WorkerPool
	emitter Emitter
	retry   backoff.Strategy
	clk     clock.Clock
	logger  *slog.Logger

	maxQueueSize      int
	defaultMaxRetries int
	staleThreshold    time.Duration
	expiry            time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the time source. Defaults to the system clock.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clk = c }
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(o *Orchestrator) { o.retry = s }
}

// WithMaxQueueSize caps the number of pending tasks. Zero disables the cap.
func WithMaxQueueSize(n int) Option {
	return func(o *Orchestrator) { o.maxQueueSize = n }
}

// WithDefaultMaxRetries sets the retry budget applied to submissions that
// do not specify one.
func WithDefaultMaxRetries(n int) Option {
	return func(o *Orchestrator) { o.defaultMaxRetries = n }
}

// WithStaleThreshold sets how long an assigned task may sit unstarted
// before the stale sweep flags it.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleThreshold = d }
}

// WithExpiry sets the age at which a non-terminal task is force-failed.
func WithExpiry(d time.Duration) Option {
	return func(o *Orchestrator) { o.expiry = d }
}

// New creates an Orchestrator over the given record store and worker pool.
func New(store record.Store, pool WorkerPool, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tasks:          make(map[string]*task.Task),
		dirty:          make(map[string]struct{}),
		store:          store,
		pool:           pool,
		retry:          backoff.DefaultStrategy(),
		clk:            clock.NewSystem(),
		logger:         slog.Default(),
		maxQueueSize:      1000,
		defaultMaxRetries: DefaultMaxRetries,
		staleThreshold:    5 * time.Minute,
		expiry:            24 * time.Hour,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ──────────────────────────────────────────────────
// Intake
// ──────────────────────────────────────────────────

// Submit accepts a new task into the pending queue.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*task.Task, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("orchestrator: submit: task type is required")
	}
	if req.MaxRetries < 0 {
		req.MaxRetries = 0
	} else if req.MaxRetries == 0 {
		req.MaxRetries = o.defaultMaxRetries
	}

	t := &task.Task{
		ID:                   id.New(id.PrefixTask),
		Type:                 req.Type,
		Payload:              req.Payload,
		RequiredCapabilities: append([]string(nil), req.RequiredCapabilities...),
		Priority:             req.Priority,
		Status:               task.StatusPending,
		MaxRetries:           req.MaxRetries,
		CreatedAt:            o.clk.Now(),
		Meta:                 req.Meta,
	}

	o.mu.Lock()
	if o.maxQueueSize > 0 && o.pendingLocked() >= o.maxQueueSize {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator: submit %q: %w", req.Type, crew.ErrQueueFull)
	}
	o.tasks[t.ID.String()] = t
	o.submitted++
	cp := t.Clone()
	o.mu.Unlock()

	if o.emitter != nil {
		o.emitter.EmitTaskSubmitted(ctx, cp)
	}
	o.persist(ctx, cp)
	return cp, nil
}

func (o *Orchestrator) pendingLocked() int {
	n := 0
	for _, t := range o.tasks {
		if t.Status == task.StatusPending {
			n++
		}
	}
	return n
}

// ──────────────────────────────────────────────────
// Assignment
// ──────────────────────────────────────────────────

// Assign hands a pending task to a specific worker.
func (o *Orchestrator) Assign(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	now := o.clk.Now()

	o.mu.Lock()
	t, ok := o.tasks[taskID.String()]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: assign %s: %w", taskID, crew.ErrTaskNotFound)
	}
	if t.Status != task.StatusPending {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: assign %s: status %s: %w", taskID, t.Status, crew.ErrInvalidTransition)
	}
	t.Status = task.StatusAssigned
	t.AssignedTo = workerID
	t.AssignedAt = &now
	t.RetryAt = time.Time{}
	cp := t.Clone()
	o.mu.Unlock()

	// Charging the worker's task counter doubles as the existence check:
	// a worker the registry no longer knows cannot take the task.
	if !o.pool.AdjustTaskCount(ctx, workerID, +1) {
		o.rollbackAssign(ctx, taskID, workerID)
		return fmt.Errorf("orchestrator: assign %s to %s: %w", taskID, workerID, crew.ErrWorkerNotFound)
	}
	if o.emitter != nil {
		o.emitter.EmitTaskAssigned(ctx, cp, workerID)
	}
	o.persist(ctx, cp)
	return nil
}

// rollbackAssign returns a task to pending after its assignment target
// turned out to be unknown to the pool. The ownership check guards
// against a racing transition having already moved the task on.
func (o *Orchestrator) rollbackAssign(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) {
	o.mu.Lock()
	t, ok := o.tasks[taskID.String()]
	if !ok || t.Status != task.StatusAssigned || t.AssignedTo != workerID {
		o.mu.Unlock()
		return
	}
	t.Status = task.StatusPending
	t.AssignedTo = id.WorkerID{}
	t.AssignedAt = nil
	cp := t.Clone()
	o.mu.Unlock()
	o.persist(ctx, cp)
}

// AutoAssign matches every eligible pending task against a single
// candidate snapshot and assigns each to its best worker. Tasks are
// considered in priority order, ties broken by submission order (task IDs
// are K-sortable). Tasks whose retry gate has not elapsed are skipped.
// Returns the number of tasks assigned.
func (o *Orchestrator) AutoAssign(ctx context.Context) int {
	now := o.clk.Now()

	o.mu.Lock()
	pending := make([]*task.Task, 0)
	for _, t := range o.tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if !t.RetryAt.IsZero() && now.Before(t.RetryAt) {
			continue
		}
		pending = append(pending, t.Clone())
	}
	o.mu.Unlock()

	return o.assignBatch(ctx, pending, id.WorkerID{})
}

// assignBatch matches a batch of pending tasks against a single candidate
// snapshot, highest priority first, ties broken by submission order (task
// IDs are K-sortable). A non-nil exclude drops that worker from the
// candidate set regardless of its registry state.
func (o *Orchestrator) assignBatch(ctx context.Context, batch []*task.Task, exclude id.WorkerID) int {
	if len(batch) == 0 {
		return 0
	}

	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].ID.String() < batch[j].ID.String()
	})

	// One snapshot per batch; task counts on the local copies advance as
	// assignments land so a single worker is not over-committed.
	candidates := o.pool.All(ctx)
	if !exclude.IsNil() {
		kept := candidates[:0]
		for _, w := range candidates {
			if w.ID != exclude {
				kept = append(kept, w)
			}
		}
		candidates = kept
	}

	assigned := 0
	for _, t := range batch {
		best := match.FindBestWorker(t, candidates)
		if best == nil {
			continue
		}
		if err := o.Assign(ctx, t.ID, best.ID); err != nil {
			// Raced with a direct Assign; the batch moves on.
			o.logger.Debug("auto-assign skipped task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		best.CurrentTaskCount++
		assigned++
	}
	return assigned
}

// Reassign moves an assigned or in-progress task from one worker to
// another. The fromWorker guard rejects a reassignment based on a stale
// view of ownership.
func (o *Orchestrator) Reassign(ctx context.Context, taskID id.TaskID, fromWorker, toWorker id.WorkerID) error {
	now := o.clk.Now()

	o.mu.Lock()
	t, ok := o.tasks[taskID.String()]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: reassign %s: %w", taskID, crew.ErrTaskNotFound)
	}
	if !t.Assigned() {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: reassign %s: status %s: %w", taskID, t.Status, crew.ErrInvalidTransition)
	}
	if t.AssignedTo != fromWorker {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: reassign %s: held by %s not %s: %w",
			taskID, t.AssignedTo, fromWorker, crew.ErrWorkerMismatch)
	}
	prevStatus := t.Status
	prevAssignedAt := t.AssignedAt
	prevStartedAt := t.StartedAt
	t.Status = task.StatusAssigned
	t.AssignedTo = toWorker
	t.AssignedAt = &now
	t.StartedAt = nil
	cp := t.Clone()
	o.reassigned++
	o.mu.Unlock()

	// Charge the destination first; an unknown destination restores the
	// original owner untouched.
	if !o.pool.AdjustTaskCount(ctx, toWorker, +1) {
		o.mu.Lock()
		if cur, ok := o.tasks[taskID.String()]; ok && cur.Status == task.StatusAssigned && cur.AssignedTo == toWorker {
			cur.Status = prevStatus
			cur.AssignedTo = fromWorker
			cur.AssignedAt = prevAssignedAt
			cur.StartedAt = prevStartedAt
			o.reassigned--
			restored := cur.Clone()
			o.mu.Unlock()
			o.persist(ctx, restored)
		} else {
			o.mu.Unlock()
		}
		return fmt.Errorf("orchestrator: reassign %s to %s: %w", taskID, toWorker, crew.ErrWorkerNotFound)
	}
	o.pool.AdjustTaskCount(ctx, fromWorker, -1)
	if o.emitter != nil {
		o.emitter.EmitTaskAssigned(ctx, cp, toWorker)
	}
	o.persist(ctx, cp)
	return nil
}

// ──────────────────────────────────────────────────
// Progress
// ──────────────────────────────────────────────────

// Start records that the owning worker has begun execution.
func (o *Orchestrator) Start(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	now := o.clk.Now()

	o.mu.Lock()
	t, ok := o.tasks[taskID.String()]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: start %s: %w", taskID, crew.ErrTaskNotFound)
	}
	if t.Status != task.StatusAssigned {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: start %s: status %s: %w", taskID, t.Status, crew.ErrInvalidTransition)
	}
	if t.AssignedTo != workerID {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: start %s: held by %s not %s: %w",
			taskID, t.AssignedTo, workerID, crew.ErrWorkerMismatch)
	}
	t.Status = task.StatusInProgress
	t.StartedAt = &now
	cp := t.Clone()
	o.mu.Unlock()

	if o.emitter != nil {
		o.emitter.EmitTaskStarted(ctx, cp)
	}
	o.persist(ctx, cp)
	return nil
}

// Complete records a successful finish by the owning worker.
func (o *Orchestrator) Complete(ctx context.Context, taskID id.TaskID, workerID id.WorkerID, result []byte) error {
	now := o.clk.Now()

	o.mu.Lock()
	t, ok := o.tasks[taskID.String()]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: complete %s: %w", taskID, crew.ErrTaskNotFound)
	}
	if t.Status != task.StatusInProgress {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: complete %s: status %s: %w", taskID, t.Status, crew.ErrInvalidTransition)
	}
	if t.AssignedTo != workerID {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: complete %s: held by %s not %s: %w",
			taskID, t.AssignedTo, workerID, crew.ErrWorkerMismatch)
	}
	started := t.StartedAt
	t.Status = task.StatusCompleted
	t.AssignedTo = id.WorkerID{}
	t.CompletedAt = &now
	t.Result = append([]byte(nil), result...)
	cp := t.Clone()
	o.mu.Unlock()

	elapsed := time.Duration(0)
	if started != nil {
		elapsed = now.Sub(*started)
	}

	o.pool.AdjustTaskCount(ctx, workerID, -1)
	if o.emitter != nil {
		o.emitter.EmitTaskCompleted(ctx, cp, elapsed)
	}
	o.persist(ctx, cp)
	return nil
}

// Fail records a failure by the owning worker. If retry budget remains
// the task returns to pending behind a backoff gate; otherwise it fails
// terminally.
func (o *Orchestrator) Fail(ctx context.Context, taskID id.TaskID, workerID id.WorkerID, taskErr error) error {
	now := o.clk.Now()

	o.mu.Lock()
	t, ok := o.tasks[taskID.String()]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: fail %s: %w", taskID, crew.ErrTaskNotFound)
	}
	if !t.Assigned() {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: fail %s: status %s: %w", taskID, t.Status, crew.ErrInvalidTransition)
	}
	if t.AssignedTo != workerID {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: fail %s: held by %s not %s: %w",
			taskID, t.AssignedTo, workerID, crew.ErrWorkerMismatch)
	}

	errText := ""
	if taskErr != nil {
		errText = taskErr.Error()
	}

	retrying := t.RetryCount < t.MaxRetries
	if retrying {
		t.RetryCount++
		t.Status = task.StatusPending
		t.AssignedTo = id.WorkerID{}
		t.AssignedAt = nil
		t.StartedAt = nil
		t.Error = errText
		t.RetryAt = now.Add(o.retry.Delay(t.RetryCount))
		o.retried++
	} else {
		t.Status = task.StatusFailed
		t.AssignedTo = id.WorkerID{}
		t.CompletedAt = &now
		t.Error = errText
	}
	attempt := t.RetryCount
	cp := t.Clone()
	o.mu.Unlock()

	o.pool.AdjustTaskCount(ctx, workerID, -1)
	if o.emitter != nil {
		if retrying {
			o.emitter.EmitTaskRetrying(ctx, cp, attempt)
		} else {
			o.emitter.EmitTaskFailed(ctx, cp, errors.Join(taskErr, crew.ErrMaxRetriesExceeded))
		}
	}
	o.persist(ctx, cp)
	return nil
}

// ──────────────────────────────────────────────────
// Worker loss
// ──────────────────────────────────────────────────

// HandleWorkerLoss returns every task held by the lost worker to the
// pending queue and immediately attempts to place each on a surviving
// worker. Worker loss is not the task's fault: the retry count is
// untouched and no backoff gate is set. The lost worker is excluded from
// the candidate set even if it is still present in the registry. Tasks
// with no eligible survivor stay pending for the next assignment pass.
// Returns the number of tasks reassigned.
func (o *Orchestrator) HandleWorkerLoss(ctx context.Context, workerID id.WorkerID) int {
	o.mu.Lock()
	requeued := make([]*task.Task, 0)
	for _, t := range o.tasks {
		if !t.Assigned() || t.AssignedTo != workerID {
			continue
		}
		t.Status = task.StatusPending
		t.AssignedTo = id.WorkerID{}
		t.AssignedAt = nil
		t.StartedAt = nil
		t.RetryAt = time.Time{}
		requeued = append(requeued, t.Clone())
	}
	if len(requeued) > 0 {
		o.lossHandled++
	}
	o.mu.Unlock()

	for _, cp := range requeued {
		o.pool.AdjustTaskCount(ctx, workerID, -1)
		o.logger.Info("task requeued after worker loss",
			slog.String("task_id", cp.ID.String()),
			slog.String("worker_id", workerID.String()),
		)
		o.persist(ctx, cp)
	}

	reassigned := o.assignBatch(ctx, requeued, workerID)
	if o.emitter != nil && len(requeued) > 0 {
		o.emitter.EmitWorkerLossHandled(ctx, workerID, len(requeued))
	}
	return reassigned
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// GetTask returns a copy of the task.
func (o *Orchestrator) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID.String()]
	if !ok {
		return nil, fmt.Errorf("orchestrator: get %s: %w", taskID, crew.ErrTaskNotFound)
	}
	return t.Clone(), nil
}

// GetTasksByStatus returns copies of every task in the given status.
func (o *Orchestrator) GetTasksByStatus(ctx context.Context, status task.Status) []*task.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	result := make([]*task.Task, 0)
	for _, t := range o.tasks {
		if t.Status == status {
			result = append(result, t.Clone())
		}
	}
	return result
}

// GetMetrics returns a snapshot of queue depths and lifetime counters.
func (o *Orchestrator) GetMetrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := Metrics{
		Submitted:   o.submitted,
		Retried:     o.retried,
		Reassigned:  o.reassigned,
		Expired:     o.expired,
		LossHandled: o.lossHandled,
	}
	for _, t := range o.tasks {
		switch t.Status {
		case task.StatusPending:
			m.Pending++
		case task.StatusAssigned:
			m.Assigned++
		case task.StatusInProgress:
			m.InProgress++
		case task.StatusCompleted:
			m.Completed++
		case task.StatusFailed:
			m.Failed++
		}
	}
	return m
}

// ──────────────────────────────────────────────────
// Sweeps
// ──────────────────────────────────────────────────

// SweepStale flags assigned tasks whose worker has not started them
// within the stale threshold. In-progress tasks are left alone: a slow
// execution is not the same signal as a worker that never picked up. The
// sweep only raises events; an operator or extension decides whether to
// reassign. Returns the number flagged.
func (o *Orchestrator) SweepStale(ctx context.Context) int {
	now := o.clk.Now()

	type staleTask struct {
		t   *task.Task
		age time.Duration
	}

	o.mu.Lock()
	var stale []staleTask
	for _, t := range o.tasks {
		if t.Status != task.StatusAssigned || t.AssignedAt == nil {
			continue
		}
		age := now.Sub(*t.AssignedAt)
		if age > o.staleThreshold {
			stale = append(stale, staleTask{t: t.Clone(), age: age})
		}
	}
	o.mu.Unlock()

	for _, s := range stale {
		o.logger.Warn("task stalled",
			slog.String("task_id", s.t.ID.String()),
			slog.String("worker_id", s.t.AssignedTo.String()),
			slog.Duration("age", s.age),
		)
		if o.emitter != nil {
			o.emitter.EmitTaskStale(ctx, s.t, s.age)
		}
	}
	return len(stale)
}

// SweepExpired force-fails every non-terminal task older than the expiry
// window, regardless of remaining retry budget. Returns the number failed.
func (o *Orchestrator) SweepExpired(ctx context.Context) int {
	now := o.clk.Now()

	o.mu.Lock()
	var failed []*task.Task
	var owners []id.WorkerID
	for _, t := range o.tasks {
		if t.Status.Terminal() {
			continue
		}
		if now.Sub(t.CreatedAt) <= o.expiry {
			continue
		}
		owner := t.AssignedTo
		t.Status = task.StatusFailed
		t.AssignedTo = id.WorkerID{}
		t.CompletedAt = &now
		t.Error = "expired"
		failed = append(failed, t.Clone())
		owners = append(owners, owner)
		o.expired++
	}
	o.mu.Unlock()

	for i, cp := range failed {
		if !owners[i].IsNil() {
			o.pool.AdjustTaskCount(ctx, owners[i], -1)
		}
		o.logger.Warn("task expired",
			slog.String("task_id", cp.ID.String()),
			slog.Duration("max_age", o.expiry),
		)
		if o.emitter != nil {
			o.emitter.EmitTaskFailed(ctx, cp, fmt.Errorf("task expired after %s", o.expiry))
		}
		o.persist(ctx, cp)
	}
	return len(failed)
}

// EvictTerminal drops terminal tasks that have been durably persisted
// from the in-memory map, keeping the working set bounded on long-running
// processes. Dirty tasks are kept until a flush lands them. Returns the
// number evicted.
func (o *Orchestrator) EvictTerminal() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	evicted := 0
	for key, t := range o.tasks {
		if !t.Status.Terminal() {
			continue
		}
		if _, isDirty := o.dirty[key]; isDirty {
			continue
		}
		delete(o.tasks, key)
		evicted++
	}
	return evicted
}

// ──────────────────────────────────────────────────
// Persistence
// ──────────────────────────────────────────────────

// persist writes a task snapshot to the record store. Failures are logged
// and the task is marked dirty for the next flush.
func (o *Orchestrator) persist(ctx context.Context, t *task.Task) {
	if o.store == nil {
		return
	}
	key := t.ID.String()

	payload, err := json.Marshal(t)
	if err != nil {
		o.logger.Error("marshal task snapshot",
			slog.String("task_id", key),
			slog.String("error", err.Error()),
		)
		return
	}

	tags := []string{record.TagTask, record.TaskTag(t.ID), "task-status:" + string(t.Status)}
	if _, err := o.store.Put(ctx, tags, payload); err != nil {
		o.logger.Warn("persist task snapshot failed; will retry on flush",
			slog.String("task_id", key),
			slog.String("error", err.Error()),
		)
		o.mu.Lock()
		o.dirty[key] = struct{}{}
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	delete(o.dirty, key)
	o.mu.Unlock()
}

// Flush re-persists every dirty task. Called by the coordinator's flush
// loop and once during shutdown.
func (o *Orchestrator) Flush(ctx context.Context) {
	o.mu.Lock()
	snapshots := make([]*task.Task, 0, len(o.dirty))
	for key := range o.dirty {
		if t, ok := o.tasks[key]; ok {
			snapshots = append(snapshots, t.Clone())
		} else {
			delete(o.dirty, key)
		}
	}
	o.mu.Unlock()

	for _, t := range snapshots {
		o.persist(ctx, t)
	}
}

// Load rebuilds the in-memory map from the record store: for each task
// the newest snapshot wins. Terminal tasks are skipped; their final
// snapshot already lives in the store. Returns the number loaded.
func (o *Orchestrator) Load(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, crew.ErrNoStore
	}

	records, err := o.store.FindByTags(ctx, []string{record.TagTask}, 0)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: load: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	loaded := 0
	seen := make(map[string]struct{})
	for _, rec := range records {
		var t task.Task
		if err := json.Unmarshal(rec.Payload, &t); err != nil {
			o.logger.Warn("skipping malformed task record",
				slog.String("record_id", rec.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		key := t.ID.String()
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue // records are newest-first; first wins
		}
		seen[key] = struct{}{}
		if t.Status.Terminal() {
			continue
		}
		o.tasks[key] = &t
		loaded++
	}
	return loaded, nil
}
