package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetform/crew"
	"github.com/fleetform/crew/backoff"
	"github.com/fleetform/crew/clock"
	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/record/memory"
	"github.com/fleetform/crew/registry"
	"github.com/fleetform/crew/task"
)

// captureEmitter records task lifecycle events for assertions.
type captureEmitter struct {
	mu        sync.Mutex
	submitted []id.TaskID
	assigned  []id.WorkerID
	started   []id.TaskID
	completed []id.TaskID
	failed    []error
	retrying  []int
	stale     []id.TaskID
	losses    []int
}

func (c *captureEmitter) EmitTaskSubmitted(_ context.Context, t *task.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, t.ID)
}

func (c *captureEmitter) EmitTaskAssigned(_ context.Context, _ *task.Task, workerID id.WorkerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assigned = append(c.assigned, workerID)
}

func (c *captureEmitter) EmitTaskStarted(_ context.Context, t *task.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, t.ID)
}

func (c *captureEmitter) EmitTaskCompleted(_ context.Context, t *task.Task, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, t.ID)
}

func (c *captureEmitter) EmitTaskFailed(_ context.Context, _ *task.Task, taskErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, taskErr)
}

func (c *captureEmitter) EmitTaskRetrying(_ context.Context, _ *task.Task, attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retrying = append(c.retrying, attempt)
}

func (c *captureEmitter) EmitTaskStale(_ context.Context, t *task.Task, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = append(c.stale, t.ID)
}

func (c *captureEmitter) EmitWorkerLossHandled(_ context.Context, _ id.WorkerID, reassigned int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.losses = append(c.losses, reassigned)
}

type fixture struct {
	orch    *Orchestrator
	reg     *registry.Registry
	clk     *clock.Fake
	emitter *captureEmitter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	reg := registry.New(store, registry.WithClock(clk))
	emitter := &captureEmitter{}

	base := []Option{
		WithClock(clk),
		WithEmitter(emitter),
		WithBackoff(backoff.NewConstant(10 * time.Second)),
	}
	orch := New(store, reg, append(base, opts...)...)
	return &fixture{orch: orch, reg: reg, clk: clk, emitter: emitter}
}

func (f *fixture) addWorker(t *testing.T, load int, status registry.Status, caps ...string) id.WorkerID {
	t.Helper()
	ctx := context.Background()
	workerID := id.New(id.PrefixWorker)
	if _, err := f.reg.Register(ctx, registry.Registration{
		ID:           workerID,
		Capabilities: caps,
		InitialLoad:  load,
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if status != registry.StatusActive {
		f.reg.UpdateStatus(ctx, workerID, status)
	}
	return workerID
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	got, err := f.orch.Submit(ctx, SubmitRequest{
		Type:                 "build",
		Payload:              []byte(`{"repo":"api"}`),
		RequiredCapabilities: []string{"build"},
		Priority:             task.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, task.StatusPending)
	}
	if got.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", got.MaxRetries, DefaultMaxRetries)
	}
	if !got.CreatedAt.Equal(f.clk.Now()) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, f.clk.Now())
	}
	if len(f.emitter.submitted) != 1 {
		t.Errorf("submitted events = %d, want 1", len(f.emitter.submitted))
	}

	if _, err := f.orch.Submit(ctx, SubmitRequest{}); err == nil {
		t.Error("Submit() with empty type should fail")
	}
}

func TestSubmitNoRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	workerID := f.addWorker(t, 10, registry.StatusActive, "build")
	submitted, err := f.orch.Submit(ctx, SubmitRequest{Type: "build", MaxRetries: NoRetries})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if submitted.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %d, want 0 for a NoRetries submission", submitted.MaxRetries)
	}

	if err := f.orch.Assign(ctx, submitted.ID, workerID); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if err := f.orch.Fail(ctx, submitted.ID, workerID, errors.New("boom")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	got, _ := f.orch.GetTask(ctx, submitted.ID)
	if got.Status != task.StatusFailed {
		t.Errorf("Status = %q, want terminal failure on first error", got.Status)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, WithMaxQueueSize(2))

	for range 2 {
		if _, err := f.orch.Submit(ctx, SubmitRequest{Type: "build"}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	_, err := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	if !errors.Is(err, crew.ErrQueueFull) {
		t.Fatalf("Submit() error = %v, want ErrQueueFull", err)
	}
}

func TestAssignLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	workerID := f.addWorker(t, 10, registry.StatusActive, "build")
	submitted, err := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := f.orch.Assign(ctx, submitted.ID, workerID); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	got, err := f.orch.GetTask(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != task.StatusAssigned || got.AssignedTo != workerID {
		t.Errorf("task = %s/%s, want assigned/%s", got.Status, got.AssignedTo, workerID)
	}
	if !got.ConsistentAssignment() {
		t.Error("assignment invariant violated after Assign")
	}

	w, err := f.reg.Get(ctx, workerID)
	if err != nil {
		t.Fatalf("registry Get() error = %v", err)
	}
	if w.CurrentTaskCount != 1 {
		t.Errorf("CurrentTaskCount = %d, want 1", w.CurrentTaskCount)
	}

	// Assigning an already-assigned task is an invalid transition.
	if err := f.orch.Assign(ctx, submitted.ID, workerID); !errors.Is(err, crew.ErrInvalidTransition) {
		t.Errorf("second Assign() error = %v, want ErrInvalidTransition", err)
	}
}

func TestStartCompleteGuards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	owner := f.addWorker(t, 10, registry.StatusActive, "build")
	stranger := f.addWorker(t, 10, registry.StatusActive, "build")
	submitted, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})

	if err := f.orch.Start(ctx, submitted.ID, owner); !errors.Is(err, crew.ErrInvalidTransition) {
		t.Errorf("Start() before assignment error = %v, want ErrInvalidTransition", err)
	}

	if err := f.orch.Assign(ctx, submitted.ID, owner); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if err := f.orch.Start(ctx, submitted.ID, stranger); !errors.Is(err, crew.ErrWorkerMismatch) {
		t.Errorf("Start() by non-owner error = %v, want ErrWorkerMismatch", err)
	}
	if err := f.orch.Start(ctx, submitted.ID, owner); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := f.orch.Complete(ctx, submitted.ID, stranger, nil); !errors.Is(err, crew.ErrWorkerMismatch) {
		t.Errorf("Complete() by non-owner error = %v, want ErrWorkerMismatch", err)
	}

	f.clk.Advance(90 * time.Second)
	if err := f.orch.Complete(ctx, submitted.ID, owner, []byte("ok")); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	got, _ := f.orch.GetTask(ctx, submitted.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, task.StatusCompleted)
	}
	if !got.AssignedTo.IsNil() {
		t.Errorf("AssignedTo = %s, want cleared on terminal state", got.AssignedTo)
	}
	if string(got.Result) != "ok" {
		t.Errorf("Result = %q, want %q", got.Result, "ok")
	}

	w, _ := f.reg.Get(ctx, owner)
	if w.CurrentTaskCount != 0 {
		t.Errorf("CurrentTaskCount = %d, want 0 after completion", w.CurrentTaskCount)
	}
}

func TestFailRetriesUntilExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	workerID := f.addWorker(t, 10, registry.StatusActive, "build")
	submitted, err := f.orch.Submit(ctx, SubmitRequest{Type: "build", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	boom := errors.New("compiler crashed")

	// Two failures consume the retry budget; the third attempt fails
	// terminally with the retry count frozen at MaxRetries.
	for attempt := 1; attempt <= 2; attempt++ {
		if err := f.orch.Assign(ctx, submitted.ID, workerID); err != nil {
			t.Fatalf("Assign() attempt %d error = %v", attempt, err)
		}
		if err := f.orch.Fail(ctx, submitted.ID, workerID, boom); err != nil {
			t.Fatalf("Fail() attempt %d error = %v", attempt, err)
		}
		got, _ := f.orch.GetTask(ctx, submitted.ID)
		if got.Status != task.StatusPending {
			t.Fatalf("attempt %d: Status = %q, want pending for retry", attempt, got.Status)
		}
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d: RetryCount = %d, want %d", attempt, got.RetryCount, attempt)
		}
		if got.RetryAt.IsZero() {
			t.Fatalf("attempt %d: RetryAt not set", attempt)
		}
		f.clk.Advance(time.Minute) // pass the backoff gate
	}

	if err := f.orch.Assign(ctx, submitted.ID, workerID); err != nil {
		t.Fatalf("final Assign() error = %v", err)
	}
	if err := f.orch.Fail(ctx, submitted.ID, workerID, boom); err != nil {
		t.Fatalf("final Fail() error = %v", err)
	}

	got, _ := f.orch.GetTask(ctx, submitted.ID)
	if got.Status != task.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, task.StatusFailed)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want frozen at 2", got.RetryCount)
	}
	if got.Error != boom.Error() {
		t.Errorf("Error = %q, want %q", got.Error, boom.Error())
	}

	if len(f.emitter.retrying) != 2 {
		t.Errorf("retrying events = %v, want two", f.emitter.retrying)
	}
	if len(f.emitter.failed) != 1 {
		t.Fatalf("failed events = %d, want 1", len(f.emitter.failed))
	}
	if !errors.Is(f.emitter.failed[0], crew.ErrMaxRetriesExceeded) {
		t.Errorf("terminal failure error = %v, want wrapping ErrMaxRetriesExceeded", f.emitter.failed[0])
	}
}

func TestAutoAssignPrefersIdleWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	activeLight := f.addWorker(t, 10, registry.StatusActive, "build")
	idleHeavy := f.addWorker(t, 80, registry.StatusIdle, "build")
	_ = activeLight

	submitted, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build", RequiredCapabilities: []string{"build"}})

	if n := f.orch.AutoAssign(ctx); n != 1 {
		t.Fatalf("AutoAssign() = %d, want 1", n)
	}
	got, _ := f.orch.GetTask(ctx, submitted.ID)
	if got.AssignedTo != idleHeavy {
		t.Errorf("AssignedTo = %s, want the idle worker %s despite its higher load", got.AssignedTo, idleHeavy)
	}
}

func TestAutoAssignOrdersByPriorityThenSubmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	// One worker with a single slot: only the highest-priority task lands.
	workerID := id.New(id.PrefixWorker)
	if _, err := f.reg.Register(ctx, registry.Registration{
		ID:                 workerID,
		Capabilities:       []string{"build"},
		MaxConcurrentTasks: 1,
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	low, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build", Priority: task.PriorityLow})
	critical, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build", Priority: task.PriorityCritical})

	if n := f.orch.AutoAssign(ctx); n != 1 {
		t.Fatalf("AutoAssign() = %d, want 1", n)
	}
	gotCritical, _ := f.orch.GetTask(ctx, critical.ID)
	if gotCritical.Status != task.StatusAssigned {
		t.Errorf("critical task Status = %q, want assigned first", gotCritical.Status)
	}
	gotLow, _ := f.orch.GetTask(ctx, low.ID)
	if gotLow.Status != task.StatusPending {
		t.Errorf("low task Status = %q, want still pending", gotLow.Status)
	}
}

func TestAutoAssignRespectsCapacityWithinBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	// Two single-slot workers, three tasks: exactly two assignments, one
	// per worker, in the same batch.
	for range 2 {
		workerID := id.New(id.PrefixWorker)
		if _, err := f.reg.Register(ctx, registry.Registration{
			ID:                 workerID,
			Capabilities:       []string{"build"},
			MaxConcurrentTasks: 1,
		}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	for range 3 {
		if _, err := f.orch.Submit(ctx, SubmitRequest{Type: "build", RequiredCapabilities: []string{"build"}}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	if n := f.orch.AutoAssign(ctx); n != 2 {
		t.Fatalf("AutoAssign() = %d, want 2", n)
	}
	assigned := f.orch.GetTasksByStatus(ctx, task.StatusAssigned)
	if len(assigned) != 2 {
		t.Fatalf("assigned tasks = %d, want 2", len(assigned))
	}
	if assigned[0].AssignedTo == assigned[1].AssignedTo {
		t.Error("both tasks landed on the same single-slot worker")
	}
}

func TestAutoAssignSkipsBackoffGatedTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	workerID := f.addWorker(t, 10, registry.StatusActive, "build")
	submitted, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build", MaxRetries: 3})

	if err := f.orch.Assign(ctx, submitted.ID, workerID); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if err := f.orch.Fail(ctx, submitted.ID, workerID, errors.New("flaky")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	// The 10s constant backoff gate has not elapsed.
	if n := f.orch.AutoAssign(ctx); n != 0 {
		t.Fatalf("AutoAssign() inside backoff window = %d, want 0", n)
	}

	f.clk.Advance(11 * time.Second)
	if n := f.orch.AutoAssign(ctx); n != 1 {
		t.Fatalf("AutoAssign() after backoff window = %d, want 1", n)
	}
}

func TestReassign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	from := f.addWorker(t, 10, registry.StatusActive, "build")
	to := f.addWorker(t, 10, registry.StatusActive, "build")
	submitted, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})

	if err := f.orch.Assign(ctx, submitted.ID, from); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if err := f.orch.Reassign(ctx, submitted.ID, to, from); !errors.Is(err, crew.ErrWorkerMismatch) {
		t.Fatalf("Reassign() with wrong fromWorker error = %v, want ErrWorkerMismatch", err)
	}
	if err := f.orch.Reassign(ctx, submitted.ID, from, to); err != nil {
		t.Fatalf("Reassign() error = %v", err)
	}

	got, _ := f.orch.GetTask(ctx, submitted.ID)
	if got.AssignedTo != to {
		t.Errorf("AssignedTo = %s, want %s", got.AssignedTo, to)
	}

	fromWorker, _ := f.reg.Get(ctx, from)
	toWorker, _ := f.reg.Get(ctx, to)
	if fromWorker.CurrentTaskCount != 0 || toWorker.CurrentTaskCount != 1 {
		t.Errorf("task counts = %d/%d, want 0/1", fromWorker.CurrentTaskCount, toWorker.CurrentTaskCount)
	}
}

func TestAssignUnknownWorkerReturnsTaskToPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	submitted, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})

	err := f.orch.Assign(ctx, submitted.ID, id.New(id.PrefixWorker))
	if !errors.Is(err, crew.ErrWorkerNotFound) {
		t.Fatalf("Assign() to unknown worker error = %v, want ErrWorkerNotFound", err)
	}

	got, _ := f.orch.GetTask(ctx, submitted.ID)
	if got.Status != task.StatusPending {
		t.Errorf("Status = %q, want rolled back to pending", got.Status)
	}
	if !got.AssignedTo.IsNil() {
		t.Errorf("AssignedTo = %s, want cleared", got.AssignedTo)
	}
	if len(f.emitter.assigned) != 0 {
		t.Errorf("assigned events = %v, want none for a failed assignment", f.emitter.assigned)
	}
}

func TestReassignUnknownWorkerKeepsOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	owner := f.addWorker(t, 10, registry.StatusActive, "build")
	submitted, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	if err := f.orch.Assign(ctx, submitted.ID, owner); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if err := f.orch.Start(ctx, submitted.ID, owner); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := f.orch.Reassign(ctx, submitted.ID, owner, id.New(id.PrefixWorker))
	if !errors.Is(err, crew.ErrWorkerNotFound) {
		t.Fatalf("Reassign() to unknown worker error = %v, want ErrWorkerNotFound", err)
	}

	got, _ := f.orch.GetTask(ctx, submitted.ID)
	if got.Status != task.StatusInProgress || got.AssignedTo != owner {
		t.Errorf("task = %s/%s, want still in progress on %s", got.Status, got.AssignedTo, owner)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt cleared by a failed reassignment")
	}

	w, _ := f.reg.Get(ctx, owner)
	if w.CurrentTaskCount != 1 {
		t.Errorf("owner CurrentTaskCount = %d, want still 1", w.CurrentTaskCount)
	}
	if m := f.orch.GetMetrics(); m.Reassigned != 0 {
		t.Errorf("Reassigned = %d, want 0 after a failed reassignment", m.Reassigned)
	}
}

func TestHandleWorkerLoss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	lost := f.addWorker(t, 10, registry.StatusActive, "build")
	survivor := f.addWorker(t, 10, registry.StatusActive, "build")

	first, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	second, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	kept, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})

	f.orch.Assign(ctx, first.ID, lost)
	f.orch.Assign(ctx, second.ID, lost)
	f.orch.Start(ctx, second.ID, lost)
	f.orch.Assign(ctx, kept.ID, survivor)

	if n := f.orch.HandleWorkerLoss(ctx, lost); n != 2 {
		t.Fatalf("HandleWorkerLoss() = %d reassigned, want 2", n)
	}

	// Both orphaned tasks land on the survivor, even though the lost
	// worker was never marked offline in the registry.
	for _, taskID := range []id.TaskID{first.ID, second.ID} {
		got, _ := f.orch.GetTask(ctx, taskID)
		if got.Status != task.StatusAssigned || got.AssignedTo != survivor {
			t.Errorf("task %s = %s/%s, want assigned to survivor", taskID, got.Status, got.AssignedTo)
		}
		if got.RetryCount != 0 {
			t.Errorf("task %s RetryCount = %d, worker loss must not consume retry budget", taskID, got.RetryCount)
		}
		if got.StartedAt != nil {
			t.Errorf("task %s StartedAt = %v, want reset", taskID, got.StartedAt)
		}
	}

	keptTask, _ := f.orch.GetTask(ctx, kept.ID)
	if keptTask.Status != task.StatusAssigned || keptTask.AssignedTo != survivor {
		t.Errorf("survivor's task = %s/%s, want untouched", keptTask.Status, keptTask.AssignedTo)
	}

	if len(f.emitter.losses) != 1 || f.emitter.losses[0] != 2 {
		t.Errorf("loss events = %v, want [2]", f.emitter.losses)
	}

	if n := f.orch.AutoAssign(ctx); n != 0 {
		t.Errorf("AutoAssign() after loss = %d, want 0 (nothing left pending)", n)
	}
}

func TestHandleWorkerLossNoSurvivorLeavesPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	lost := f.addWorker(t, 10, registry.StatusActive, "build")
	submitted, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	f.orch.Assign(ctx, submitted.ID, lost)

	if n := f.orch.HandleWorkerLoss(ctx, lost); n != 0 {
		t.Fatalf("HandleWorkerLoss() = %d reassigned, want 0 with no survivor", n)
	}

	got, _ := f.orch.GetTask(ctx, submitted.ID)
	if got.Status != task.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if !got.RetryAt.IsZero() {
		t.Errorf("RetryAt = %v, want no backoff gate after worker loss", got.RetryAt)
	}
	if len(f.emitter.losses) != 1 || f.emitter.losses[0] != 1 {
		t.Errorf("loss events = %v, want [1]", f.emitter.losses)
	}
}

func TestSweepStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, WithStaleThreshold(5*time.Minute))

	workerID := f.addWorker(t, 10, registry.StatusActive, "build")
	submitted, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	f.orch.Assign(ctx, submitted.ID, workerID)

	if n := f.orch.SweepStale(ctx); n != 0 {
		t.Fatalf("SweepStale() on fresh assignment = %d, want 0", n)
	}

	f.clk.Advance(6 * time.Minute)
	if n := f.orch.SweepStale(ctx); n != 1 {
		t.Fatalf("SweepStale() = %d, want 1", n)
	}

	// The sweep observes; it does not transition.
	got, _ := f.orch.GetTask(ctx, submitted.ID)
	if got.Status != task.StatusAssigned {
		t.Errorf("Status = %q, want still assigned after stale sweep", got.Status)
	}
	if len(f.emitter.stale) != 1 {
		t.Errorf("stale events = %d, want 1", len(f.emitter.stale))
	}
}

func TestSweepStaleIgnoresInProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, WithStaleThreshold(5*time.Minute))

	workerID := f.addWorker(t, 10, registry.StatusActive, "build")
	unstarted, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	running, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	f.orch.Assign(ctx, unstarted.ID, workerID)
	f.orch.Assign(ctx, running.ID, workerID)
	f.orch.Start(ctx, running.ID, workerID)

	f.clk.Advance(10 * time.Minute)
	if n := f.orch.SweepStale(ctx); n != 1 {
		t.Fatalf("SweepStale() = %d, want 1 (only the unstarted assignment)", n)
	}
	if len(f.emitter.stale) != 1 || f.emitter.stale[0] != unstarted.ID {
		t.Errorf("stale events = %v, want only %s", f.emitter.stale, unstarted.ID)
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, WithExpiry(24*time.Hour))

	workerID := f.addWorker(t, 10, registry.StatusActive, "build")
	old, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build", MaxRetries: 5})
	f.orch.Assign(ctx, old.ID, workerID)

	f.clk.Advance(23 * time.Hour)
	fresh, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	f.clk.Advance(2 * time.Hour)

	if n := f.orch.SweepExpired(ctx); n != 1 {
		t.Fatalf("SweepExpired() = %d, want 1", n)
	}

	got, _ := f.orch.GetTask(ctx, old.ID)
	if got.Status != task.StatusFailed {
		t.Errorf("expired task Status = %q, want failed regardless of retry budget", got.Status)
	}
	if got.Error != "expired" {
		t.Errorf("expired task Error = %q, want %q", got.Error, "expired")
	}

	freshTask, _ := f.orch.GetTask(ctx, fresh.ID)
	if freshTask.Status != task.StatusPending {
		t.Errorf("fresh task Status = %q, want untouched", freshTask.Status)
	}

	w, _ := f.reg.Get(ctx, workerID)
	if w.CurrentTaskCount != 0 {
		t.Errorf("CurrentTaskCount = %d, want released on expiry", w.CurrentTaskCount)
	}
}

func TestGetMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	workerID := f.addWorker(t, 10, registry.StatusActive, "build")

	done, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	f.orch.Assign(ctx, done.ID, workerID)
	f.orch.Start(ctx, done.ID, workerID)
	f.orch.Complete(ctx, done.ID, workerID, nil)

	running, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	f.orch.Assign(ctx, running.ID, workerID)
	f.orch.Start(ctx, running.ID, workerID)

	f.orch.Submit(ctx, SubmitRequest{Type: "build"})

	m := f.orch.GetMetrics()
	if m.Pending != 1 || m.InProgress != 1 || m.Completed != 1 {
		t.Errorf("Metrics = %+v, want pending=1 in_progress=1 completed=1", m)
	}
	if m.Submitted != 3 {
		t.Errorf("Submitted = %d, want 3", m.Submitted)
	}
}

func TestLoadSkipsTerminalAndFlushRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.New()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(store, registry.WithClock(clk))
	orch := New(store, reg, WithClock(clk))

	workerID := id.New(id.PrefixWorker)
	reg.Register(ctx, registry.Registration{ID: workerID, Capabilities: []string{"build"}})

	finished, _ := orch.Submit(ctx, SubmitRequest{Type: "build"})
	orch.Assign(ctx, finished.ID, workerID)
	orch.Start(ctx, finished.ID, workerID)
	orch.Complete(ctx, finished.ID, workerID, nil)

	open, _ := orch.Submit(ctx, SubmitRequest{Type: "build", Priority: task.PriorityHigh})
	orch.Flush(ctx)

	restored := New(store, reg, WithClock(clk))
	n, err := restored.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Load() = %d tasks, want only the open one", n)
	}
	got, err := restored.GetTask(ctx, open.ID)
	if err != nil {
		t.Fatalf("GetTask() after load error = %v", err)
	}
	if got.Priority != task.PriorityHigh || got.Status != task.StatusPending {
		t.Errorf("restored task = %+v, want original fields preserved", got)
	}
	if _, err := restored.GetTask(ctx, finished.ID); !errors.Is(err, crew.ErrTaskNotFound) {
		t.Errorf("terminal task resurrected by Load: err = %v", err)
	}
}

func TestEvictTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	workerID := f.addWorker(t, 10, registry.StatusActive, "build")
	done, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})
	f.orch.Assign(ctx, done.ID, workerID)
	f.orch.Start(ctx, done.ID, workerID)
	f.orch.Complete(ctx, done.ID, workerID, nil)
	open, _ := f.orch.Submit(ctx, SubmitRequest{Type: "build"})

	if n := f.orch.EvictTerminal(); n != 1 {
		t.Fatalf("EvictTerminal() = %d, want 1", n)
	}
	if _, err := f.orch.GetTask(ctx, done.ID); !errors.Is(err, crew.ErrTaskNotFound) {
		t.Errorf("evicted task still readable: err = %v", err)
	}
	if _, err := f.orch.GetTask(ctx, open.ID); err != nil {
		t.Errorf("open task evicted: err = %v", err)
	}
}
