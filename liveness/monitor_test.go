package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetform/crew/clock"
	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/record/memory"
	"github.com/fleetform/crew/registry"
)

// staleCapture records the stale events the registry emits while the
// monitor drives it.
type staleCapture struct {
	mu  sync.Mutex
	ids []id.WorkerID
}

func (s *staleCapture) EmitWorkerRegistered(_ context.Context, _ *registry.Worker) {}

func (s *staleCapture) EmitWorkerStatusChanged(_ context.Context, _ *registry.Worker, _, _ registry.Status) {
}

func (s *staleCapture) EmitWorkerStale(_ context.Context, workerID id.WorkerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, workerID)
}

func (s *staleCapture) seen() []id.WorkerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]id.WorkerID(nil), s.ids...)
}

func TestSweepOnceExpiresStaleWorkers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	capture := &staleCapture{}
	reg := registry.New(memory.New(),
		registry.WithClock(clk),
		registry.WithHeartbeatTimeout(60*time.Second),
		registry.WithEmitter(capture),
	)
	mon := New(reg)

	quiet := id.New(id.PrefixWorker)
	chatty := id.New(id.PrefixWorker)
	for _, workerID := range []id.WorkerID{quiet, chatty} {
		if _, err := reg.Register(ctx, registry.Registration{ID: workerID}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	if n := mon.SweepOnce(ctx); n != 0 {
		t.Fatalf("SweepOnce() before timeout = %d, want 0", n)
	}

	clk.Advance(45 * time.Second)
	reg.Heartbeat(ctx, chatty)
	clk.Advance(45 * time.Second)

	if n := mon.SweepOnce(ctx); n != 1 {
		t.Fatalf("SweepOnce() = %d expired, want 1", n)
	}
	seen := capture.seen()
	if len(seen) != 1 || seen[0] != quiet {
		t.Fatalf("stale events = %v, want [%s]", seen, quiet)
	}

	w, err := reg.Get(ctx, quiet)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if w.Status != registry.StatusOffline {
		t.Errorf("Status = %q, want %q", w.Status, registry.StatusOffline)
	}
}

func TestSweepDoesNotReExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	capture := &staleCapture{}
	reg := registry.New(memory.New(),
		registry.WithClock(clk),
		registry.WithHeartbeatTimeout(60*time.Second),
		registry.WithEmitter(capture),
	)
	mon := New(reg)

	workerID := id.New(id.PrefixWorker)
	if _, err := reg.Register(ctx, registry.Registration{ID: workerID}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	clk.Advance(2 * time.Minute)
	mon.SweepOnce(ctx)
	clk.Advance(2 * time.Minute)
	if n := mon.SweepOnce(ctx); n != 0 {
		t.Fatalf("second SweepOnce() = %d, want 0", n)
	}
	if seen := capture.seen(); len(seen) != 1 {
		t.Fatalf("stale events = %v, want exactly one", seen)
	}
}

// A bulk registry read that beats the sweep to an expired heartbeat must
// raise the same stale event; the sweep then finds nothing left to expire.
func TestReadBeforeSweepStillRaisesStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	capture := &staleCapture{}
	reg := registry.New(memory.New(),
		registry.WithClock(clk),
		registry.WithHeartbeatTimeout(60*time.Second),
		registry.WithEmitter(capture),
	)
	mon := New(reg)

	workerID := id.New(id.PrefixWorker)
	if _, err := reg.Register(ctx, registry.Registration{ID: workerID}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	clk.Advance(2 * time.Minute)
	reg.All(ctx)

	if seen := capture.seen(); len(seen) != 1 || seen[0] != workerID {
		t.Fatalf("stale events after read = %v, want [%s]", seen, workerID)
	}
	if n := mon.SweepOnce(ctx); n != 0 {
		t.Fatalf("SweepOnce() after read-triggered flip = %d, want 0", n)
	}
	if seen := capture.seen(); len(seen) != 1 {
		t.Fatalf("stale events = %v, want exactly one", seen)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := registry.New(memory.New())
	mon := New(reg, WithInterval(10*time.Millisecond))

	mon.Start(ctx)
	mon.Start(ctx) // idempotent
	time.Sleep(30 * time.Millisecond)
	mon.Stop()
	mon.Stop() // idempotent
}
