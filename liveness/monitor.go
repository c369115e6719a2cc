// Package liveness runs the periodic sweep that expires workers whose
// heartbeats have gone quiet. The registry already corrects staleness on
// every read; the sweep exists so that a worker nobody is reading about
// still flips offline, gets persisted, and raises a WorkerStale event
// within one sweep interval.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetform/crew/id"
)

// Corrector is the slice of the worker registry the monitor needs: apply
// the heartbeat staleness correction and report which workers flipped.
// The registry emits the WorkerStale events itself as part of the
// correction, so expiry detection by a concurrent read raises the same
// events a sweep would.
type Corrector interface {
	CorrectStale(ctx context.Context) []id.WorkerID
}

// Monitor periodically sweeps the registry for expired heartbeats.
type Monitor struct {
	corrector Corrector
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// New creates a Monitor over the given corrector.
func New(corrector Corrector, opts ...Option) *Monitor {
	m := &Monitor{
		corrector: corrector,
		interval:  2 * time.Minute,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sweep loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go m.run(ctx, stop, done)
}

func (m *Monitor) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("liveness monitor started", slog.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

// SweepOnce applies the staleness correction immediately. The registry
// raises the WorkerStale events during the correction. Exposed so callers
// can force a sweep without waiting for the interval.
func (m *Monitor) SweepOnce(ctx context.Context) int {
	expired := m.corrector.CorrectStale(ctx)
	for _, workerID := range expired {
		m.logger.Warn("worker expired by liveness sweep",
			slog.String("worker_id", workerID.String()),
		)
	}
	return len(expired)
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
}
