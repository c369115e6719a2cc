package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/fleetform/crew"
	"github.com/fleetform/crew/backoff"
	"github.com/fleetform/crew/clock"
	"github.com/fleetform/crew/ext"
	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/liveness"
	"github.com/fleetform/crew/observability"
	"github.com/fleetform/crew/orchestrator"
	"github.com/fleetform/crew/record"
	"github.com/fleetform/crew/registry"
)

// lossRelay routes WorkerStale events into the orchestrator's loss
// handler. This is the sole trigger for requeueing a lost worker's tasks:
// the liveness sweep detects the silence, and this extension turns that
// signal into task transitions.
type lossRelay struct {
	orch *orchestrator.Orchestrator
}

func (r *lossRelay) Name() string { return "worker-loss-relay" }

func (r *lossRelay) OnWorkerStale(ctx context.Context, workerID id.WorkerID) error {
	r.orch.HandleWorkerLoss(ctx, workerID)
	return nil
}

// finalFlush persists all dirty state when the coordinator shuts down.
type finalFlush struct {
	eng *Engine
}

func (f *finalFlush) Name() string { return "final-flush" }

func (f *finalFlush) OnShutdown(ctx context.Context) error {
	f.eng.Flush(ctx)
	return nil
}

// Engine wraps a Coordinator with typed subsystem access. Use Build() to
// create one from a Coordinator.
type Engine struct {
	c          *crew.Coordinator
	extensions *ext.Registry
	reg        *registry.Registry
	orch       *orchestrator.Orchestrator
	monitor    *liveness.Monitor

	// Build-time knobs.
	bo            backoff.Strategy
	clk           clock.Clock
	meterProvider metric.MeterProvider
	noMetrics     bool
	pendingExts   []ext.Extension
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.pendingExts = append(eng.pendingExts, e)
	}
}

// WithBackoff sets the retry backoff strategy. If not set,
// backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithClock sets the time source for the registry and orchestrator.
// Tests inject a fake clock here.
func WithClock(c clock.Clock) Option {
	return func(eng *Engine) { eng.clk = c }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// extension. If not set, the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// WithoutMetrics disables the built-in OpenTelemetry metrics extension.
func WithoutMetrics() Option {
	return func(eng *Engine) { eng.noMetrics = true }
}

// normalize fills unset durations and counts from the defaults so a
// partially populated Config cannot produce a zero-interval ticker.
func normalize(cfg crew.Config) crew.Config {
	def := crew.DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = def.LivenessInterval
	}
	if cfg.TaskStaleThreshold <= 0 {
		cfg.TaskStaleThreshold = def.TaskStaleThreshold
	}
	if cfg.TaskExpiry <= 0 {
		cfg.TaskExpiry = def.TaskExpiry
	}
	if cfg.TaskSweepInterval <= 0 {
		cfg.TaskSweepInterval = def.TaskSweepInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxQueueSize < 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return cfg
}

// Build creates an Engine from a Coordinator. The Coordinator's store
// must implement record.Store.
func Build(c *crew.Coordinator, opts ...Option) (*Engine, error) {
	logger := c.Logger()
	cfg := normalize(c.Config())

	store := c.Store()
	if store == nil {
		return nil, crew.ErrNoStore
	}
	rs, ok := store.(record.Store)
	if !ok {
		return nil, fmt.Errorf("crew: store does not implement record.Store")
	}

	eng := &Engine{
		c:          c,
		extensions: ext.NewRegistry(logger),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.clk == nil {
		eng.clk = clock.NewSystem()
	}

	eng.reg = registry.New(rs,
		registry.WithLogger(logger),
		registry.WithClock(eng.clk),
		registry.WithEmitter(eng.extensions),
		registry.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
	)

	eng.orch = orchestrator.New(rs, eng.reg,
		orchestrator.WithLogger(logger),
		orchestrator.WithClock(eng.clk),
		orchestrator.WithEmitter(eng.extensions),
		orchestrator.WithBackoff(eng.bo),
		orchestrator.WithMaxQueueSize(cfg.MaxQueueSize),
		orchestrator.WithDefaultMaxRetries(cfg.MaxRetries),
		orchestrator.WithStaleThreshold(cfg.TaskStaleThreshold),
		orchestrator.WithExpiry(cfg.TaskExpiry),
	)

	eng.monitor = liveness.New(eng.reg,
		liveness.WithLogger(logger),
		liveness.WithInterval(cfg.LivenessInterval),
	)

	// Loss handling must see the stale event before user extensions so
	// that observers of the subsequent task events find the tasks
	// already requeued.
	eng.extensions.Register(&lossRelay{orch: eng.orch})

	if !eng.noMetrics {
		var (
			obs *observability.MetricsExtension
			err error
		)
		if eng.meterProvider != nil {
			obs, err = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter("github.com/fleetform/crew"))
		} else {
			obs, err = observability.NewMetricsExtension()
		}
		if err != nil {
			return nil, err
		}
		eng.extensions.Register(obs)
	}

	for _, e := range eng.pendingExts {
		eng.extensions.Register(e)
	}

	// A clean shutdown writes the live state out one last time before
	// the store closes.
	eng.extensions.Register(&finalFlush{eng: eng})

	sweeper := newIntervalRunner(cfg.TaskSweepInterval, func(ctx context.Context) {
		eng.orch.SweepStale(ctx)
		eng.orch.SweepExpired(ctx)
		eng.orch.AutoAssign(ctx)
		eng.orch.EvictTerminal()
	})
	flusher := newIntervalRunner(cfg.FlushInterval, func(ctx context.Context) {
		eng.reg.Flush(ctx)
		eng.orch.Flush(ctx)
	})

	c.SetRunners(eng.monitor, sweeper, flusher)
	c.SetExtensions(eng.extensions)

	return eng, nil
}

// Registry returns the worker registry.
func (eng *Engine) Registry() *registry.Registry { return eng.reg }

// Orchestrator returns the task orchestrator.
func (eng *Engine) Orchestrator() *orchestrator.Orchestrator { return eng.orch }

// Monitor returns the liveness monitor.
func (eng *Engine) Monitor() *liveness.Monitor { return eng.monitor }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Recover rebuilds in-memory state from the record store after a process
// restart. Returns the number of workers and tasks restored.
func (eng *Engine) Recover(ctx context.Context) (workers, tasks int, err error) {
	workers, err = eng.reg.Load(ctx)
	if err != nil {
		return 0, 0, err
	}
	tasks, err = eng.orch.Load(ctx)
	if err != nil {
		return workers, 0, err
	}
	return workers, tasks, nil
}

// Flush persists all dirty state immediately. Called by the flush loop on
// its interval; call it directly before a planned shutdown.
func (eng *Engine) Flush(ctx context.Context) {
	eng.reg.Flush(ctx)
	eng.orch.Flush(ctx)
}

// intervalRunner runs a function on a fixed interval until stopped. It
// satisfies the coordinator's runner interface.
type intervalRunner struct {
	interval time.Duration
	fn       func(context.Context)

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func newIntervalRunner(interval time.Duration, fn func(context.Context)) *intervalRunner {
	return &intervalRunner{interval: interval, fn: fn}
}

func (r *intervalRunner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				r.fn(ctx)
			}
		}
	}()
}

func (r *intervalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
}
