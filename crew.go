package crew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Option configures a Coordinator.
type Option func(*Coordinator) error

// Storer is the minimal store interface held by the Coordinator. It
// covers lifecycle operations only; the full record.Store interface is
// used in subsystem layers that don't create import cycles.
type Storer interface {
	Ping(ctx context.Context) error
	Close() error
}

// runner is an internal interface for background sweep loops.
type runner interface {
	Start(ctx context.Context)
	Stop()
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Coordinator is the central handle for a crew deployment: it owns the
// configuration, the record store, and the background loops that keep
// liveness and task state moving.
//
// Create one with New() and functional options, then wire the subsystems
// with engine.Build(). The Coordinator holds subsystem components through
// internal interfaces to avoid import cycles.
type Coordinator struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	runners    []runner

	started bool
}

// New creates a Coordinator with the given options.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Logger returns the coordinator's logger.
func (c *Coordinator) Logger() *slog.Logger { return c.logger }

// Store returns the coordinator's record store.
func (c *Coordinator) Store() Storer { return c.store }

// Config returns a copy of the coordinator's configuration.
func (c *Coordinator) Config() Config { return c.config }

// SetRunners sets the background loops (called by the engine package).
func (c *Coordinator) SetRunners(rs ...runner) { c.runners = rs }

// SetExtensions sets the extension emitter (called by the engine package).
func (c *Coordinator) SetExtensions(e extensionEmitter) { c.extensions = e }

// Start launches the background loops: the liveness sweep, the task
// sweep, and the persistence flush loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.store == nil {
		return ErrNoStore
	}
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("crew: start: %w", errors.Join(ErrStoreUnavailable, err))
	}
	for _, r := range c.runners {
		r.Start(ctx)
	}
	c.started = true
	return nil
}

// Stop gracefully shuts down the coordinator: background loops halt,
// extensions get their shutdown hook, and the store is closed. The
// shutdown hooks run under the configured ShutdownTimeout.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ShutdownTimeout)
		defer cancel()
	}
	if c.started {
		for _, r := range c.runners {
			r.Stop()
		}
		c.started = false
	}
	if c.extensions != nil {
		c.extensions.EmitShutdown(ctx)
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// WithStore sets the persistence backend. The store must implement
// Storer at minimum; typically it is a record.Store implementation.
func WithStore(s Storer) Option {
	return func(c *Coordinator) error {
		c.store = s
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) error {
		c.logger = l
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) error {
		c.config = cfg
		return nil
	}
}

// WithHeartbeatTimeout sets how long a worker may go without a heartbeat
// before it is considered offline.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Coordinator) error {
		c.config.HeartbeatTimeout = d
		return nil
	}
}

// WithLivenessInterval sets how often the liveness sweep runs.
func WithLivenessInterval(d time.Duration) Option {
	return func(c *Coordinator) error {
		c.config.LivenessInterval = d
		return nil
	}
}

// WithMaxQueueSize caps the number of pending tasks.
func WithMaxQueueSize(n int) Option {
	return func(c *Coordinator) error {
		c.config.MaxQueueSize = n
		return nil
	}
}

// WithMaxRetries sets the default retry budget for submitted tasks.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) error {
		c.config.MaxRetries = n
		return nil
	}
}

// WithTaskExpiry sets the age at which a non-terminal task is force-failed.
func WithTaskExpiry(d time.Duration) Option {
	return func(c *Coordinator) error {
		c.config.TaskExpiry = d
		return nil
	}
}
