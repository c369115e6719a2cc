package crew

import "time"

// Config holds configuration for the Coordinator and its subsystems.
type Config struct {
	// HeartbeatTimeout is how long a worker may go without a heartbeat
	// before it is considered offline.
	HeartbeatTimeout time.Duration

	// LivenessInterval is how often the liveness sweep runs. It may
	// exceed HeartbeatTimeout: bulk registry reads apply the same
	// staleness correction, so readers never observe a worker as live
	// past its timeout even between sweeps.
	LivenessInterval time.Duration

	// TaskStaleThreshold is how long a task may sit in assigned without
	// starting before a stale signal is raised. Observability only.
	TaskStaleThreshold time.Duration

	// TaskExpiry is how long a pending or in-progress task may live
	// before it is force-failed as expired.
	TaskExpiry time.Duration

	// TaskSweepInterval is how often the orchestrator's staleness and
	// expiry sweep runs.
	TaskSweepInterval time.Duration

	// FlushInterval is how often dirty in-memory state is re-persisted
	// to the record store after a persistence failure.
	FlushInterval time.Duration

	// MaxQueueSize caps the number of pending tasks. Submit rejects with
	// ErrQueueFull beyond it.
	MaxQueueSize int

	// MaxRetries is the default retry budget for submitted tasks.
	MaxRetries int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:   60 * time.Second,
		LivenessInterval:   120 * time.Second,
		TaskStaleThreshold: 5 * time.Minute,
		TaskExpiry:         24 * time.Hour,
		TaskSweepInterval:  time.Minute,
		FlushInterval:      30 * time.Second,
		MaxQueueSize:       1000,
		MaxRetries:         3,
		ShutdownTimeout:    30 * time.Second,
	}
}
