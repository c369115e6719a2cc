package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetform/crew"
	"github.com/fleetform/crew/clock"
	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/record"
)

// DefaultMaxConcurrentTasks is applied when a registration does not set one.
const DefaultMaxConcurrentTasks = 3

// DefaultAvailableMaxLoad is the load ceiling for AvailableByCapability
// when the caller passes a non-positive maxLoad.
const DefaultAvailableMaxLoad = 50

// Emitter emits worker lifecycle events. ext.Registry satisfies this
// interface; the engine layer plugs them together.
type Emitter interface {
	EmitWorkerRegistered(ctx context.Context, w *Worker)
	EmitWorkerStatusChanged(ctx context.Context, w *Worker, from, to Status)
	EmitWorkerStale(ctx context.Context, workerID id.WorkerID)
}

// Registration is the input to Register. ID is the caller's stable worker
// identity; everything else is descriptive.
type Registration struct {
	ID                 id.WorkerID
	DisplayName        string
	Kind               Kind
	Capabilities       []string
	InitialLoad        int
	MaxConcurrentTasks int
	Meta               map[string]string
}

// Registry is the authoritative map of worker identity to capability,
// status, and load. The in-process cache is a read-through/write-through
// projection of the record store: authoritative while the process lives,
// reloadable from the store after a restart.
//
// Every bulk read applies a staleness correction first: a worker whose
// heartbeat is older than the timeout is flipped offline in memory
// (synchronously, under the lock) and persisted asynchronously, so readers
// never observe a worker as live past its timeout even between liveness
// sweeps.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	dirty   map[string]struct{}

	store   record.Store
	emitter Emitter
	clk     clock.Clock
	logger  *slog.Logger

	heartbeatTimeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock sets the time source. Defaults to the system clock.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clk = c }
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e Emitter) Option {
	return func(r *Registry) { r.emitter = e }
}

// WithHeartbeatTimeout sets how long a worker may go without a heartbeat
// before reads treat it as offline.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatTimeout = d }
}

// New creates a Registry over the given record store.
func New(store record.Store, opts ...Option) *Registry {
	r := &Registry{
		workers:          make(map[string]*Worker),
		dirty:            make(map[string]struct{}),
		store:            store,
		clk:              clock.NewSystem(),
		logger:           slog.Default(),
		heartbeatTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ──────────────────────────────────────────────────
// Mutations
// ──────────────────────────────────────────────────

// Register adds a worker to the pool. Re-registering a live worker fails
// with ErrWorkerExists; re-registering a previously offline worker is
// allowed and resets status and heartbeat while preserving RegisteredAt
// for audit.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Worker, error) {
	if reg.ID.IsNil() {
		return nil, fmt.Errorf("registry: register: worker id is required")
	}
	if reg.Kind == "" {
		reg.Kind = KindWorker
	}
	if reg.MaxConcurrentTasks <= 0 {
		reg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}

	now := r.clk.Now()
	key := reg.ID.String()

	r.mu.Lock()
	existing, ok := r.workers[key]
	if ok && existing.Status != StatusOffline {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: worker %s: %w", key, crew.ErrWorkerExists)
	}

	w := &Worker{
		ID:                 reg.ID,
		DisplayName:        reg.DisplayName,
		Kind:               reg.Kind,
		Capabilities:       append([]string(nil), reg.Capabilities...),
		Status:             StatusActive,
		Load:               ClampLoad(reg.InitialLoad),
		MaxConcurrentTasks: reg.MaxConcurrentTasks,
		LastHeartbeat:      now,
		RegisteredAt:       now,
		Meta:               reg.Meta,
	}
	if ok {
		// Preserved for audit across re-registration.
		w.RegisteredAt = existing.RegisteredAt
	}
	r.workers[key] = w
	cp := w.Clone()
	r.mu.Unlock()

	if r.emitter != nil {
		r.emitter.EmitWorkerRegistered(ctx, cp)
	}
	r.persist(ctx, cp)
	return cp, nil
}

// Unregister marks the worker offline, evicts it from the live cache, and
// persists the final offline snapshot. Returns false if unknown.
func (r *Registry) Unregister(ctx context.Context, workerID id.WorkerID) bool {
	key := workerID.String()

	r.mu.Lock()
	w, ok := r.workers[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	from := w.Status
	w.Status = StatusOffline
	cp := w.Clone()
	delete(r.workers, key)
	delete(r.dirty, key)
	r.mu.Unlock()

	if r.emitter != nil && from != StatusOffline {
		r.emitter.EmitWorkerStatusChanged(ctx, cp, from, StatusOffline)
	}
	r.persist(ctx, cp)
	return true
}

// Heartbeat records a liveness signal. A heartbeat from an offline worker
// promotes it back to active. Returns false for an unknown worker — the
// caller must register first.
func (r *Registry) Heartbeat(ctx context.Context, workerID id.WorkerID) bool {
	key := workerID.String()
	now := r.clk.Now()

	r.mu.Lock()
	w, ok := r.workers[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	from := w.Status
	w.LastHeartbeat = now
	if from == StatusOffline {
		w.Status = StatusActive
	}
	promoted := from == StatusOffline
	cp := w.Clone()
	// Heartbeat timestamps are persisted lazily via Flush; only a status
	// promotion is written through immediately.
	r.dirty[key] = struct{}{}
	r.mu.Unlock()

	if promoted {
		if r.emitter != nil {
			r.emitter.EmitWorkerStatusChanged(ctx, cp, from, StatusActive)
		}
		r.persist(ctx, cp)
	}
	return true
}

// UpdateStatus sets the worker's status. Idempotent; a change event is
// emitted only when the status actually changes. Returns false if unknown.
func (r *Registry) UpdateStatus(ctx context.Context, workerID id.WorkerID, status Status) bool {
	key := workerID.String()

	r.mu.Lock()
	w, ok := r.workers[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	from := w.Status
	w.Status = status
	cp := w.Clone()
	r.mu.Unlock()

	if r.emitter != nil && from != status {
		r.emitter.EmitWorkerStatusChanged(ctx, cp, from, status)
	}
	r.persist(ctx, cp)
	return true
}

// UpdateLoad sets the worker's load, clamped to [0,100]. The load bucket
// is derived, never stored. Returns false if unknown.
func (r *Registry) UpdateLoad(ctx context.Context, workerID id.WorkerID, load int) bool {
	key := workerID.String()

	r.mu.Lock()
	w, ok := r.workers[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	w.Load = ClampLoad(load)
	cp := w.Clone()
	r.mu.Unlock()

	r.persist(ctx, cp)
	return true
}

// AdjustTaskCount moves the worker's active task counter by delta,
// floored at zero. The orchestrator is the only caller; it pairs every
// adjustment with the corresponding task transition under its own lock.
func (r *Registry) AdjustTaskCount(ctx context.Context, workerID id.WorkerID, delta int) bool {
	key := workerID.String()

	r.mu.Lock()
	w, ok := r.workers[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	w.CurrentTaskCount += delta
	if w.CurrentTaskCount < 0 {
		w.CurrentTaskCount = 0
	}
	cp := w.Clone()
	r.mu.Unlock()

	go r.persist(context.WithoutCancel(ctx), cp)
	return true
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// Get returns a copy of the worker, with the staleness correction applied.
func (r *Registry) Get(ctx context.Context, workerID id.WorkerID) (*Worker, error) {
	r.mu.Lock()
	w, ok := r.workers[workerID.String()]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: get %s: %w", workerID, crew.ErrWorkerNotFound)
	}
	flipped := r.correctStaleLocked(r.clk.Now())
	cp := w.Clone()
	r.mu.Unlock()

	r.reportFlipped(ctx, flipped)
	return cp, nil
}

// All returns copies of every cached worker, staleness-corrected.
func (r *Registry) All(ctx context.Context) []*Worker {
	return r.list(ctx, func(*Worker) bool { return true })
}

// ByCapability returns staleness-corrected workers carrying the capability.
func (r *Registry) ByCapability(ctx context.Context, capability string) []*Worker {
	return r.list(ctx, func(w *Worker) bool {
		return w.HasCapabilities([]string{capability})
	})
}

// ByStatus returns staleness-corrected workers with the given status.
func (r *Registry) ByStatus(ctx context.Context, status Status) []*Worker {
	return r.list(ctx, func(w *Worker) bool { return w.Status == status })
}

// IdleByCapability returns idle workers carrying the capability.
func (r *Registry) IdleByCapability(ctx context.Context, capability string) []*Worker {
	return r.list(ctx, func(w *Worker) bool {
		return w.Status == StatusIdle && w.HasCapabilities([]string{capability})
	})
}

// AvailableByCapability returns workers carrying the capability that are
// online, below maxLoad, and have task slots free. A non-positive maxLoad
// defaults to DefaultAvailableMaxLoad.
func (r *Registry) AvailableByCapability(ctx context.Context, capability string, maxLoad int) []*Worker {
	if maxLoad <= 0 {
		maxLoad = DefaultAvailableMaxLoad
	}
	return r.list(ctx, func(w *Worker) bool {
		return w.Status != StatusOffline &&
			w.HasCapabilities([]string{capability}) &&
			w.Load <= maxLoad &&
			w.CurrentTaskCount < w.MaxConcurrentTasks
	})
}

// Count returns the number of cached workers, including offline ones.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// list applies the staleness correction, then returns clones matching the
// predicate. The predicate sees post-correction state.
func (r *Registry) list(ctx context.Context, keep func(*Worker) bool) []*Worker {
	r.mu.Lock()
	flipped := r.correctStaleLocked(r.clk.Now())
	result := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if keep(w) {
			result = append(result, w.Clone())
		}
	}
	r.mu.Unlock()

	r.reportFlipped(ctx, flipped)
	return result
}

// ──────────────────────────────────────────────────
// Staleness correction
// ──────────────────────────────────────────────────

// flippedWorker records a staleness-corrected worker and its prior status.
type flippedWorker struct {
	worker *Worker
	from   Status
}

// correctStaleLocked flips workers whose heartbeat has expired to offline.
// Caller must hold r.mu; the returned clones are reported after unlock.
func (r *Registry) correctStaleLocked(now time.Time) []flippedWorker {
	var flipped []flippedWorker
	for _, w := range r.workers {
		if w.Status == StatusOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) <= r.heartbeatTimeout {
			continue
		}
		from := w.Status
		w.Status = StatusOffline
		flipped = append(flipped, flippedWorker{worker: w.Clone(), from: from})
	}
	return flipped
}

// reportFlipped emits events and asynchronously persists workers flipped
// offline by the staleness correction. Every heartbeat-expiry flip emits
// both a status change and a WorkerStale event, whichever path detected
// the expiry — a bulk read or the liveness sweep. A flip happens exactly
// once per expiry (offline workers are skipped by the correction), so
// loss handling fires exactly once no matter who wins the race.
func (r *Registry) reportFlipped(ctx context.Context, flipped []flippedWorker) {
	for _, f := range flipped {
		r.logger.Info("worker heartbeat expired",
			slog.String("worker_id", f.worker.ID.String()),
			slog.String("previous_status", string(f.from)),
		)
		if r.emitter != nil {
			r.emitter.EmitWorkerStatusChanged(ctx, f.worker, f.from, StatusOffline)
			r.emitter.EmitWorkerStale(ctx, f.worker.ID)
		}
		go r.persist(context.WithoutCancel(ctx), f.worker)
	}
}

// CorrectStale applies the staleness correction outside of any read and
// returns the IDs flipped offline. The liveness monitor calls this on its
// sweep interval; the stale events ride on the flip itself, so a read
// winning the race emits them and the sweep simply finds nothing left.
func (r *Registry) CorrectStale(ctx context.Context) []id.WorkerID {
	r.mu.Lock()
	flipped := r.correctStaleLocked(r.clk.Now())
	r.mu.Unlock()

	r.reportFlipped(ctx, flipped)

	ids := make([]id.WorkerID, len(flipped))
	for i, f := range flipped {
		ids[i] = f.worker.ID
	}
	return ids
}

// ──────────────────────────────────────────────────
// Persistence
// ──────────────────────────────────────────────────

// persist writes a worker snapshot to the record store. Failures are
// logged and the worker is marked dirty for the next flush; in-memory
// state remains authoritative for the running process.
func (r *Registry) persist(ctx context.Context, w *Worker) {
	if r.store == nil {
		return
	}
	key := w.ID.String()

	payload, err := json.Marshal(w)
	if err != nil {
		r.logger.Error("marshal worker snapshot",
			slog.String("worker_id", key),
			slog.String("error", err.Error()),
		)
		return
	}

	tags := []string{record.TagWorker, record.WorkerTag(w.ID), "worker-status:" + string(w.Status)}
	if _, err := r.store.Put(ctx, tags, payload); err != nil {
		r.logger.Warn("persist worker snapshot failed; will retry on flush",
			slog.String("worker_id", key),
			slog.String("error", err.Error()),
		)
		r.mu.Lock()
		r.dirty[key] = struct{}{}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	delete(r.dirty, key)
	r.mu.Unlock()
}

// Flush re-persists every dirty worker. Called by the coordinator's flush
// loop and once during shutdown.
func (r *Registry) Flush(ctx context.Context) {
	r.mu.Lock()
	snapshots := make([]*Worker, 0, len(r.dirty))
	for key := range r.dirty {
		if w, ok := r.workers[key]; ok {
			snapshots = append(snapshots, w.Clone())
		} else {
			delete(r.dirty, key)
		}
	}
	r.mu.Unlock()

	for _, w := range snapshots {
		r.persist(ctx, w)
	}
}

// Load rebuilds the cache from the record store: for each worker the
// newest snapshot wins. Returns the number of workers loaded.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, crew.ErrNoStore
	}

	records, err := r.store.FindByTags(ctx, []string{record.TagWorker}, 0)
	if err != nil {
		return 0, fmt.Errorf("registry: load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, rec := range records {
		var w Worker
		if err := json.Unmarshal(rec.Payload, &w); err != nil {
			r.logger.Warn("skipping malformed worker record",
				slog.String("record_id", rec.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		key := w.ID.String()
		if key == "" {
			continue
		}
		if _, seen := r.workers[key]; seen {
			continue // records are newest-first; first wins
		}
		r.workers[key] = &w
		loaded++
	}
	return loaded, nil
}
