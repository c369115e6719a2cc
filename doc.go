// Package crew provides task distribution over a registry of cooperating
// workers: capability-based matching, heartbeat liveness detection, and
// reassignment of orphaned work when a worker is lost.
//
// Crew is designed as a library, not a service. Import it, configure a
// record store, and drive the registry and orchestrator through ordinary
// function calls.
//
// # Quick Start
//
//	c, err := crew.New(
//	    crew.WithStore(memory.New()),
//	    crew.WithLogger(logger),
//	)
//	if err != nil { ... }
//	eng, err := engine.Build(c)
//	if err != nil { ... }
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Stop(ctx)
//
//	w, err := eng.Registry().Register(ctx, registry.Registration{
//	    ID:           id.NewWorkerID(),
//	    Capabilities: []string{"build"},
//	})
//	t, err := eng.Orchestrator().Submit(ctx, orchestrator.SubmitRequest{
//	    Type:                 "compile",
//	    RequiredCapabilities: []string{"build"},
//	    Priority:             task.PriorityHigh,
//	})
//
// The engine package wires the subsystems together; the Coordinator owns
// the store and the background runner lifecycle.
//
// # Architecture
//
// Crew follows a composable store pattern: the external record store is a
// small tag-addressed interface (record.Store) with in-memory, Redis,
// Postgres, SQLite, and MongoDB backends. In-memory state is authoritative
// for the running process; the record store is authoritative for recovery
// after restart.
//
// Lifecycle transitions are announced through strongly-typed extension
// hooks (package ext) — one interface per event kind — consumed by the
// notification side channel, the stream broker, and the metrics extension.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package crew
