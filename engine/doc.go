// Package engine wires all crew subsystems together: the extension
// registry, worker registry, liveness monitor, orchestrator, and the
// background sweep and flush loops.
//
// This package exists to break the import cycle: the root crew package
// defines the sentinel errors and configuration (imported by registry,
// orchestrator, etc.) and so cannot import those packages back. The
// engine package sits above all subsystem packages and below the
// application layer.
//
// Typical setup:
//
//	c, err := crew.New(
//	    crew.WithStore(memory.New()),
//	    crew.WithLogger(logger),
//	)
//	if err != nil { ... }
//
//	eng, err := engine.Build(c,
//	    engine.WithExtension(notify.New(notifier)),
//	)
//	if err != nil { ... }
//
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Stop(ctx)
//
//	w, err := eng.Registry().Register(ctx, registry.Registration{...})
//	t, err := eng.Orchestrator().Submit(ctx, orchestrator.SubmitRequest{...})
package engine
