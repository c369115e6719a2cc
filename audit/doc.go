// Package audit records lifecycle events as a durable trail. The
// Extension bridges the typed ext hooks to a Recorder; StoreRecorder
// persists each event into the shared record store under audit tags so
// operators can answer "what happened to this worker/task" after the
// fact.
//
// The trail is best-effort: a recorder failure is logged and never
// propagates into the lifecycle path that triggered it.
package audit
