package audit

// Audit event actions. Each constant corresponds to one ext lifecycle
// hook and becomes the Action field of the audit event.
const (
	ActionWorkerRegistered    = "worker.registered"
	ActionWorkerStatusChanged = "worker.status_changed"
	ActionWorkerStale         = "worker.stale"
	ActionWorkerLossHandled   = "worker.loss_handled"
	ActionTaskSubmitted       = "task.submitted"
	ActionTaskAssigned        = "task.assigned"
	ActionTaskStarted         = "task.started"
	ActionTaskCompleted       = "task.completed"
	ActionTaskFailed          = "task.failed"
	ActionTaskRetrying        = "task.retrying"
	ActionTaskStale           = "task.stale"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceWorker = "worker"
	ResourceTask   = "task"
)

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionWorkerRegistered,
		ActionWorkerStatusChanged,
		ActionWorkerStale,
		ActionWorkerLossHandled,
		ActionTaskSubmitted,
		ActionTaskAssigned,
		ActionTaskStarted,
		ActionTaskCompleted,
		ActionTaskFailed,
		ActionTaskRetrying,
		ActionTaskStale,
	}
}
