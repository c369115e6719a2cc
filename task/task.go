// Package task defines the unit of distributable work and its lifecycle
// states. Transitions are driven exclusively by the orchestrator; nothing
// else mutates a Task.
package task

import (
	"time"

	"github.com/fleetform/crew/id"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending means the task is waiting for assignment.
	StatusPending Status = "pending"
	// StatusAssigned means a worker owns the task but has not started it.
	StatusAssigned Status = "assigned"
	// StatusInProgress means the assigned worker is executing the task.
	StatusInProgress Status = "in_progress"
	// StatusCompleted means the task finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the task failed permanently and will not be retried.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority determines assignment ordering. Higher values are matched first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Task represents a unit of work to be distributed to a worker.
type Task struct {
	ID      id.TaskID `json:"id"`
	Type    string    `json:"type"`
	Payload []byte    `json:"payload,omitempty"`

	// RequiredCapabilities a worker must all carry to be eligible.
	// Empty means any worker qualifies.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	// AssignedTo is the owning worker. Set if and only if Status is
	// assigned or in_progress.
	AssignedTo id.WorkerID `json:"assigned_to,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// RetryAt gates re-assignment after a transient failure. Zero means
	// immediately eligible.
	RetryAt time.Time `json:"retry_at,omitzero"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result and Error are populated on terminal transitions.
	Result []byte `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Meta carries integration metadata for external consumers. The core
	// never reads it.
	Meta map[string]string `json:"meta,omitempty"`
}

// Assigned reports whether the task currently has an owning worker.
func (t *Task) Assigned() bool {
	return t.Status == StatusAssigned || t.Status == StatusInProgress
}

// ConsistentAssignment reports whether AssignedTo is set exactly when the
// status requires an owner.
func (t *Task) ConsistentAssignment() bool {
	if t.Assigned() {
		return !t.AssignedTo.IsNil()
	}
	return t.AssignedTo.IsNil()
}

// Clone returns a deep copy so callers can read without racing the owner.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Payload = append([]byte(nil), t.Payload...)
	cp.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	cp.Result = append([]byte(nil), t.Result...)
	if t.AssignedAt != nil {
		v := *t.AssignedAt
		cp.AssignedAt = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.Meta != nil {
		cp.Meta = make(map[string]string, len(t.Meta))
		for k, v := range t.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
