package crew

import "errors"

var (
	// Not found errors.
	ErrTaskNotFound   = errors.New("crew: task not found")
	ErrWorkerNotFound = errors.New("crew: worker not found")

	// Conflict errors.
	ErrWorkerExists = errors.New("crew: worker already registered")

	// State errors.
	ErrInvalidTransition  = errors.New("crew: invalid state transition")
	ErrWorkerMismatch     = errors.New("crew: task not assigned to that worker")
	ErrMaxRetriesExceeded = errors.New("crew: max retries exceeded")

	// Capacity errors.
	ErrQueueFull = errors.New("crew: task queue at capacity")

	// Store errors.
	ErrNoStore          = errors.New("crew: no record store configured")
	ErrStoreUnavailable = errors.New("crew: record store unavailable")
)
