package coordinator

import "errors"

// Coordinator-specific errors
var (
	// ErrMissingDependency is returned when a required collaborator is nil
	ErrMissingDependency = errors.New("coordinator dependency is missing")

	// ErrUnknownTable is returned when a requested table is not declared in the registry
	ErrUnknownTable = errors.New("table is not declared in the registry")

	// ErrTableInactive is returned when a requested table is declared but disabled
	ErrTableInactive = errors.New("table is marked inactive")

	// ErrQueueDisabled is returned when queued recalculation is requested without Redis
	ErrQueueDisabled = errors.New("queue delivery is not configured")

	// ErrQueueStalled is returned when queued items stop making progress,
	// usually because no worker is running
	ErrQueueStalled = errors.New("calculation queue stalled")

	// ErrBatchHadFailures is returned when a queued batch drained but some
	// items ended failed
	ErrBatchHadFailures = errors.New("queued calculations failed")

	// ErrCascadeAborted tags the failure that stopped an inline cascade
	ErrCascadeAborted = errors.New("calculation cascade aborted")
)
