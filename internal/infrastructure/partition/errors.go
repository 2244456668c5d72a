package partition

import "errors"

var (
	// ErrDispatcherNotRunning is returned when submitting to a dispatcher that
	// was never started or is still recovering
	ErrDispatcherNotRunning = errors.New("mutation dispatcher is not running")

	// ErrDispatcherStopped completes tickets whose mutation was still queued
	// when the dispatcher stopped. The mutation stays PENDING in storage and
	// is recovered on the next start.
	ErrDispatcherStopped = errors.New("mutation dispatcher stopped before execution")

	// ErrCancelled completes the ticket of a cancelled mutation
	ErrCancelled = errors.New("mutation cancelled")

	errNotPending = errors.New("mutation is no longer pending")
)
