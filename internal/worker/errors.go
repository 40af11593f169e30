package worker

import "errors"

var (
	// ErrNotRunning is returned by Submit when the worker has not been started
	// or has already stopped. Nothing is queued.
	ErrNotRunning = errors.New("device worker not running")
	// ErrStopping is returned by Submit while a stop is in progress.
	ErrStopping = errors.New("device worker stopping")
	// ErrBusy reports that the device already has a task queued or executing
	// and the new request was dropped. It is throttling, not a fault; callers
	// usually ignore it.
	ErrBusy = errors.New("device busy: request dropped")
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("device worker queue full")
	// ErrInvalidTask wraps validation failures.
	ErrInvalidTask = errors.New("invalid task")
)
