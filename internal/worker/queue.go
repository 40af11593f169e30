package worker

import (
	"sync"
	"time"
)

type queuedTask struct {
	id         string
	task       Task
	enqueuedAt time.Time
}

type pushResult int

const (
	pushQueued pushResult = iota
	pushCoalesced
)

// taskQueue is a FIFO with per-device admission.
//
// One mutex guards both the items and the busy scan, so "is this device
// pending" and "append" are atomic with respect to each other. A device is
// busy from push until done, which covers both the queued and the executing
// phase.
type taskQueue struct {
	mu        sync.Mutex
	items     []queuedTask
	executing int // device id, -1 when idle
	capacity  int
	closed    bool

	// notify has capacity 1: a pending wakeup is never lost and never piles up.
	notify chan struct{}
}

func newTaskQueue(capacity int) *taskQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &taskQueue{
		items:     make([]queuedTask, 0, capacity),
		executing: -1,
		capacity:  capacity,
		notify:    make(chan struct{}, 1),
	}
}

func (q *taskQueue) push(qt queuedTask, policy DuplicatePolicy) (pushResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return pushQueued, ErrStopping
	}
	id := qt.task.DeviceID
	if q.executing == id {
		return pushQueued, ErrBusy
	}
	if i := q.indexLocked(id); i >= 0 {
		if policy != DuplicateCoalesce {
			return pushQueued, ErrBusy
		}
		// Keep the original position (and queue delay) of the replaced task.
		qt.enqueuedAt = q.items[i].enqueuedAt
		q.items[i] = qt
		return pushCoalesced, nil
	}
	if len(q.items) >= q.capacity {
		return pushQueued, ErrQueueFull
	}
	q.items = append(q.items, qt)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return pushQueued, nil
}

// pop removes the head and marks its device as executing.
func (q *taskQueue) pop() (queuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return queuedTask{}, false
	}
	qt := q.items[0]
	q.items[0] = queuedTask{}
	q.items = q.items[1:]
	q.executing = qt.task.DeviceID
	return qt, true
}

// done clears the executing mark set by pop.
func (q *taskQueue) done(deviceID int) {
	q.mu.Lock()
	if q.executing == deviceID {
		q.executing = -1
	}
	q.mu.Unlock()
}

func (q *taskQueue) busy(deviceID int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executing == deviceID || q.indexLocked(deviceID) >= 0
}

func (q *taskQueue) indexLocked(deviceID int) int {
	for i := range q.items {
		if q.items[i].task.DeviceID == deviceID {
			return i
		}
	}
	return -1
}

// close rejects further pushes and returns the tasks that were still queued.
func (q *taskQueue) close() []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	left := q.items
	q.items = nil
	return left
}

func (q *taskQueue) stats() (length, capacity, executing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.capacity, q.executing
}

func (q *taskQueue) wake() <-chan struct{} { return q.notify }
