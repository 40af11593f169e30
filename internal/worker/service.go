// Package worker serializes RF device commands through a single goroutine.
//
// Producers call Submit from any goroutine; it never blocks. One loop drains
// a FIFO queue and drives each task through the repeater, so the hub's
// transmit capability is only ever invoked from that loop. A device has at
// most one task queued or executing at any instant.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kaku/internal/eventbus"
	"kaku/internal/repeater"
	rtsup "kaku/internal/runtime/supervisor"
	logx "kaku/pkg/logx"
)

const (
	defaultQueueSize    = 64
	defaultPollInterval = time.Second
	defaultHistorySize  = 200
	warnThrottleEvery   = 5 * time.Second
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	rep *repeater.Repeater

	q        *taskQueue
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	submitted        uint64
	executed         uint64
	failed           uint64
	coalesced        uint64
	droppedBusy      uint64
	droppedQueueFull uint64
	discarded        uint64

	lastDropWarnAt int64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = withDefaults(cfg)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		rep: repeater.New(cfg.Clock),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return cfg
}

// Apply updates runtime settings. PollInterval and Duplicate take effect on
// the next idle cycle and the next Submit; QueueSize on the next Start. The
// clock is fixed at New.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	cfg.Clock = s.cfg.Clock
	s.cfg = cfg
	s.mu.Unlock()
}

// Start launches the processing loop. It is idempotent; if a stop is in
// progress it waits for it to finish (or ctx to end) before restarting.
//
// Canceling ctx is a hard stop: an in-progress repeat sequence is cut short at
// its next sleep, queued tasks are discarded and the worker ends up Stopped.
// Use Stop for the cooperative path.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	q := newTaskQueue(cfg.QueueSize)
	stopCh := make(chan struct{})
	s.q = q
	s.stopCh = stopCh
	s.stopDone = nil
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "worker.sup"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	// A panic outside task execution restarts the loop instead of wedging
	// every device behind a dead consumer.
	sup.GoRestart("worker.loop", func(c context.Context) error {
		return s.loop(c, q, stopCh)
	}, rtsup.WithPublishFirstError(true), rtsup.WithRestartBackoff(100*time.Millisecond, 2*time.Second))
	go s.watchCancel(sup, stopCh)

	s.log.Info("device worker started", logx.Int("queue", cfg.QueueSize), logx.Duration("poll", cfg.PollInterval), logx.String("duplicates", cfg.Duplicate.String()))
}

// Stop requests a cooperative stop and waits until the loop exits or ctx ends.
// A repeat sequence already running is allowed to finish; queued tasks that
// were not yet dequeued are discarded.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := s.beginStopLocked()
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("device worker stopped")
	case <-ctx.Done():
		s.log.Warn("device worker stop timed out", logx.Err(ctx.Err()))
	}
}

// watchCancel tears the worker down when the Start context ends without a
// Stop call, so Submit reports ErrNotRunning instead of queueing into a
// queue nothing drains.
func (s *Service) watchCancel(sup *rtsup.Supervisor, stopCh chan struct{}) {
	select {
	case <-stopCh:
		return
	case <-sup.Context().Done():
	}
	s.mu.Lock()
	if s.stopCh != stopCh || s.stopDone != nil {
		s.mu.Unlock()
		return
	}
	done := s.beginStopLocked()
	s.mu.Unlock()
	<-done
	s.log.Info("device worker stopped (context canceled)")
}

// beginStopLocked closes the stop signal and the queue, then finishes the
// teardown in the background. The returned channel closes once the worker
// is Stopped. s.mu must be held.
func (s *Service) beginStopLocked() chan struct{} {
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	q := s.q

	left := q.close()
	for _, qt := range left {
		atomic.AddUint64(&s.discarded, 1)
		s.publish("task.discarded", time.Now(), qt, 0, 0, 0, "stopped")
	}
	if len(left) > 0 {
		s.log.Info("discarded queued tasks on stop", logx.Int("count", len(left)))
	}

	go func() {
		// The loop returns on stopCh; only then is the context released.
		_ = sup.Wait(context.Background())
		sup.Cancel()
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()
	return done
}

// IsRunning reports whether Submit currently accepts tasks.
func (s *Service) IsRunning() bool {
	return s.State() == StateRunning
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopCh == nil:
		return StateStopped
	case s.stopDone != nil:
		return StateStopRequested
	default:
		return StateRunning
	}
}

// Submit queues t without blocking.
//
// Errors: ErrInvalidTask (wrapped), ErrNotRunning / ErrStopping when the worker
// cannot take work, ErrBusy when the device already has a pending task (the
// request is dropped), ErrQueueFull at capacity.
func (s *Service) Submit(t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	q := s.q
	stopping := s.stopDone != nil
	policy := s.cfg.Duplicate
	s.mu.Unlock()

	if q == nil {
		return ErrNotRunning
	}
	if stopping {
		return ErrStopping
	}

	now := time.Now()
	item := queuedTask{id: uuid.NewString(), task: t, enqueuedAt: now}
	res, err := q.push(item, policy)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		atomic.AddUint64(&s.droppedBusy, 1)
		s.publish("task.dropped", now, item, 0, 0, 0, "busy")
		s.log.Debug("task dropped: device busy", logx.Int("device", t.DeviceID), logx.String("action", t.Kind.String()))
		return err
	case errors.Is(err, ErrQueueFull):
		atomic.AddUint64(&s.droppedQueueFull, 1)
		s.publish("task.dropped", now, item, 0, 0, 0, "queue_full")
		if s.shouldWarn(&s.lastDropWarnAt, now) {
			l, c, _ := q.stats()
			s.log.Warn("task dropped: queue full", logx.Int("device", t.DeviceID), logx.Int("queue_len", l), logx.Int("queue_cap", c),
				logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)))
		}
		return err
	default:
		return err
	}

	atomic.AddUint64(&s.submitted, 1)
	if res == pushCoalesced {
		atomic.AddUint64(&s.coalesced, 1)
		s.publish("task.coalesced", now, item, 0, 0, 0, "")
		s.log.Debug("task coalesced", logx.Int("device", t.DeviceID), logx.String("action", t.Kind.String()), logx.String("id", item.id))
		return nil
	}
	s.publish("task.queued", now, item, 0, 0, 0, "")
	s.log.Debug("task queued", logx.Int("device", t.DeviceID), logx.String("action", t.Kind.String()), logx.String("id", item.id))
	return nil
}

// IsBusy reports whether deviceID has a task queued or executing.
func (s *Service) IsBusy(deviceID int) bool {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q == nil {
		return false
	}
	return q.busy(deviceID)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		State:            s.State(),
		QueueCap:         cfg.QueueSize,
		Executing:        -1,
		Submitted:        atomic.LoadUint64(&s.submitted),
		Executed:         atomic.LoadUint64(&s.executed),
		Failed:           atomic.LoadUint64(&s.failed),
		Coalesced:        atomic.LoadUint64(&s.coalesced),
		DroppedBusy:      atomic.LoadUint64(&s.droppedBusy),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		Discarded:        atomic.LoadUint64(&s.discarded),
		PollInterval:     cfg.PollInterval,
		Duplicate:        cfg.Duplicate,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap, snap.Executing = q.stats()
	}

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PollInterval
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, qt queuedTask, queueDelay, dur time.Duration, attempts int, errStr string) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{
		ID:         qt.id,
		DeviceID:   qt.task.DeviceID,
		Action:     qt.task.Kind.String(),
		Tries:      qt.task.Params.Tries,
		Started:    at,
		QueueDelay: queueDelay,
		Duration:   dur,
		Attempts:   attempts,
		Error:      errStr,
	}
	if qt.task.Kind == Dim {
		ev.Level = qt.task.Params.Level
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
