package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "kaku/pkg/logx"
)

// loop is the single consumer. Each idle cycle waits at most one poll
// interval, so the stop signal is re-checked at least that often; a
// dequeued task always runs to completion before the next check.
func (s *Service) loop(ctx context.Context, q *taskQueue, stopCh <-chan struct{}) error {
	timer := time.NewTimer(s.pollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		default:
		}

		if qt, ok := q.pop(); ok {
			s.execOne(ctx, q, qt)
			continue
		}

		timer.Reset(s.pollInterval())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-q.wake():
		case <-timer.C:
		}
	}
}

func (s *Service) execOne(ctx context.Context, q *taskQueue, qt queuedTask) {
	defer q.done(qt.task.DeviceID)

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	t := qt.task
	log := s.log.With(logx.Int("device", t.DeviceID), logx.String("action", t.Kind.String()), logx.String("id", qt.id))

	log.Debug("task.started", logx.Int("tries", t.Params.Tries), logx.Duration("sleep", t.Params.Sleep), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", start, qt, queueDelay, 0, 0, "")

	attempts, err := s.run(ctx, log, t)

	dur := time.Since(start)
	item := HistoryItem{
		ID:         qt.id,
		DeviceID:   t.DeviceID,
		Action:     t.Kind,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
		Attempts:   attempts,
	}
	if err != nil {
		item.Error = err.Error()
		atomic.AddUint64(&s.failed, 1)
		log.Warn("task.failed", logx.Err(err), logx.Int("attempts", attempts), logx.Int("tries", t.Params.Tries), logx.Duration("dur", dur))
		s.publish("task.failed", time.Now(), qt, queueDelay, dur, attempts, item.Error)
	} else {
		atomic.AddUint64(&s.executed, 1)
		log.Info("task.completed", logx.Int("attempts", attempts), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish("task.finished", time.Now(), qt, queueDelay, dur, attempts, "")
	}
	s.record(item)
}

// run drives the repeater and turns a panicking hub call into an error so one
// bad device cannot take the loop down.
func (s *Service) run(ctx context.Context, log logx.Logger, t Task) (attempts int, err error) {
	call := t.call()
	tries := t.Params.Tries
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	_, err = s.rep.Repeat(ctx, tries, t.Params.Sleep, func() error {
		attempts++
		log.Debug("transmit", logx.Int("try", attempts), logx.Int("of", tries))
		return call()
	})
	return attempts, err
}
