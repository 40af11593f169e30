package app

import (
	"context"
	"time"

	"kaku/internal/eventbus"
	"kaku/internal/storage"
	"kaku/internal/worker"
	logx "kaku/pkg/logx"
)

// recordDispatches copies finished and failed task events into the store
// until ctx is done. Events dropped by the bus are simply not recorded.
func recordDispatches(ctx context.Context, bus eventbus.Bus, store storage.Store, log logx.Logger) {
	events, unsub := bus.Subscribe(256, "task.finished", "task.failed")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, ok := e.Data.(worker.TaskEvent)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := store.AppendDispatch(wctx, dispatchRecord(e.Time, ev))
			cancel()
			if err != nil {
				log.Warn("dispatch record failed", logx.String("task_id", ev.ID), logx.Err(err))
			}
		}
	}
}

func dispatchRecord(at time.Time, ev worker.TaskEvent) storage.DispatchRecord {
	return storage.DispatchRecord{
		At:         at,
		TaskID:     ev.ID,
		DeviceID:   ev.DeviceID,
		Action:     ev.Action,
		Level:      ev.Level,
		Tries:      ev.Tries,
		Attempts:   ev.Attempts,
		QueueDelay: ev.QueueDelay,
		Duration:   ev.Duration,
		Error:      ev.Error,
	}
}
