package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, no external dependency
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DispatchRecord is one finished (or failed) device task.
// Keep it compact and schema-stable.
type DispatchRecord struct {
	At         time.Time     `json:"at"`
	TaskID     string        `json:"task_id"`
	DeviceID   int           `json:"device_id"`
	Action     string        `json:"action"`
	Level      int           `json:"level,omitempty"`
	Tries      int           `json:"tries"`
	Attempts   int           `json:"attempts"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}
