package worker

import (
	"fmt"
	"strings"
	"time"

	"kaku/internal/repeater"
)

// ActionKind is the closed set of physical capabilities a device exposes.
type ActionKind int

const (
	TurnOn ActionKind = iota + 1
	TurnOff
	Dim
)

func (k ActionKind) String() string {
	switch k {
	case TurnOn:
		return "on"
	case TurnOff:
		return "off"
	case Dim:
		return "dim"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// ParseActionKind accepts "on", "off" and "dim" (case-insensitive).
func ParseActionKind(s string) (ActionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "turn_on":
		return TurnOn, nil
	case "off", "turn_off":
		return TurnOff, nil
	case "dim":
		return Dim, nil
	default:
		return 0, fmt.Errorf("unknown action %q (use on, off or dim)", s)
	}
}

// Dim levels accepted by the receivers.
const (
	MinLevel = 1
	MaxLevel = 15
)

// SendFunc transmits an on/off command for a device.
type SendFunc func(deviceID int) error

// DimFunc transmits a dim command for a device.
type DimFunc func(deviceID, level int) error

// Params carries the repeat policy and the hub capability for one task.
//
// TurnOn/TurnOff use Send. Dim uses DimSend and Level.
type Params struct {
	Tries int
	Sleep time.Duration

	Send SendFunc

	Level   int
	DimSend DimFunc
}

// Task is one requested device action awaiting execution.
type Task struct {
	DeviceID int
	Kind     ActionKind
	Params   Params
}

// Validate checks the task shape for its ActionKind.
func (t Task) Validate() error {
	if t.DeviceID < 0 {
		return fmt.Errorf("%w: device id must be >= 0 (got %d)", ErrInvalidTask, t.DeviceID)
	}
	if t.Params.Tries < 1 {
		return fmt.Errorf("%w: tries must be >= 1 (got %d)", ErrInvalidTask, t.Params.Tries)
	}
	if t.Params.Sleep < 0 {
		return fmt.Errorf("%w: sleep must be >= 0 (got %s)", ErrInvalidTask, t.Params.Sleep)
	}
	switch t.Kind {
	case TurnOn, TurnOff:
		if t.Params.Send == nil {
			return fmt.Errorf("%w: %s requires a send action", ErrInvalidTask, t.Kind)
		}
	case Dim:
		if t.Params.DimSend == nil {
			return fmt.Errorf("%w: dim requires a dim action", ErrInvalidTask)
		}
		if t.Params.Level < MinLevel || t.Params.Level > MaxLevel {
			return fmt.Errorf("%w: dim level must be %d..%d (got %d)", ErrInvalidTask, MinLevel, MaxLevel, t.Params.Level)
		}
	default:
		return fmt.Errorf("%w: unknown action kind %d", ErrInvalidTask, int(t.Kind))
	}
	return nil
}

// call binds the hub capability to the task's device (and level).
func (t Task) call() func() error {
	id := t.DeviceID
	if t.Kind == Dim {
		level := t.Params.Level
		dim := t.Params.DimSend
		return func() error { return dim(id, level) }
	}
	send := t.Params.Send
	return func() error { return send(id) }
}

// DuplicatePolicy decides what Submit does when the device already has a
// queued task.
type DuplicatePolicy int

const (
	// DuplicateDrop drops the new request (last writer loses).
	DuplicateDrop DuplicatePolicy = iota
	// DuplicateCoalesce replaces a queued, not yet executing task with the new
	// one, keeping its queue position. A device whose task is executing still
	// drops the new request.
	DuplicateCoalesce
)

func (p DuplicatePolicy) String() string {
	if p == DuplicateCoalesce {
		return "coalesce"
	}
	return "drop"
}

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return DuplicateDrop, nil
	case "coalesce", "replace":
		return DuplicateCoalesce, nil
	default:
		return DuplicateDrop, fmt.Errorf("unknown duplicate policy %q (use drop or coalesce)", s)
	}
}

// Config controls the device task worker.
type Config struct {
	// QueueSize bounds the number of queued tasks. Applied on Start.
	QueueSize int
	// PollInterval is the bounded wait of one idle loop cycle.
	PollInterval time.Duration
	HistorySize  int
	Duplicate    DuplicatePolicy

	// Clock drives the repeater's inter-attempt sleep. nil means real time.
	Clock repeater.Clock
}

// State of the worker loop.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopRequested
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	default:
		return "stopped"
	}
}

type HistoryItem struct {
	ID         string
	DeviceID   int
	Action     ActionKind
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	DeviceID   int           `json:"device_id"`
	Action     string        `json:"action"`
	Level      int           `json:"level,omitempty"`
	Tries      int           `json:"tries"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	State    State
	QueueLen int
	QueueCap int

	// Executing is the device currently being driven, -1 if idle.
	Executing int

	Submitted        uint64
	Executed         uint64
	Failed           uint64
	Coalesced        uint64
	DroppedBusy      uint64
	DroppedQueueFull uint64
	Discarded        uint64

	PollInterval time.Duration
	Duplicate    DuplicatePolicy

	History []HistoryItem
}
