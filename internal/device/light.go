// Package device is the entity layer over the dispatch core: one Light per
// paired receiver, holding assumed state and turning user intents into tasks.
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"kaku/internal/hub"
	"kaku/internal/worker"
	logx "kaku/pkg/logx"
)

// MaxBrightness is full brightness on the 0..255 scale.
const MaxBrightness = 255

// Dispatcher accepts device tasks. *worker.Service implements it.
type Dispatcher interface {
	Submit(t worker.Task) error
	IsBusy(deviceID int) bool
}

// Settings is the repeat policy applied to every command of a light.
type Settings struct {
	Tries int
	Sleep time.Duration
}

// AssumedState is what we believe the light is doing. It is set when a
// command is accepted, before anything is transmitted, and never confirmed:
// a lost RF command or a dropped duplicate leaves it wrong until the next
// command. nil fields are unknown.
type AssumedState struct {
	On         *bool
	Brightness *int
}

type Light struct {
	dev  hub.Device
	hub  hub.Hub
	disp Dispatcher
	log  logx.Logger

	mu         sync.Mutex
	settings   Settings
	on         *bool
	brightness *int
}

func NewLight(dev hub.Device, h hub.Hub, disp Dispatcher, settings Settings, log logx.Logger) *Light {
	if log.IsZero() {
		log = logx.Nop()
	}
	kind := "switch"
	if dev.Dimmable {
		kind = "dimmer"
	}
	log = log.With(logx.Int("device", dev.ID), logx.String("name", dev.Name))
	log.Info("adding light", logx.String("kind", kind))
	return &Light{dev: dev, hub: h, disp: disp, settings: settings, log: log}
}

func (l *Light) ID() int        { return l.dev.ID }
func (l *Light) Name() string   { return l.dev.Name }
func (l *Light) Dimmable() bool { return l.dev.Dimmable }

// SetSettings swaps the repeat policy for future commands.
func (l *Light) SetSettings(s Settings) {
	l.mu.Lock()
	l.settings = s
	l.mu.Unlock()
}

func (l *Light) AssumedState() AssumedState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var st AssumedState
	if l.on != nil {
		v := *l.on
		st.On = &v
	}
	if l.brightness != nil {
		v := *l.brightness
		st.Brightness = &v
	}
	return st
}

// Busy reports whether a command for this light is still pending.
func (l *Light) Busy() bool { return l.disp.IsBusy(l.dev.ID) }

// TurnOn switches the light on. brightness (0..255) is optional and only
// honored by dimmers; nil means full brightness. A dimmer below full
// brightness gets a single dim command, which also switches it on.
//
// A request dropped because the light is busy returns nil.
func (l *Light) TurnOn(brightness *int) error {
	b := MaxBrightness
	if brightness != nil {
		b = clampBrightness(*brightness)
	}
	if !l.dev.Dimmable {
		b = MaxBrightness
	}

	l.mu.Lock()
	if l.on != nil && *l.on && l.brightness != nil && *l.brightness == b {
		l.mu.Unlock()
		l.log.Debug("turn_on skipped: already on", logx.Int("brightness", b))
		return nil
	}
	prevOn, prevB := l.on, l.brightness
	on := true
	l.on, l.brightness = &on, &b
	settings := l.settings
	l.mu.Unlock()

	task := worker.Task{DeviceID: l.dev.ID, Kind: worker.TurnOn, Params: worker.Params{Tries: settings.Tries, Sleep: settings.Sleep, Send: l.hub.TurnOn}}
	if l.dev.Dimmable && b < MaxBrightness {
		task.Kind = worker.Dim
		task.Params.Send = nil
		task.Params.Level = LevelForBrightness(b)
		task.Params.DimSend = l.hub.Dim
	}
	return l.dispatch(task, prevOn, prevB)
}

func (l *Light) TurnOff() error {
	l.mu.Lock()
	prevOn, prevB := l.on, l.brightness
	off := false
	l.on = &off
	settings := l.settings
	l.mu.Unlock()

	task := worker.Task{DeviceID: l.dev.ID, Kind: worker.TurnOff, Params: worker.Params{Tries: settings.Tries, Sleep: settings.Sleep, Send: l.hub.TurnOff}}
	return l.dispatch(task, prevOn, prevB)
}

func (l *Light) dispatch(task worker.Task, prevOn *bool, prevB *int) error {
	err := l.disp.Submit(task)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, worker.ErrBusy):
		// Throttled on purpose; the assumed state stays speculative.
		l.log.Debug("command dropped: light busy", logx.String("action", task.Kind.String()))
		return nil
	default:
		// Nothing was queued, so nothing will be transmitted: undo the assumption.
		l.mu.Lock()
		l.on, l.brightness = prevOn, prevB
		l.mu.Unlock()
		return fmt.Errorf("light %d %s: %w", l.dev.ID, task.Kind, err)
	}
}

// LevelForBrightness maps 0..255 onto the receiver's 1..15 dim levels.
func LevelForBrightness(b int) int {
	b = clampBrightness(b)
	level := (b + 16) / 17 // ceil(b/17)
	if level < worker.MinLevel {
		level = worker.MinLevel
	}
	if level > worker.MaxLevel {
		level = worker.MaxLevel
	}
	return level
}

func clampBrightness(b int) int {
	if b < 0 {
		return 0
	}
	if b > MaxBrightness {
		return MaxBrightness
	}
	return b
}
