// Package hub defines the transmit capability the dispatch core consumes.
//
// The session, authentication and RF encoding belong to the hub driver; the
// core only ever asks it to send one action to one device.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	logx "kaku/pkg/logx"
)

// Hub sends a device action over the air. Calls are best-effort, assumed
// idempotent and return quickly; none of them confirms delivery.
type Hub interface {
	TurnOn(deviceID int) error
	TurnOff(deviceID int) error
	Dim(deviceID, level int) error
}

// Device is one paired receiver known to the hub.
type Device struct {
	ID       int
	Name     string
	Dimmable bool
}

// Config selects and configures a hub driver.
type Config struct {
	Driver   string
	MAC      string
	Email    string
	Password string
	IP       string
	AESKey   string

	// RatePerSec caps transmissions across all devices. 0 disables the cap.
	RatePerSec float64
	Burst      int
}

var ErrUnknownDriver = errors.New("unknown hub driver")

// Open returns the configured driver, throttled if RatePerSec > 0.
// ctx bounds throttle waits.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Hub, error) {
	var h Hub
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log", "dry-run":
		h = NewLogHub(log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
	if cfg.RatePerSec > 0 {
		h = NewThrottle(ctx, h, cfg.RatePerSec, cfg.Burst)
	}
	return h, nil
}

// Transmission is one call recorded by LogHub.
type Transmission struct {
	DeviceID int
	Action   string
	Level    int
}

// LogHub is a dry-run driver: it logs every transmission and keeps them for
// inspection, without touching any radio.
type LogHub struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Transmission
}

func NewLogHub(log logx.Logger) *LogHub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogHub{log: log}
}

func (h *LogHub) TurnOn(deviceID int) error {
	return h.record(Transmission{DeviceID: deviceID, Action: "on"})
}

func (h *LogHub) TurnOff(deviceID int) error {
	return h.record(Transmission{DeviceID: deviceID, Action: "off"})
}

func (h *LogHub) Dim(deviceID, level int) error {
	return h.record(Transmission{DeviceID: deviceID, Action: "dim", Level: level})
}

func (h *LogHub) record(t Transmission) error {
	h.mu.Lock()
	h.sent = append(h.sent, t)
	h.mu.Unlock()
	h.log.Info("transmit (dry-run)", logx.Int("device", t.DeviceID), logx.String("action", t.Action), logx.Int("level", t.Level))
	return nil
}

// Sent returns a copy of all recorded transmissions.
func (h *LogHub) Sent() []Transmission {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Transmission(nil), h.sent...)
}
