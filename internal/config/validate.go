package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultTries        = 1
	DefaultSleep        = 3 * time.Second
	DefaultQueueSize    = 64
	DefaultPollInterval = time.Second
)

var (
	ipPattern  = regexp.MustCompile(`^[1-9][0-9]{0,2}(\.(0|[1-9][0-9]{0,2})){2}\.[1-9][0-9]{0,2}$`)
	aesPattern = regexp.MustCompile(`^[a-zA-Z0-9]{32}$`)
)

// Dispatch is the resolved form of DispatchConfig.
type Dispatch struct {
	Tries           int
	Sleep           time.Duration
	QueueSize       int
	PollInterval    time.Duration
	DuplicatePolicy string
}

// Resolve applies defaults and parses durations.
func (c DispatchConfig) Resolve() (Dispatch, error) {
	d := Dispatch{
		Tries:           c.Tries,
		QueueSize:       c.QueueSize,
		DuplicatePolicy: strings.ToLower(strings.TrimSpace(c.DuplicatePolicy)),
	}
	if d.Tries == 0 {
		d.Tries = DefaultTries
	}
	if d.Tries < 1 {
		return Dispatch{}, fmt.Errorf("dispatch.tries: must be >= 1, got %d", c.Tries)
	}
	if d.QueueSize == 0 {
		d.QueueSize = DefaultQueueSize
	}
	if d.QueueSize < 1 {
		return Dispatch{}, fmt.Errorf("dispatch.queue_size: must be >= 1, got %d", c.QueueSize)
	}

	// An explicit "0s" sleep is allowed; only an omitted one takes the default.
	d.Sleep = DefaultSleep
	if strings.TrimSpace(c.Sleep) != "" {
		v, err := ParseDurationField("dispatch.sleep", c.Sleep)
		if err != nil {
			return Dispatch{}, err
		}
		d.Sleep = v
	}

	poll, err := ParseDurationOrDefault("dispatch.poll_interval", c.PollInterval, DefaultPollInterval)
	if err != nil {
		return Dispatch{}, err
	}
	d.PollInterval = poll

	switch d.DuplicatePolicy {
	case "", "drop", "coalesce", "replace":
	default:
		return Dispatch{}, fmt.Errorf("dispatch.duplicate_policy: unknown value %q", c.DuplicatePolicy)
	}
	return d, nil
}

// Validate checks the whole config and returns every problem found.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Hub.MAC) == "" {
		add("hub.mac: required")
	}
	if strings.TrimSpace(c.Hub.Email) == "" {
		add("hub.email: required")
	}
	if c.Hub.Password == "" {
		add("hub.password: required")
	}
	if ip := strings.TrimSpace(c.Hub.IP); ip != "" && !ipPattern.MatchString(ip) {
		add("hub.ip: %q is not a valid address", ip)
	}
	if aes := strings.TrimSpace(c.Hub.AES); aes != "" && !aesPattern.MatchString(aes) {
		add("hub.aes: must be 32 alphanumeric characters")
	}
	if c.Hub.RatePerSec < 0 {
		add("hub.rate_per_sec: must be >= 0")
	}

	if _, err := c.Dispatch.Resolve(); err != nil {
		errs = append(errs, err)
	}

	ids := make(map[int]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID < 0 {
			add("devices[%d].id: must be >= 0", i)
		}
		if ids[d.ID] {
			add("devices[%d].id: duplicate id %d", i, d.ID)
		}
		ids[d.ID] = true
	}

	names := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		p := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			add("%s.name: required", p)
		} else if names[name] {
			add("%s.name: duplicate %q", p, name)
		}
		names[name] = true
		if !ids[s.Device] {
			add("%s.device: unknown device %d", p, s.Device)
		}
		switch strings.ToLower(strings.TrimSpace(s.Action)) {
		case "on", "off":
		default:
			add("%s.action: must be \"on\" or \"off\"", p)
		}
		if strings.TrimSpace(s.Spec) == "" {
			add("%s.spec: required", p)
		}
		if s.Brightness != nil && (*s.Brightness < 0 || *s.Brightness > 255) {
			add("%s.brightness: must be within 0..255", p)
		}
	}

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Path) == "" {
				add("storage.path: required for driver %q", c.Storage.Driver)
			}
		default:
			add("storage.driver: unknown value %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
