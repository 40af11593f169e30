package app

import (
	"strings"
	"time"

	"kaku/internal/config"
	"kaku/internal/device"
	"kaku/internal/hub"
	"kaku/internal/schedule"
	"kaku/internal/storage"
	"kaku/internal/worker"
	logx "kaku/pkg/logx"
)

// Config mapping: the on-disk config stays in internal/config; each
// component gets its own plain struct.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapHubConfig(cfg *config.Config) hub.Config {
	h := cfg.Hub
	return hub.Config{
		Driver:     h.Driver,
		MAC:        strings.TrimSpace(h.MAC),
		Email:      strings.TrimSpace(h.Email),
		Password:   h.Password,
		IP:         strings.TrimSpace(h.IP),
		AESKey:     strings.TrimSpace(h.AES),
		RatePerSec: h.RatePerSec,
		Burst:      h.Burst,
	}
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	d, err := cfg.Dispatch.Resolve()
	if err != nil {
		return worker.Config{}, err
	}
	policy, err := worker.ParseDuplicatePolicy(d.DuplicatePolicy)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		QueueSize:    d.QueueSize,
		PollInterval: d.PollInterval,
		Duplicate:    policy,
	}, nil
}

func mapLightSettings(cfg *config.Config) (device.Settings, error) {
	d, err := cfg.Dispatch.Resolve()
	if err != nil {
		return device.Settings{}, err
	}
	return device.Settings{Tries: d.Tries, Sleep: d.Sleep}, nil
}

func mapDevices(cfg *config.Config) []hub.Device {
	out := make([]hub.Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		out = append(out, hub.Device{ID: d.ID, Name: strings.TrimSpace(d.Name), Dimmable: d.Dimmable})
	}
	return out
}

func mapRules(cfg *config.Config) []schedule.Rule {
	out := make([]schedule.Rule, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if s.Disabled {
			continue
		}
		out = append(out, schedule.Rule{
			Name:       strings.TrimSpace(s.Name),
			DeviceID:   s.Device,
			On:         strings.EqualFold(strings.TrimSpace(s.Action), "on"),
			Brightness: s.Brightness,
			Spec:       s.Spec,
		})
	}
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}
