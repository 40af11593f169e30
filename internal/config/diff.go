package config

import (
	"reflect"
	"strings"

	logx "kaku/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never includes the hub password or AES key) and whether any
// changed section needs a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)
	restart := false

	oh, nh := oldCfg.Hub, newCfg.Hub
	if strings.TrimSpace(oh.MAC) != strings.TrimSpace(nh.MAC) ||
		strings.TrimSpace(oh.Email) != strings.TrimSpace(nh.Email) ||
		oh.Password != nh.Password ||
		strings.TrimSpace(oh.IP) != strings.TrimSpace(nh.IP) ||
		oh.AES != nh.AES ||
		oh.Driver != nh.Driver ||
		oh.RatePerSec != nh.RatePerSec ||
		oh.Burst != nh.Burst {
		changed = append(changed, "hub")
		restart = true
		attrs = append(attrs,
			logx.String("hub.driver", nh.Driver),
			logx.String("hub.ip", strings.TrimSpace(nh.IP)),
			logx.Bool("hub.aes_set", nh.AES != ""),
			logx.Any("hub.rate_per_sec", nh.RatePerSec),
		)
	}

	od, nd := oldCfg.Dispatch, newCfg.Dispatch
	if od != nd {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.tries", nd.Tries),
			logx.String("dispatch.sleep", nd.Sleep),
		)
		attrs = append(attrs,
			logx.String("dispatch.poll_interval", nd.PollInterval),
			logx.String("dispatch.duplicate_policy", nd.DuplicatePolicy),
		)
		// The queue is allocated on worker start; everything else applies live.
		if od.QueueSize != nd.QueueSize {
			restart = true
		}
	}

	if !reflect.DeepEqual(oldCfg.Devices, newCfg.Devices) {
		changed = append(changed, "devices")
		restart = true
		attrs = append(attrs, logx.Int("devices.count", len(newCfg.Devices)))
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = true
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	return changed, attrs, restart
}
