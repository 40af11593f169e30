package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "3s", "1m").
type Config struct {
	Hub       HubConfig        `json:"hub"`
	Dispatch  DispatchConfig   `json:"dispatch"`
	Devices   []DeviceConfig   `json:"devices"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Logging   LoggingConfig    `json:"logging"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
}

// HubConfig holds the hub credentials and the transmit driver.
//
// Driver "log" (default) is a dry-run hub that only logs transmissions.
// RatePerSec limits how fast commands go out on the RF channel; 0 disables it.
type HubConfig struct {
	MAC      string `json:"mac"`
	Email    string `json:"email"`
	Password string `json:"password"`
	IP       string `json:"ip,omitempty"`
	AES      string `json:"aes,omitempty"`

	Driver     string  `json:"driver,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// DispatchConfig controls the device task worker.
//
// Defaults (when fields are omitted/zero):
//   - tries: 1
//   - sleep: "3s"
//   - queue_size: 64
//   - poll_interval: "1s"
//   - duplicate_policy: "drop"
type DispatchConfig struct {
	Tries           int    `json:"tries,omitempty"`
	Sleep           string `json:"sleep,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	PollInterval    string `json:"poll_interval,omitempty"`
	DuplicatePolicy string `json:"duplicate_policy,omitempty"`
}

type DeviceConfig struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Dimmable bool   `json:"dimmable,omitempty"`
}

// ScheduleConfig is a cron rule that switches one device.
//
// Action is "on" or "off". Brightness (0..255) only applies to "on".
type ScheduleConfig struct {
	Name       string `json:"name"`
	Device     int    `json:"device"`
	Action     string `json:"action"`
	Spec       string `json:"spec"`
	Brightness *int   `json:"brightness,omitempty"`
	Disabled   bool   `json:"disabled,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig configures the dispatch log.
//
// Driver values: "file" (JSON lines), "sqlite", or "none" / empty to disable.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
