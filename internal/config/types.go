package config

import (
	"errors"
	"fmt"
	"strings"

	logx "wakeworker/pkg/logx"
)

// Config is the on-disk daemon configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Worker   WorkerConfig   `json:"worker"`
	Storage  StorageConfig  `json:"storage"`
	Sites    []SiteConfig   `json:"sites,omitempty"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Systemd  SystemdConfig  `json:"systemd,omitempty"`
}

// WorkerConfig controls the wakeup scheduler and batch passes.
//
// Defaults (when fields are omitted/zero):
//   - interval: "30s" (any scheduler form: "30s", "00:05", "cron:*/10 * * * * *")
//   - threads: 1
//   - lock_timeout: "10s"
//   - operational_site: "analytics_operations"
//   - history_size: 200
//   - id: hostname-uuid, generated once per process
type WorkerConfig struct {
	Enabled         bool   `json:"enabled"`
	ID              string `json:"id,omitempty"`
	Interval        string `json:"interval,omitempty"`
	Threads         int    `json:"threads,omitempty"`
	LockTimeout     string `json:"lock_timeout,omitempty"`
	OperationalSite string `json:"operational_site,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// StorageConfig selects the contact store. Changes require a restart.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/wakeworker.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SiteConfig struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname,omitempty"`
	Language string `json:"language,omitempty"`
}

// HTTPConfig controls the read-only ops endpoint.
//
// Prefer binding to localhost; the endpoint has no authentication.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Pprof   bool   `json:"pprof,omitempty"`
}

// TelegramConfig is the ops chat receiving alert lines.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify,omitempty"`
	Watchdog bool `json:"watchdog,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingAlerts forwards warn+ lines to the Telegram ops chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

const (
	DefaultInterval = "30s"
	DefaultHTTPAddr = "127.0.0.1:8089"
)

// Validate checks values that can be verified without touching the environment.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if !logx.ValidLevel(c.Logging.Alerts.MinLevel) {
		errs = append(errs, fmt.Errorf("logging.alerts.min_level: unknown level %q", c.Logging.Alerts.MinLevel))
	}
	if c.Logging.Alerts.Enabled && (strings.TrimSpace(c.Telegram.Token) == "" || c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("logging.alerts: telegram.token and telegram.chat_id are required"))
	}
	if c.Worker.Threads < 0 {
		errs = append(errs, errors.New("worker.threads must be >= 0"))
	}
	if c.Worker.HistorySize < 0 {
		errs = append(errs, errors.New("worker.history_size must be >= 0"))
	}
	if _, err := ParseDurationField("worker.lock_timeout", c.Worker.LockTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	seen := map[string]bool{}
	for i, s := range c.Sites {
		k := strings.ToLower(strings.TrimSpace(s.Name))
		if k == "" {
			errs = append(errs, fmt.Errorf("sites[%d].name is required", i))
			continue
		}
		if seen[k] {
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate site %q", i, s.Name))
		}
		seen[k] = true
	}
	return errors.Join(errs...)
}

// WorkerInterval returns the configured schedule or the default.
func (c *Config) WorkerInterval() string {
	if s := strings.TrimSpace(c.Worker.Interval); s != "" {
		return s
	}
	return DefaultInterval
}

// WorkerThreads is the target concurrency: at least one batch task.
func (c *Config) WorkerThreads() int {
	if c.Worker.Threads <= 0 {
		return 1
	}
	return c.Worker.Threads
}

func (c *Config) HTTPAddr() string {
	if a := strings.TrimSpace(c.HTTP.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}
