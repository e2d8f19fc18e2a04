package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wakeworker/internal/config"
	"wakeworker/internal/contact"
	"wakeworker/internal/processor"
	"wakeworker/internal/site"
	"wakeworker/internal/storage"
	"wakeworker/internal/task/pool"
	"wakeworker/internal/task/scheduler"
	"wakeworker/internal/transport/telegram"
	"wakeworker/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

// newAlertSender returns nil when alerts are off so logx keeps the sink disabled.
func newAlertSender(cfg *config.Config) (logx.AlertSender, error) {
	if !cfg.Logging.Alerts.Enabled {
		return nil, nil
	}
	s, err := telegram.New(telegram.Config{
		Token:    cfg.Telegram.Token,
		ChatID:   cfg.Telegram.ChatID,
		ThreadID: cfg.Telegram.ThreadID,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram alerts: %w", err)
	}
	return s, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStore opens the contact store described by cfg.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}

func mapSites(cfg *config.Config) []contact.Site {
	if len(cfg.Sites) == 0 {
		return []contact.Site{{Name: site.DefaultOperational}}
	}
	out := make([]contact.Site, 0, len(cfg.Sites))
	for _, s := range cfg.Sites {
		out = append(out, contact.Site{
			Name:     strings.TrimSpace(s.Name),
			Hostname: strings.TrimSpace(s.Hostname),
			Language: strings.TrimSpace(s.Language),
		})
	}
	return out
}

func mapPoolConfig(cfg *config.Config) pool.Config {
	return pool.Config{Limit: cfg.WorkerThreads(), HistorySize: cfg.Worker.HistorySize}
}

func mapProcessorConfig(cfg *config.Config, workerID string) (processor.Config, error) {
	lt, err := config.ParseDurationOrDefault("worker.lock_timeout", cfg.Worker.LockTimeout, processor.DefaultLockTimeout)
	if err != nil {
		return processor.Config{}, err
	}
	return processor.Config{
		Enabled:         cfg.Worker.Enabled,
		WorkerID:        workerID,
		LockTimeout:     lt,
		OperationalSite: cfg.Worker.OperationalSite,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Worker.Enabled,
		Schedule: cfg.WorkerInterval(),
		Target:   cfg.WorkerThreads(),
		Timezone: strings.TrimSpace(cfg.Worker.Timezone),
	}
}

// validate rejects configs that decode but would not start, so a bad hot
// reload keeps the previous config.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := scheduler.ParseSchedule(cfg.WorkerInterval()); err != nil {
		return fmt.Errorf("worker.interval: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Worker.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("worker.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProcessorConfig(cfg, "validate"); err != nil {
		return err
	}
	return nil
}
