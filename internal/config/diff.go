package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wakeworker/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe fields for
// logging. Secrets (the Telegram token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Bool("worker.enabled", newCfg.Worker.Enabled),
			logx.String("worker.interval", newCfg.WorkerInterval()),
			logx.Int("worker.threads", newCfg.WorkerThreads()),
			logx.String("worker.lock_timeout", strings.TrimSpace(newCfg.Worker.LockTimeout)),
			logx.String("worker.operational_site", strings.TrimSpace(newCfg.Worker.OperationalSite)),
		)
		if oldCfg.Worker.ID != newCfg.Worker.ID {
			attrs = append(attrs, logx.Bool("worker.id_changed_restart_required", true))
		}
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}
	if !reflect.DeepEqual(oldCfg.Sites, newCfg.Sites) {
		changed = append(changed, "sites")
		attrs = append(attrs, logx.Int("sites.count", len(newCfg.Sites)))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTPAddr()),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	sort.Strings(changed)
	return changed, attrs
}
