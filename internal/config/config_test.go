package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false}},
  "worker": {"enabled": true, "interval": "15s", "threads": 4, "lock_timeout": "10s"},
  "storage": {"driver": "sqlite", "path": "./data/wake.db", "busy_timeout": "2s"},
  "sites": [{"name": "website"}, {"name": "analytics_operations", "language": "en"}]
}`

const sampleYAML = `
logging:
  level: info
  console: true
  file:
    enabled: false
worker:
  enabled: true
  interval: "cron:*/10 * * * * *"
  threads: 2
storage:
  driver: memory
http:
  enabled: true
  addr: 127.0.0.1:9000
  pprof: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, 4, cfg.WorkerThreads())
	assert.Equal(t, "15s", cfg.WorkerInterval())
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Len(t, cfg.Sites, 2)
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(writeFile(t, "config.yaml", sampleYAML)).Load()
	require.NoError(t, err)
	assert.Equal(t, "cron:*/10 * * * * *", cfg.WorkerInterval())
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr())
	assert.True(t, cfg.HTTP.Pprof)
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"worker": {"enabled": true, "speed": 3}}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{"worker": {}} {"worker": {}}`))
	require.Error(t, err)

	_, err = Decode("c.yml", []byte("worker:\n  nope: 1\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "zero", cfg: Config{}, ok: true},
		{name: "bad level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}},
		{name: "negative threads", cfg: Config{Worker: WorkerConfig{Threads: -1}}},
		{name: "bad lock timeout", cfg: Config{Worker: WorkerConfig{LockTimeout: "soon"}}},
		{name: "sqlite without path", cfg: Config{Storage: StorageConfig{Driver: "sqlite"}}},
		{name: "unknown driver", cfg: Config{Storage: StorageConfig{Driver: "redis"}}},
		{name: "duplicate site", cfg: Config{Sites: []SiteConfig{{Name: "a"}, {Name: "A"}}}},
		{name: "alerts without telegram", cfg: Config{Logging: LoggingConfig{Alerts: LoggingAlerts{Enabled: true}}}},
		{name: "alerts with telegram", cfg: Config{
			Logging:  LoggingConfig{Alerts: LoggingAlerts{Enabled: true}},
			Telegram: TelegramConfig{Token: "t", ChatID: -100},
		}, ok: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSummarizeConfigChangeHidesToken(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Worker: WorkerConfig{Enabled: true, Threads: 2}, Telegram: TelegramConfig{Token: "secret-a"}}
	newCfg := &Config{Worker: WorkerConfig{Enabled: true, Threads: 4}, Telegram: TelegramConfig{Token: "secret-b"}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"telegram", "worker"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)
	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
	d, err = ParseDurationOrDefault("x", "0s", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	path := writeFile(t, "config.json", sampleJSON)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Worker.Threads > 8 {
			return errors.New("too many threads")
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	rejected := `{"worker": {"enabled": true, "threads": 20}}`
	require.NoError(t, os.WriteFile(path, []byte(rejected), 0o644))
	select {
	case cfg := <-ch:
		t.Fatalf("rejected config published: %+v", cfg.Worker)
	case <-time.After(4 * DebounceDelay):
	}

	accepted := `{"worker": {"enabled": true, "threads": 6}}`
	require.NoError(t, os.WriteFile(path, []byte(accepted), 0o644))
	select {
	case cfg := <-ch:
		assert.Equal(t, 6, cfg.Worker.Threads)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("config change not published")
	}

	cancel()
	require.NoError(t, <-done)
}
