package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wakeworker/internal/automation"
	"wakeworker/internal/config"
	"wakeworker/internal/contact"
	"wakeworker/internal/processor"
	"wakeworker/internal/storage"
	"wakeworker/internal/tracking"
)

func writeConfig(t *testing.T, path string, enabled bool, interval string, threads int) {
	t.Helper()
	body := fmt.Sprintf(`{
  "logging": {"level": "error", "console": false, "file": {"enabled": false}},
  "worker": {"enabled": %t, "id": "test-worker", "interval": %q, "threads": %d, "lock_timeout": "2s"},
  "storage": {"driver": "memory"}
}`, enabled, interval, threads)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func seededStore(t *testing.T) storage.Store {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory(storage.Config{})
	require.NoError(t, st.PutDefinition(ctx, automation.Definition{StateID: "welcome", PlanID: "onboarding", NextStateID: "followup", Delay: time.Hour}))
	require.NoError(t, st.PutDefinition(ctx, automation.Definition{StateID: "followup", PlanID: "onboarding", Terminal: true}))
	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.PutContact(ctx, &contact.Contact{
		ID:     "c1",
		Active: true,
		States: []*contact.AutomationState{{PlanID: "onboarding", StateID: "welcome", EnteredAt: past, WakeUpAt: past}},
	}))
	return st
}

func TestNewAppRejectsInvalidInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, true, "every now and then", 1)

	_, err := NewApp(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.interval")
}

func TestRunOnceAdvancesDueContact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, false, "30s", 1)
	st := seededStore(t)

	a, err := NewApp(path, WithStore(st), WithWorkerEnabled(true))
	require.NoError(t, err)
	defer func() { _ = a.Stop(context.Background(), StopOnceDone) }()

	stats, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Due)
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, uint64(1), stats.StatesFired)
	assert.Equal(t, "test-worker_1", stats.Owner)

	c, err := st.GetContact(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, c.States, 1)
	assert.Equal(t, "followup", c.States[0].StateID)

	_, leased, err := st.Lease(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, leased)
}

func TestRunOnceSkippedWhenDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, false, "30s", 1)

	a, err := NewApp(path, WithStore(seededStore(t)))
	require.NoError(t, err)
	defer func() { _ = a.Stop(context.Background(), StopOnceDone) }()

	_, err = a.RunOnce(context.Background())
	assert.ErrorIs(t, err, processor.ErrPassSkipped)
}

func TestStartRunsBatchesAndStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, true, "1s", 2)
	st := seededStore(t)

	a, err := NewApp(path, WithStore(st))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool { return a.Status().Batches > 0 }, 5*time.Second, 50*time.Millisecond)

	status := a.Status()
	assert.Equal(t, "test-worker", status.WorkerID)
	assert.True(t, status.Enabled)
	assert.Equal(t, 2, status.Target)
	assert.True(t, status.Scheduler.Running)
	assert.NoError(t, a.Health())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	assert.Zero(t, a.pool.Active())
	assert.False(t, a.sched.Running())
}

func TestHotReloadAppliesWorkerSettings(t *testing.T) {
	prev := config.DebounceDelay
	config.DebounceDelay = 20 * time.Millisecond
	defer func() { config.DebounceDelay = prev }()

	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, false, "1s", 1)

	a, err := NewApp(path, WithStore(storage.NewMemory(storage.Config{})))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()
	assert.False(t, a.sched.Running())
	time.Sleep(100 * time.Millisecond)

	writeConfig(t, path, true, "1s", 3)

	require.Eventually(t, func() bool {
		return a.pool.Limit() == 3 && a.sched.Running()
	}, 5*time.Second, 25*time.Millisecond)
	assert.Equal(t, 3, a.Status().Target)
}

func TestHealthBeforeStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, false, "30s", 1)

	a, err := NewApp(path, WithStore(storage.NewMemory(storage.Config{})))
	require.NoError(t, err)
	defer func() { _ = a.Stop(context.Background(), StopOnceDone) }()
	assert.Error(t, a.Health())
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed before Start")
	}
}

func TestBatchStatusLine(t *testing.T) {
	st := tracking.PassStats{
		Due: 4, Processed: 3, Contended: 1, StatesFired: 5,
		StartedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Microsecond,
	}
	assert.Equal(t, "last pass 2025-06-01T09:00:00Z: due=4 processed=3 contended=1 failed=0 fired=5 took=2ms", batchStatus(st))
}
