package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wakeworker/internal/tracking"
	"wakeworker/pkg/logx"
)

type fakeProvider struct {
	health error
	status Status
}

func (f *fakeProvider) Health() error  { return f.health }
func (f *fakeProvider) Status() Status { return f.status }

func TestHealthz(t *testing.T) {
	src := &fakeProvider{}
	h := New(Config{}, src, logx.Nop()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	src.health = errors.New("scheduler loop failed")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduler loop failed")
}

func TestStatus(t *testing.T) {
	src := &fakeProvider{status: Status{
		WorkerID:  "host-1",
		Enabled:   true,
		Target:    4,
		Active:    2,
		LastBatch: &tracking.PassStats{Site: "analytics_operations", Due: 3, Processed: 3},
		Batches:   7,
	}}
	h := New(Config{}, src, logx.Nop()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "host-1", got.WorkerID)
	assert.Equal(t, 4, got.Target)
	assert.Equal(t, 2, got.Active)
	require.NotNil(t, got.LastBatch)
	assert.Equal(t, uint64(3), got.LastBatch.Processed)
	assert.Equal(t, uint64(7), got.Batches)
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	off := New(Config{}, &fakeProvider{}, logx.Nop()).Handler()
	rec := httptest.NewRecorder()
	off.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	on := New(Config{Pprof: true}, &fakeProvider{}, logx.Nop()).Handler()
	rec = httptest.NewRecorder()
	on.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunServesUntilCancelled(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"}, &fakeProvider{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewPanicsOnNilProvider(t *testing.T) {
	assert.Panics(t, func() { New(Config{}, nil, logx.Nop()) })
}
