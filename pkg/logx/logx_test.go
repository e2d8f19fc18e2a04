package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeSender) SendAlert(_ context.Context, text string) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

func TestValidLevel(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"debug", true},
		{"WARNING", true},
		{" error ", true},
		{"verbose", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			if got := ValidLevel(tt.in); got != tt.want {
				t.Fatalf("ValidLevel(%q)=%v want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatAlert(t *testing.T) {
	line := []byte(`{"level":"error","time":"10:00:00","message":"contact processing failed","contact":"c-1","owner":"w_3"}`)
	got := formatAlert(line)
	want := "[ERROR] contact processing failed\n- contact=c-1\n- owner=w_3"
	if got != want {
		t.Fatalf("formatAlert=%q want %q", got, want)
	}

	if got := formatAlert([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw line=%q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate=%q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate=%q", got)
	}
}

func TestLoggerFieldsAndWith(t *testing.T) {
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf)).With(String("comp", "processor"))
	log.Warn("lease lost", String("contact", "c-9"), Int("attempt", 2), Duration("took", time.Second), Bool("forced", true))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if m["comp"] != "processor" || m["contact"] != "c-9" || m["message"] != "lease lost" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["level"] != "warn" {
		t.Fatalf("level=%v", m["level"])
	}
}

func TestEmptyFieldsAreDropped(t *testing.T) {
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf))
	log.Error("pass failed", Err(nil), Stack("  "), Any("ids", []string{"a", "b"}), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if _, ok := m["stack"]; ok {
		t.Fatalf("blank stack should be dropped: %v", m)
	}
	if m[zerolog.ErrorFieldName] != "boom" {
		t.Fatalf("error field=%v", m[zerolog.ErrorFieldName])
	}
	if ids, ok := m["ids"].([]any); !ok || len(ids) != 2 {
		t.Fatalf("ids=%v", m["ids"])
	}
	if c, _ := m[zerolog.CallerFieldName].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestNopAndZero(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
	Nop().Error("dropped")
}

func TestServiceAlertsRespectMinLevel(t *testing.T) {
	sender := &fakeSender{}
	path := filepath.Join(t.TempDir(), "wake.log")
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Alerts: AlertConfig{
			Enabled:    true,
			MinLevel:   "error",
			RatePerSec: 100,
		},
	}, sender)
	defer svc.Close()

	log.Warn("not forwarded")
	log.Error("store unavailable", String("driver", "sqlite"))

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	msgs := sender.all()
	if len(msgs) != 1 {
		t.Fatalf("alerts=%v", msgs)
	}
	if !strings.HasPrefix(msgs[0], "[ERROR] store unavailable") || !strings.Contains(msgs[0], "driver=sqlite") {
		t.Fatalf("alert=%q", msgs[0])
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "not forwarded") {
		t.Fatalf("file sink missing warn line: %s", b)
	}
}

func TestServiceApplyChangesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wake.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}}, nil)
	defer svc.Close()

	log.Info("hidden")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("visible")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(b), "hidden") || !strings.Contains(string(b), "visible") {
		t.Fatalf("unexpected file contents: %s", b)
	}
}
