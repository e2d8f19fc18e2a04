package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSQLiteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{
  "logging": {"level": "error", "console": false, "file": {"enabled": false}},
  "worker": {"enabled": false, "id": "cli", "interval": "30s", "threads": 1},
  "storage": {"driver": "sqlite", "path": %q}
}`, filepath.Join(dir, "wake.db"))
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Structure(t *testing.T) {
	root := NewRootCmd()
	if root.Use != "wakeworker" {
		t.Errorf("expected 'wakeworker', got '%s'", root.Use)
	}
	want := map[string]bool{"run": false, "once": false, "due": false, "schedule": false, "define": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s command not registered", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("missing persistent --config flag")
	}
}

func TestDefineScheduleDueOnce(t *testing.T) {
	cfg := writeSQLiteConfig(t)

	steps := [][]string{
		{"define", "--config", cfg, "--plan", "onboarding", "--state", "welcome", "--next", "followup", "--delay", "1h"},
		{"define", "--config", cfg, "--plan", "onboarding", "--state", "followup", "--terminal"},
		{"schedule", "--config", cfg, "--contact", "c-1", "--plan", "onboarding", "--state", "welcome", "--in=-1m"},
		{"schedule", "--config", cfg, "--contact", "c-2", "--plan", "onboarding", "--state", "welcome", "--in", "1h"},
	}
	for _, args := range steps {
		if out, err := run(t, args...); err != nil {
			t.Fatalf("%v: %v (%s)", args, err, out)
		}
	}

	out, err := run(t, "due", "--config", cfg)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if strings.TrimSpace(out) != "c-1" {
		t.Fatalf("due output = %q, want only c-1", out)
	}

	out, err = run(t, "once", "--config", cfg)
	if err != nil {
		t.Fatalf("once: %v", err)
	}
	for _, want := range []string{"owner=cli_1", "due=1", "processed=1", "states_fired=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("once output %q missing %q", out, want)
		}
	}

	out, err = run(t, "due", "--config", cfg)
	if err != nil {
		t.Fatalf("due after once: %v", err)
	}
	if strings.TrimSpace(out) != "" {
		t.Fatalf("nothing should be due after the pass, got %q", out)
	}
}

func TestScheduleRequiresContactAndState(t *testing.T) {
	cfg := writeSQLiteConfig(t)
	if _, err := run(t, "schedule", "--config", cfg, "--state", "welcome"); err == nil {
		t.Fatal("expected error without --contact")
	}
}

func TestDefineRejectsTerminalWithNext(t *testing.T) {
	cfg := writeSQLiteConfig(t)
	if _, err := run(t, "define", "--config", cfg, "--state", "a", "--next", "b", "--terminal"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMissingConfig(t *testing.T) {
	if _, err := run(t, "due", "--config", filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing config")
	}
}
