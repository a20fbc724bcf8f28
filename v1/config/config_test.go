package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "muster.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[run]
tokens = "tokens.txt"
community = "gophers"
workers = 8
lock_ttl = "2s"

[store]
backend = "memory"

[bus]
kind = "nats"
nats_url = "nats://127.0.0.1:4222"

[agent]
path = "/usr/local/bin/join"
args = ["--headless"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Run.Workers != 8 || cfg.Run.LockTTL.Duration != 2*time.Second {
		t.Fatalf("unexpected run section %+v", cfg.Run)
	}
	if cfg.Store.Backend != "memory" || cfg.Store.Timeout.Duration != 5*time.Second {
		t.Fatalf("unexpected store section %+v", cfg.Store)
	}
	if cfg.Agent.Path != "/usr/local/bin/join" || len(cfg.Agent.Args) != 1 {
		t.Fatalf("unexpected agent section %+v", cfg.Agent)
	}
	if cfg.Telemetry.LogLevel != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Telemetry.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[run]\nworkerz = 3\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "run.workerz") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "[run]\nlock_ttl = \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration error")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Run.Workers = 0
	cfg.Store.Backend = "etcd"
	cfg.Bus.Kind = "kafka"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"run.tokens", "run.community", "run.workers", "store.backend", "bus.kind"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestDurationText(t *testing.T) {
	d := Duration{90 * time.Second}
	b, err := d.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Duration
	if err := back.UnmarshalText(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != d {
		t.Fatalf("expected %s, got %s", d, back)
	}
}
