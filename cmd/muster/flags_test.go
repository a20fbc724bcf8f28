package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fileConfig = `
[run]
tokens = "file-tokens.txt"
community = "from-file"
workers = 7
lock_ttl = "30s"

[store]
backend = "redis"
url = "redis://file:6379"

[agent]
path = "/opt/join"
args = ["--headless"]
`

func TestFlagsLoad(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "muster.toml")
	if err := os.WriteFile(cfgPath, []byte(fileConfig), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	tests := []struct {
		name    string
		args    []string
		wantErr string
		check   func(t *testing.T, got cfgView)
	}{
		{
			name: "file values without flags",
			args: []string{"-config", cfgPath},
			check: func(t *testing.T, got cfgView) {
				want := cfgView{"file-tokens.txt", "from-file", 7, 30 * time.Second, "redis", "redis://file:6379", "redis", "/opt/join"}
				if got != want {
					t.Fatalf("expected %+v, got %+v", want, got)
				}
			},
		},
		{
			name: "flags override file",
			args: []string{"-config", cfgPath, "-workers", "2", "-community", "cli", "-lock-ttl", "5s", "-agent-cmd", "/bin/agent -v"},
			check: func(t *testing.T, got cfgView) {
				want := cfgView{"file-tokens.txt", "cli", 2, 5 * time.Second, "redis", "redis://file:6379", "redis", "/bin/agent"}
				if got != want {
					t.Fatalf("expected %+v, got %+v", want, got)
				}
			},
		},
		{
			name: "defaults keep unset flags out",
			args: []string{"-tokens", "t.txt", "-community", "c", "-agent-cmd", "join"},
			check: func(t *testing.T, got cfgView) {
				if got.workers != 3 || got.lockTTL != 60*time.Second || got.storeURL != "redis://localhost:6379" {
					t.Fatalf("unexpected defaults %+v", got)
				}
			},
		},
		{
			name: "memory store downgrades redis bus",
			args: []string{"-tokens", "t.txt", "-community", "c", "-agent-cmd", "join", "-store", "memory"},
			check: func(t *testing.T, got cfgView) {
				if got.backend != "memory" || got.busKind != "memory" {
					t.Fatalf("expected memory store and bus, got %+v", got)
				}
			},
		},
		{
			name: "nats flag selects nats bus",
			args: []string{"-tokens", "t.txt", "-community", "c", "-agent-cmd", "join", "-nats", "nats://127.0.0.1:4222"},
			check: func(t *testing.T, got cfgView) {
				if got.busKind != "nats" {
					t.Fatalf("expected nats bus, got %+v", got)
				}
			},
		},
		{
			name:    "agent command required",
			args:    []string{"-tokens", "t.txt", "-community", "c"},
			wantErr: "agent command is required",
		},
		{
			name:    "validation errors surface",
			args:    []string{"-config", cfgPath, "-workers", "0"},
			wantErr: "run.workers",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := flag.NewFlagSet("muster", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			cf := registerFlags(fs)
			if err := fs.Parse(tc.args); err != nil {
				t.Fatalf("parse: %v", err)
			}
			cfg, err := cf.load(fs)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.check(t, cfgView{
				tokens:    cfg.Run.Tokens,
				community: cfg.Run.Community,
				workers:   cfg.Run.Workers,
				lockTTL:   cfg.Run.LockTTL.Duration,
				backend:   cfg.Store.Backend,
				storeURL:  cfg.Store.URL,
				busKind:   cfg.Bus.Kind,
				agent:     cfg.Agent.Path,
			})
		})
	}
}

type cfgView struct {
	tokens    string
	community string
	workers   int
	lockTTL   time.Duration
	backend   string
	storeURL  string
	busKind   string
	agent     string
}
