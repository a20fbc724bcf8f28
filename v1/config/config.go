// Package config loads run settings from a TOML file.
package config

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("60s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds every setting of a run.
type Config struct {
	Run       Run       `toml:"run"`
	Store     Store     `toml:"store"`
	Bus       Bus       `toml:"bus"`
	Agent     Command   `toml:"agent"`
	Promoter  Command   `toml:"promoter"`
	Telemetry Telemetry `toml:"telemetry"`
}

type Run struct {
	Tokens      string   `toml:"tokens"`
	AdminToken  string   `toml:"admin_token"`
	Community   string   `toml:"community"`
	Workers     int      `toml:"workers"`
	LockTTL     Duration `toml:"lock_ttl"`
	LedgerCache bool     `toml:"ledger_cache"`
}

type Store struct {
	// Backend is "redis" or "memory".
	Backend string   `toml:"backend"`
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`
	// BreakerThreshold of 0 disables the circuit breaker.
	BreakerThreshold int      `toml:"breaker_threshold"`
	BreakerTimeout   Duration `toml:"breaker_timeout"`
}

type Bus struct {
	// Kind is "none", "memory", "redis" or "nats".
	Kind    string `toml:"kind"`
	NATSURL string `toml:"nats_url"`
}

// Command names an external program.
type Command struct {
	Path string   `toml:"path"`
	Args []string `toml:"args"`
}

type Telemetry struct {
	MetricsAddr string `toml:"metrics_addr"`
	Trace       bool   `toml:"trace"`
	LogLevel    string `toml:"log_level"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Run: Run{
			Workers: 3,
			LockTTL: Duration{60 * time.Second},
		},
		Store: Store{
			Backend:        "redis",
			URL:            "redis://localhost:6379",
			Timeout:        Duration{5 * time.Second},
			BreakerTimeout: Duration{5 * time.Second},
		},
		Bus:       Bus{Kind: "redis"},
		Telemetry: Telemetry{LogLevel: "info"},
	}
}

// Load reads path over Default. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Run.Tokens == "" {
		errs = append(errs, stdErrors.New("run.tokens is required"))
	}
	if c.Run.Community == "" {
		errs = append(errs, stdErrors.New("run.community is required"))
	}
	if c.Run.Workers <= 0 {
		errs = append(errs, fmt.Errorf("run.workers must be positive, got %d", c.Run.Workers))
	}
	if c.Run.LockTTL.Duration <= 0 {
		errs = append(errs, fmt.Errorf("run.lock_ttl must be positive, got %s", c.Run.LockTTL))
	}
	switch c.Store.Backend {
	case "redis":
		if c.Store.URL == "" {
			errs = append(errs, stdErrors.New("store.url is required for the redis backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of redis, memory", c.Store.Backend))
	}
	if c.Store.BreakerThreshold < 0 {
		errs = append(errs, stdErrors.New("store.breaker_threshold must not be negative"))
	}
	switch c.Bus.Kind {
	case "", "none", "memory":
	case "redis":
		if c.Store.Backend != "redis" {
			errs = append(errs, stdErrors.New("bus.kind redis needs the redis store backend"))
		}
	case "nats":
		if c.Bus.NATSURL == "" {
			errs = append(errs, stdErrors.New("bus.nats_url is required for the nats bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.kind %q is not one of none, memory, redis, nats", c.Bus.Kind))
	}
	switch strings.ToLower(c.Telemetry.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("telemetry.log_level %q is unknown", c.Telemetry.LogLevel))
	}
	return stdErrors.Join(errs...)
}
