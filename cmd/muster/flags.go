package main

import (
	"errors"
	"flag"
	"strings"
	"time"

	"github.com/mirkobrombin/go-muster/v1/config"
)

type cliFlags struct {
	configPath  *string
	tokensPath  *string
	adminToken  *string
	community   *string
	workers     *int
	redisURL    *string
	storeKind   *string
	natsURL     *string
	agentCmd    *string
	promoteCmd  *string
	metricsAddr *string
	traceOut    *bool
	lockTTL     *time.Duration
	logLevel    *string
}

func registerFlags(fs *flag.FlagSet) *cliFlags {
	return &cliFlags{
		configPath:  fs.String("config", "", "TOML config file; flags override its values"),
		tokensPath:  fs.String("tokens", "", "File with one account token per line"),
		adminToken:  fs.String("admin-token", "", "Token handed to the promote command"),
		community:   fs.String("community", "", "Community every account joins"),
		workers:     fs.Int("workers", 3, "Number of concurrent workers"),
		redisURL:    fs.String("redis", "redis://localhost:6379", "Redis URL"),
		storeKind:   fs.String("store", "redis", "Store backend: redis or memory"),
		natsURL:     fs.String("nats", "", "NATS URL for unlock events (defaults to Redis pub/sub)"),
		agentCmd:    fs.String("agent-cmd", "", "Command run per token; prints the username"),
		promoteCmd:  fs.String("promote-cmd", "", "Command run once with every joined username"),
		metricsAddr: fs.String("metrics-addr", "", "Serve Prometheus metrics on this address"),
		traceOut:    fs.Bool("trace", false, "Print task spans to stdout"),
		lockTTL:     fs.Duration("lock-ttl", 60*time.Second, "TTL of per-user locks"),
		logLevel:    fs.String("log-level", "info", "debug, info, warn or error"),
	}
}

// load layers the flags explicitly set on fs over the config file, or over
// the defaults when no file is given.
func (f *cliFlags) load(fs *flag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if *f.configPath != "" {
		var err error
		if cfg, err = config.Load(*f.configPath); err != nil {
			return cfg, err
		}
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "tokens":
			cfg.Run.Tokens = *f.tokensPath
		case "admin-token":
			cfg.Run.AdminToken = *f.adminToken
		case "community":
			cfg.Run.Community = *f.community
		case "workers":
			cfg.Run.Workers = *f.workers
		case "lock-ttl":
			cfg.Run.LockTTL = config.Duration{Duration: *f.lockTTL}
		case "redis":
			cfg.Store.URL = *f.redisURL
		case "store":
			cfg.Store.Backend = *f.storeKind
		case "nats":
			cfg.Bus.Kind = "nats"
			cfg.Bus.NATSURL = *f.natsURL
		case "agent-cmd":
			cfg.Agent = splitCommand(*f.agentCmd)
		case "promote-cmd":
			cfg.Promoter = splitCommand(*f.promoteCmd)
		case "metrics-addr":
			cfg.Telemetry.MetricsAddr = *f.metricsAddr
		case "trace":
			cfg.Telemetry.Trace = *f.traceOut
		case "log-level":
			cfg.Telemetry.LogLevel = *f.logLevel
		}
	})
	// the redis bus rides on the redis store connection
	if cfg.Store.Backend == "memory" && cfg.Bus.Kind == "redis" {
		cfg.Bus.Kind = "memory"
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.Agent.Path == "" {
		return cfg, errors.New("an agent command is required (-agent-cmd or [agent] path)")
	}
	return cfg, nil
}

func splitCommand(s string) config.Command {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return config.Command{}
	}
	return config.Command{Path: fields[0], Args: fields[1:]}
}
