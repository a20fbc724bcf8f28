package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-muster/v1/config"
	"github.com/mirkobrombin/go-muster/v1/invite"
	"github.com/mirkobrombin/go-muster/v1/metrics"
	"github.com/mirkobrombin/go-muster/v1/presets"
)

func main() {
	cf := registerFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := cf.load(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "muster: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(cfg.Telemetry.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("muster: interrupted, stopping")
			os.Exit(130)
		}
		logger.Error("muster: run failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	tokens, err := readTokens(cfg.Run.Tokens)
	if err != nil {
		return err
	}

	if cfg.Telemetry.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()
		otel.SetTracerProvider(tp)
	}

	if cfg.Telemetry.MetricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterPipelineMetrics(reg)
		srv := &http.Server{
			Addr:              cfg.Telemetry.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("muster: metrics server failed", "addr", srv.Addr, "error", err)
			}
		}()
		defer srv.Close()
	}

	backend, err := presets.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	opts := []invite.RunnerOption{
		invite.WithCommunity(cfg.Run.Community),
		invite.WithWorkers(cfg.Run.Workers),
		invite.WithLockTTL(cfg.Run.LockTTL.Duration),
		invite.WithLogger(logger),
	}
	if backend.Bus != nil {
		opts = append(opts, invite.WithBus(backend.Bus))
	}
	if cfg.Run.LedgerCache {
		opts = append(opts, invite.WithLedgerCache())
	}
	if cfg.Telemetry.Trace {
		opts = append(opts, invite.WithTracing())
	}
	if cfg.Promoter.Path != "" {
		opts = append(opts, invite.WithPromoter(
			invite.CommandPromoter{Path: cfg.Promoter.Path, Args: cfg.Promoter.Args},
			cfg.Run.AdminToken,
		))
	}
	agent := invite.CommandAgent{Path: cfg.Agent.Path, Args: cfg.Agent.Args}
	runner, err := invite.NewRunner(backend.Store, agent, opts...)
	if err != nil {
		return err
	}

	sum, err := runner.Run(ctx, tokens)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info(fmt.Sprintf("muster: total users joined: %d/%d", sum.Joined, sum.Offered),
		"ledger", sum.LedgerKey, "run", sum.RunID)
	if sum.PromoteErr != nil {
		logger.Warn("muster: users were not promoted", "error", sum.PromoteErr)
	}
	return err
}
