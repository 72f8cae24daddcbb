// Command speakstream is the streaming text-to-speech daemon.
//
// Usage:
//
//	speakstream -config speakstream.yaml           serve the HTTP API
//	speakstream -say "hello there" [-voice zen]    speak once and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/speakstream/internal/app"
	"github.com/MrWong99/speakstream/internal/config"
	"github.com/MrWong99/speakstream/internal/observe"
)

// version is set at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "speakstream.yaml", "path to the YAML configuration file")
	say := flag.String("say", "", "speak this text on the local output device and exit")
	voice := flag.String("voice", "", "personality used with -say (default: the configured default)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "speakstream: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "speakstream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		StdoutTraces:   cfg.Telemetry.StdoutTraces,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	registerBuiltinDevices(reg)

	if *say != "" {
		return speakOnce(ctx, cfg, reg, *say, *voice)
	}

	slog.Info("speakstream starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"tts", cfg.TTS.Name,
		"device", cfg.Playback.Device,
	)

	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if application != nil {
			application.ApplyConfig(old, new)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}

	opts := []app.Option{app.WithLevelVar(level), app.WithWatcher(watcher)}
	if cfg.Telemetry.PrometheusEnabled() {
		opts = append(opts, app.WithMetricsHandler(observe.MetricsHandler()))
	}
	application, err = app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// speakOnce plays text and reports failure through the exit code.
func speakOnce(ctx context.Context, cfg *config.Config, reg *config.Registry, text, personality string) int {
	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Shutdown(sctx)
	}()

	if err := application.Speak(ctx, text, personality); err != nil {
		fmt.Fprintf(os.Stderr, "speakstream: %v\n", err)
		return 1
	}
	return 0
}
