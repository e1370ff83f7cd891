// Command storyloom runs the interactive-fiction engine: a line-oriented
// player console on stdin plus health and metrics endpoints over HTTP.
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

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/storyloom/internal/app"
	"github.com/MrWong99/storyloom/internal/config"
	"github.com/MrWong99/storyloom/internal/observe"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	headless := flag.Bool("headless", false, "serve health and metrics only; no player console")
	resume := flag.Bool("resume", false, "load the saved session before starting")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher performs the initial load; polling starts with Run below.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if application != nil {
			application.ApplyConfig(old, new)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "storyloom: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "storyloom: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("storyloom starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "storyloom",
		ServiceVersion: version,
		SessionKey:     cfg.Snapshot.SessionKey,
		Backends: map[string]string{
			"director": cfg.Providers.Director.Name,
			"image":    cfg.Providers.Image.Name,
			"speech":   cfg.Providers.Speech.Name,
			"video":    cfg.Providers.Video.Name,
		},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, providers, app.WithLogLevel(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *resume {
		if err := application.Session().Load(ctx); err != nil {
			slog.Warn("could not resume saved session; starting fresh", "err", err)
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	if !*headless {
		g.Go(func() error {
			defer cancel()
			r := newREPL(application.Session(), application.Player(), os.Stdout)
			return r.Run(gctx, os.Stdin)
		})
	}

	slog.Info("engine ready; press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	slog.Info("stopping")
	watcher.Stop()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Storyloom: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Director", cfg.Providers.Director, len(cfg.Providers.Fallbacks.Director))
	printProvider("Image", cfg.Providers.Image, len(cfg.Providers.Fallbacks.Image))
	printProvider("Speech", cfg.Providers.Speech, len(cfg.Providers.Fallbacks.Speech))
	printProvider("Video", cfg.Providers.Video, len(cfg.Providers.Fallbacks.Video))
	fmt.Printf("║  Snapshots       : %-19s ║\n", cfg.Snapshot.Backend)
	artifacts := cfg.Artifacts.Backend
	if artifacts == "" {
		artifacts = "(disabled)"
	}
	fmt.Printf("║  Artifacts       : %-19s ║\n", artifacts)
	fmt.Printf("║  Audio device    : %-19s ║\n", cfg.Playback.Device)
	fmt.Printf("║  Max concurrency : %-19d ║\n", cfg.Queue.MaxConcurrency)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, e config.ProviderEntry, fallbacks int) {
	value := e.Name
	switch {
	case value == "":
		value = "(not configured)"
	case e.Model != "":
		value = e.Name + " / " + e.Model
	}
	if fallbacks > 0 {
		value = fmt.Sprintf("%s +%d", value, fallbacks)
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
