// Command voxline is the main entry point for the Voxline phone-assistant
// server.
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

	"github.com/joho/godotenv"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	profilePath := flag.String("profile", "", "path to the optional assistant profile YAML")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// A .env file is a development convenience; the process environment wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxline: load .env: %v\n", err)
		return 1
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxline starting",
		"listen_addr", cfg.ListenAddr(),
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxline",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Assistant profile (optional, hot-reloaded) ────────────────────────────
	var appOpts []app.Option
	if *profilePath != "" {
		watcher, err := config.NewWatcher(*profilePath, nil)
		if err != nil {
			slog.Error("failed to load assistant profile", "path", *profilePath, "err", err)
			return 1
		}
		defer watcher.Stop()
		appOpts = append(appOpts, app.WithProfileSource(watcher.Current))
		slog.Info("assistant profile loaded", "path", *profilePath)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, *profilePath)

	application, err := app.New(ctx, cfg, appOpts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, profilePath string) {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║          Voxline — startup summary     ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Realtime model", cfg.RealtimeModel)
	printRow("Voice", cfg.Voice)
	printRow("Recap model", valueOr(cfg.RecapModel, "(disabled)"))
	printRow("Public URL", cfg.PublicURL)
	printRow("Listen addr", cfg.ListenAddr())
	if cfg.SignatureVerificationEnabled() {
		printRow("Webhook auth", "enabled")
	} else {
		printRow("Webhook auth", "DISABLED")
	}
	printRow("Profile", valueOr(profilePath, "(none)"))
	printRow("Max call", cfg.MaxCallDuration.String())
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level.Level(),
	}))
}
