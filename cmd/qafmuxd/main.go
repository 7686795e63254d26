// Command qafmuxd runs the multi-stream audio routing session as a daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/qafmux/internal/app"
	"github.com/MrWong99/qafmux/internal/config"
	"github.com/MrWong99/qafmux/internal/observe"
	"github.com/MrWong99/qafmux/pkg/audio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "qafmuxd.yaml", "path to the YAML configuration file")
	watchEvery := flag.Duration("watch-interval", 5*time.Second, "config file poll interval; 0 disables reloading")
	playPath := flag.String("play", "", "raw PCM or bitstream file to stream as the main stream")
	playCodec := flag.String("play-codec", "pcm", "codec of the -play file (pcm, ac3, eac3, dts, aac)")
	playRate := flag.Int("play-rate", 48000, "sample rate of the -play file")
	playChannels := flag.Int("play-channels", 2, "channel count of the -play file")
	traceSample := flag.Float64("trace-sample", 1, "fraction of new traces to sample")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "qafmuxd: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "qafmuxd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("qafmuxd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    *traceSample,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLevelVar(level)}
	if *watchEvery > 0 {
		opts = append(opts, app.WithConfigWatch(*configPath, *watchEvery))
	}
	if *playPath != "" {
		codec, err := audio.ParseCodec(*playCodec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qafmuxd: -play-codec: %v\n", err)
			return 2
		}
		opts = append(opts, app.WithPlayback(app.Playback{
			Path: *playPath,
			Spec: audio.Spec{Codec: codec, SampleRate: *playRate, Channels: *playChannels},
		}))
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("daemon ready, press Ctrl+C to shut down", "session_id", application.Session().ID())

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        qafmuxd · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Engine", cfg.Engine.Name)
	printRow("Device", cfg.Device.Name)
	connected := "speaker"
	if len(cfg.Sinks.Connected) > 0 {
		connected = strings.Join(cfg.Sinks.Connected, "+")
	}
	printRow("Sinks", connected)
	if cfg.Sinks.HDMIChannels > 0 {
		printRow("HDMI channels", fmt.Sprint(cfg.Sinks.HDMIChannels))
	}
	if cfg.Sinks.Passthrough {
		printRow("Passthrough", strings.Join(cfg.Sinks.HDMIFormats, ","))
	} else {
		printRow("Passthrough", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Admin addr", cfg.Server.ListenAddr)
	} else {
		printRow("Admin addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}
