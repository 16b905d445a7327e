// Command parley is a voice client for a conversational assistant backend:
// it listens for a wake word, records what the user says and plays the
// assistant's spoken reply.
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

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/ffplay"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and exit phrases when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.NewProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Devices ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDevices(reg)

	devices, err := buildDevices(cfg, reg)
	if err != nil {
		slog.Error("failed to build audio devices", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLevelVar(level),
		app.WithMetricsHandler(telemetry.Handler()),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, devices, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
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

// ── Device wiring ─────────────────────────────────────────────────────────────

// registerBuiltinDevices wires the capture devices and players that ship
// with parley into reg.
func registerBuiltinDevices(reg *config.Registry) {
	reg.RegisterCapture("portaudio", func(entry config.DeviceEntry) (audio.CaptureDevice, error) {
		return portaudio.New(entry.Device), nil
	})

	reg.RegisterPlayer("ffplay", func(entry config.DeviceEntry) (audio.Player, error) {
		opts := []ffplay.Option{ffplay.WithPath(optString(entry.Options, "path"))}
		if args, ok := optStrings(entry.Options, "args"); ok {
			opts = append(opts, ffplay.WithArgs(args...))
		}
		return ffplay.New(opts...), nil
	})

	// null discards audio; useful on headless machines that only use the
	// chat display.
	reg.RegisterPlayer("null", func(config.DeviceEntry) (audio.Player, error) {
		return audio.PlayerFunc(func(ctx context.Context, _ []byte) error { return ctx.Err() }), nil
	})
}

// buildDevices instantiates the configured capture device and player.
func buildDevices(cfg *config.Config, reg *config.Registry) (app.Devices, error) {
	capture, err := reg.CreateCapture(cfg.Audio.Capture)
	if err != nil {
		return app.Devices{}, err
	}
	player, err := reg.CreatePlayer(cfg.Audio.Playback)
	if err != nil {
		return app.Devices{}, err
	}
	return app.Devices{Capture: capture, Player: player}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          parley: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Assistant", cfg.Assistant.BaseURL)
	printRow("Fallbacks", fmt.Sprint(len(cfg.Assistant.FallbackURLs)))
	printRow("Language", cfg.Assistant.Language)
	printRow("Capture", deviceLabel(cfg.Audio.Capture))
	printRow("Playback", deviceLabel(cfg.Audio.Playback))
	printRow("Wake word", enabled(cfg.WakeWord.Enabled))
	printRow("Barge-in", enabled(cfg.Conversation.BargeIn))
	printRow("Exit phrases", fmt.Sprint(len(cfg.Conversation.ExitPhrases)))
	if cfg.Identity.PostgresDSN != "" {
		printRow("Identity", "postgres/"+cfg.Identity.Profile)
	} else {
		printRow("Identity", "memory")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

func deviceLabel(e config.DeviceEntry) string {
	if e.Device == "" {
		return e.Name
	}
	return e.Name + " / " + e.Device
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "(disabled)"
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a device Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStrings extracts a list of strings from a device Options map.
func optStrings(opts map[string]any, key string) ([]string, bool) {
	raw, ok := opts[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
