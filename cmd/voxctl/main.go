// Command voxctl is the voice interaction controller server. Browsers connect
// over WebSocket at /v1/voice and each connection drives its own controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/natefinch/lumberjack"
	"github.com/spf13/pflag"

	"github.com/MrWong99/voxctl/internal/app"
	"github.com/MrWong99/voxctl/internal/config"
	"github.com/MrWong99/voxctl/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	var (
		configPath   string
		envFile      string
		watch        time.Duration
		printVersion bool
	)
	flagSet := pflag.NewFlagSet("voxctl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	flagSet.StringVar(&envFile, "env-file", ".env", "optional .env file with VOXCTL_* overrides")
	flagSet.DurationVar(&watch, "watch-interval", 5*time.Second, "how often the config file is checked for changes (0 disables hot reload)")
	flagSet.BoolVar(&printVersion, "version", false, "print the version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "voxctl: %v\n", err)
		return 2
	}
	if printVersion {
		fmt.Println("voxctl", version)
		return 0
	}

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxctl: loading %s: %v\n", envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxctl: config file %q not found, copy configs/example.yaml to get started\n", configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxctl: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger, closeLog := newLogger(cfg.Server, level)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("voxctl starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxctl",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLogLevel(level),
		app.WithMetricsHandler(tel.MetricsHandler()),
	}
	if watch > 0 {
		opts = append(opts, app.WithConfigFile(configPath, watch))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// newLogger builds the process logger. Output goes to stderr, or to a
// size-rotated file when log_file is set. The returned func closes the file.
func newLogger(sc config.ServerConfig, level *slog.LevelVar) (*slog.Logger, func()) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if sc.LogFile != "" {
		rot := &lumberjack.Logger{
			Filename:   sc.LogFile,
			MaxSize:    sc.LogMaxSizeMB,
			MaxBackups: sc.LogMaxBackups,
			Compress:   true,
		}
		out = rot
		closeFn = func() { _ = rot.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	if sc.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(out, opts)), closeFn
	}
	return slog.New(slog.NewTextHandler(out, opts)), closeFn
}
