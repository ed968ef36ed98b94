// Command voicemode is the voice-conversation server. It speaks over the
// configured audio transport, listens for a reply, transcribes it, and
// exposes the whole surface as JSON-RPC tools on standard input/output.
//
// All diagnostics go to stderr; stdout belongs to the RPC stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/x85446/voicemode/internal/app"
	"github.com/x85446/voicemode/internal/config"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

const (
	exitOK        = 0
	exitFatal     = 1
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Fprintln(os.Stderr, "voicemode", version)
		return exitOK
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicemode: %v\n", err)
		return exitFatal
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("voicemode starting",
		"version", version,
		"home", cfg.Home,
		"audio_format", cfg.AudioFormat,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var interrupted atomic.Bool
	intc := make(chan os.Signal, 1)
	signal.Notify(intc, os.Interrupt)
	go func() {
		for range intc {
			interrupted.Store(true)
		}
	}()

	application, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("initialisation failed", "err", err)
		return exitFatal
	}

	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}

	if interrupted.Load() {
		logger.Info("interrupted")
		return exitInterrupt
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("server error", "err", runErr)
		return exitFatal
	}
	logger.Info("goodbye")
	return exitOK
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
