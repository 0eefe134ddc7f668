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

	"github.com/loqalabs/loqa-vosk/internal/audio"
	"github.com/loqalabs/loqa-vosk/internal/config"
	"github.com/loqalabs/loqa-vosk/internal/runtime"
	"github.com/loqalabs/loqa-vosk/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		once        bool
		audioFile   string
	)

	flag.StringVar(&configPath, "config", "loqa-vosk.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&once, "once", false, "Recognize a single utterance, print it and exit")
	flag.StringVar(&audioFile, "audio-file", "", "WAV file to recognize instead of the microphone (with -once)")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (vosk backend: %t)\n", version, stt.VoskAvailable())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// one-shot mode keeps stdout for the transcript
	out := os.Stdout
	if once {
		out = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		text, ok, err := runtime.RunOnce(ctx, cfg, audioFile, logger)
		if errors.Is(err, audio.ErrDevice) {
			logger.Error("microphone unavailable",
				slog.String("error", err.Error()),
				slog.String("hint", "check the input device or build with -tags portaudio"))
			os.Exit(1)
		}
		if err != nil {
			exitConfig(logger, cfg, err)
		}
		if ok {
			fmt.Println(text)
		}
		return
	}

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		if errors.Is(err, stt.ErrConfiguration) {
			exitConfig(logger, cfg, err)
		}
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func exitConfig(logger *slog.Logger, cfg config.Config, err error) {
	logger.Error("speech recognition is not configured",
		slog.String("error", err.Error()),
		slog.String("model", cfg.STT.ResolvedModelPath()),
		slog.String("hint", "download a model from https://alphacephei.com/vosk/models and unpack it as the model directory"))
	os.Exit(1)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
