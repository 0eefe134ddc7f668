package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-vosk/internal/audio"
	"github.com/loqalabs/loqa-vosk/internal/config"
	"github.com/loqalabs/loqa-vosk/internal/stt"
)

type onceResult struct {
	text string
	ok   bool
}

// RunOnce performs a single recognition attempt, from audioFile when set or
// from the microphone otherwise. Configuration problems and a microphone that
// cannot be opened (audio.ErrDevice) are errors; an attempt that recognized
// nothing returns ok false.
func RunOnce(ctx context.Context, cfg config.Config, audioFile string, logger *slog.Logger) (string, bool, error) {
	return runOnce(ctx, cfg, audioFile, audio.NewMicrophone, logger)
}

func runOnce(ctx context.Context, cfg config.Config, audioFile string, microphone func(config.CaptureConfig) audio.Device, logger *slog.Logger) (string, bool, error) {
	engine, err := loadEngine(cfg.STT, logger)
	if err != nil {
		return "", false, err
	}
	defer engine.Close()

	var capture stt.Capturer
	if audioFile != "" {
		fileCapture, err := audio.NewFileCapture(audioFile, logger)
		if err != nil {
			logger.Warn("audio file unusable", slog.String("path", audioFile), slog.String("error", err.Error()))
			return "", false, nil
		}
		capture = fileCapture
	} else {
		micCapture, err := audio.NewMicrophoneCapture(ctx, microphone(cfg.Capture), cfg.Capture, logger)
		if err != nil {
			return "", false, fmt.Errorf("microphone: %w", err)
		}
		capture = micCapture
	}

	results := make(chan onceResult, 1)
	coord := stt.NewCoordinator(capture, engine, logger)
	if err := coord.Start(ctx, func(text string, ok bool) {
		results <- onceResult{text: text, ok: ok}
	}); err != nil {
		return "", false, err
	}
	res := <-results
	<-coord.Done()
	return res.text, res.ok, nil
}
