package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-vosk/internal/config"
)

// Capture produces capture sessions from exactly one source: a microphone
// opened on demand, or a file read completely at construction.
type Capture struct {
	source   Source
	path     string
	device   Device
	listener *Listener
	cfg      config.CaptureConfig
	logger   *slog.Logger
	data     *Data

	mu sync.Mutex // one scoped device use at a time
}

// NewMicrophoneCapture opens dev once to settle the energy threshold, either
// by ambient noise calibration or from the configured value.
func NewMicrophoneCapture(ctx context.Context, dev Device, cfg config.CaptureConfig, logger *slog.Logger) (*Capture, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: no microphone configured", ErrDevice)
	}
	c := &Capture{
		source:   SourceMicrophone,
		device:   dev,
		listener: NewListener(cfg),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "audio-capture")),
	}

	if err := dev.Open(); err != nil {
		return nil, fmt.Errorf("%w: open microphone: %v", ErrDevice, err)
	}
	defer c.closeDevice()

	if cfg.Calibrate() {
		duration := seconds(cfg.AmbientNoiseSeconds)
		c.logger.Info("capturing ambient sound", slog.Duration("duration", duration))
		if err := c.listener.AdjustForAmbientNoise(ctx, dev, duration); err != nil {
			return nil, fmt.Errorf("calibrate energy threshold: %w", err)
		}
	} else {
		c.logger.Debug("threshold defined by settings", slog.Float64("energy_threshold", cfg.EnergyThreshold))
		c.listener.EnergyThreshold = cfg.EnergyThreshold
	}
	c.logger.Info("threshold set", slog.Float64("energy_threshold", c.listener.EnergyThreshold))

	return c, nil
}

// NewFileCapture reads the whole file at path before returning.
func NewFileCapture(path string, logger *slog.Logger) (*Capture, error) {
	data, err := ReadWAV(path)
	if err != nil {
		return nil, err
	}
	c := &Capture{
		source: SourceFile,
		path:   path,
		data:   data,
		logger: logger.With(slog.String("component", "audio-capture")),
	}
	c.logger.Debug("audio file loaded",
		slog.String("path", path),
		slog.Int("sample_rate", data.SampleRate),
		slog.Duration("duration", data.Duration()))
	return c, nil
}

// NewBufferCapture serves data, already in memory, as a file capture.
func NewBufferCapture(data *Data, logger *slog.Logger) *Capture {
	return &Capture{
		source: SourceFile,
		data:   data,
		logger: logger.With(slog.String("component", "audio-capture")),
	}
}

func (c *Capture) Source() Source { return c.source }

// EnergyThreshold reports the threshold the next listen starts from.
func (c *Capture) EnergyThreshold() float64 {
	if c.listener == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener.EnergyThreshold
}

// Capture returns a finished session. For a file it carries the preloaded
// buffer; for a microphone it blocks until an utterance ends, the timeout
// passes, ctx is cancelled or the device fails.
func (c *Capture) Capture(ctx context.Context) *Session {
	session := newSession(c.source)
	if c.source == SourceFile {
		session.begin()
		session.complete(c.data)
		return session
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	session.begin()
	if err := c.device.Open(); err != nil {
		session.fail(fmt.Errorf("%w: open microphone: %v", ErrDevice, err))
		return session
	}
	defer c.closeDevice()

	c.logger.Info("say something")
	c.logger.Debug("stt timeout", slog.Float64("seconds", c.cfg.TimeoutSeconds))
	data, err := c.listener.Listen(ctx, c.device, seconds(c.cfg.TimeoutSeconds), seconds(c.cfg.PhraseTimeLimitSeconds))
	switch {
	case errors.Is(err, ErrWaitTimeout):
		c.logger.Debug("timeout reached while waiting for audio input")
		session.timeout(err)
	case err != nil:
		session.fail(err)
	default:
		session.complete(data)
	}
	c.logger.Debug("end of capture", slog.String("state", string(session.State())))
	return session
}

func (c *Capture) closeDevice() {
	if err := c.device.Close(); err != nil {
		c.logger.Warn("failed to close microphone", slogError(err))
	}
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
