package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-vosk/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDevice emits buffers of a square wave whose amplitude is picked per
// buffer index, so rms(buffer) == amplitude(index).
type fakeDevice struct {
	rate      int
	frames    int
	amplitude func(i int) int16
	openErr   error
	reads     int
	opens     int
	closes    int
}

func (d *fakeDevice) Open() error {
	if d.openErr != nil {
		return d.openErr
	}
	d.opens++
	return nil
}

func (d *fakeDevice) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := d.amplitude(d.reads)
	d.reads++
	out := make([]byte, d.frames*2)
	for i := 0; i < d.frames; i++ {
		v := a
		if i%2 == 1 {
			v = -a
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out, nil
}

func (d *fakeDevice) Close() error {
	d.closes++
	return nil
}

func (d *fakeDevice) SampleRate() int      { return d.rate }
func (d *fakeDevice) SampleWidth() int     { return 2 }
func (d *fakeDevice) FramesPerBuffer() int { return d.frames }

func silence(int) int16 { return 0 }

func utterance(start, end int) func(int) int16 {
	return func(i int) int16 {
		if i >= start && i < end {
			return 3000
		}
		return 0
	}
}

func captureConfig() config.CaptureConfig {
	cfg := config.Default().Capture
	cfg.EnergyThreshold = 300
	cfg.DynamicEnergy = false
	cfg.DeviceSampleRate = 16000
	cfg.FramesPerBuffer = 1600
	return cfg
}

func TestListenCapturesUtterance(t *testing.T) {
	dev := &fakeDevice{rate: 16000, frames: 1600, amplitude: utterance(5, 15)}
	l := NewListener(captureConfig())

	data, err := l.Listen(context.Background(), dev, 0, 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	// 5 leading buffers, 18 recorded, 4 trailing silent buffers trimmed
	if want := 19 * 1600 * 2; len(data.PCM) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(data.PCM))
	}
	if data.SampleRate != 16000 || data.SampleWidth != 2 {
		t.Fatalf("unexpected format %d/%d", data.SampleRate, data.SampleWidth)
	}
}

func TestListenTimeout(t *testing.T) {
	dev := &fakeDevice{rate: 16000, frames: 1600, amplitude: silence}
	l := NewListener(captureConfig())

	_, err := l.Listen(context.Background(), dev, secondsDuration(1), 0)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if dev.reads > 11 {
		t.Fatalf("timeout overshot: %d buffers read for a 1s bound", dev.reads)
	}
}

func TestListenCancelled(t *testing.T) {
	dev := &fakeDevice{rate: 16000, frames: 1600, amplitude: silence}
	l := NewListener(captureConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Listen(ctx, dev, 0, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestListenPhraseLimit(t *testing.T) {
	dev := &fakeDevice{rate: 16000, frames: 1600, amplitude: utterance(0, 1000)}
	l := NewListener(captureConfig())

	data, err := l.Listen(context.Background(), dev, 0, secondsDuration(2))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if d := data.Duration(); d > secondsDuration(2.5) {
		t.Fatalf("phrase limit ignored, captured %s", d)
	}
}

func TestAdjustForAmbientNoise(t *testing.T) {
	dev := &fakeDevice{rate: 16000, frames: 1600, amplitude: func(int) int16 { return 100 }}
	l := NewListener(captureConfig())

	if err := l.AdjustForAmbientNoise(context.Background(), dev, secondsDuration(1)); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if l.EnergyThreshold >= 300 || l.EnergyThreshold <= 150 {
		t.Fatalf("expected threshold between 150 and 300, got %f", l.EnergyThreshold)
	}
}

func TestMicrophoneCaptureManualThreshold(t *testing.T) {
	dev := &fakeDevice{rate: 16000, frames: 1600, amplitude: utterance(2, 10)}
	cfg := captureConfig()
	cfg.EnergyThreshold = 1234

	capture, err := NewMicrophoneCapture(context.Background(), dev, cfg, newLogger())
	if err != nil {
		t.Fatalf("new capture: %v", err)
	}
	if capture.EnergyThreshold() != 1234 {
		t.Fatalf("expected manual threshold, got %f", capture.EnergyThreshold())
	}
	if dev.reads != 0 {
		t.Fatalf("manual threshold must not read the device, got %d reads", dev.reads)
	}
	if dev.opens != 1 || dev.closes != 1 {
		t.Fatalf("expected one scoped open/close, got %d/%d", dev.opens, dev.closes)
	}

	session := capture.Capture(context.Background())
	if session.State() != StateComplete {
		t.Fatalf("expected complete session, got %s (%v)", session.State(), session.Err())
	}
	if session.Source() != SourceMicrophone || len(session.Data().PCM) == 0 {
		t.Fatal("expected microphone buffer")
	}
	if dev.opens != 2 || dev.closes != 2 {
		t.Fatalf("capture must open and close the device, got %d/%d", dev.opens, dev.closes)
	}
}

func TestMicrophoneCaptureCalibrates(t *testing.T) {
	dev := &fakeDevice{rate: 16000, frames: 1600, amplitude: func(int) int16 { return 500 }}
	cfg := captureConfig()
	cfg.AmbientNoiseSeconds = 1

	capture, err := NewMicrophoneCapture(context.Background(), dev, cfg, newLogger())
	if err != nil {
		t.Fatalf("new capture: %v", err)
	}
	if dev.reads == 0 {
		t.Fatal("calibration should read the device")
	}
	if capture.EnergyThreshold() <= cfg.EnergyThreshold {
		t.Fatalf("expected calibrated threshold above %f, got %f", cfg.EnergyThreshold, capture.EnergyThreshold())
	}
}

func TestMicrophoneCaptureTimeout(t *testing.T) {
	dev := &fakeDevice{rate: 16000, frames: 1600, amplitude: silence}
	cfg := captureConfig()
	cfg.TimeoutSeconds = 0.5

	capture, err := NewMicrophoneCapture(context.Background(), dev, cfg, newLogger())
	if err != nil {
		t.Fatalf("new capture: %v", err)
	}
	session := capture.Capture(context.Background())
	if session.State() != StateTimedOut {
		t.Fatalf("expected timed out session, got %s", session.State())
	}
	if session.Data() != nil {
		t.Fatal("timed out session must not expose a buffer")
	}
	if !errors.Is(session.Err(), ErrWaitTimeout) {
		t.Fatalf("expected wait timeout, got %v", session.Err())
	}
}

func TestMicrophoneCaptureOpenFailure(t *testing.T) {
	dev := &fakeDevice{rate: 16000, frames: 1600, amplitude: silence, openErr: errors.New("no such device")}
	if _, err := NewMicrophoneCapture(context.Background(), dev, captureConfig(), newLogger()); !errors.Is(err, ErrDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
}

func TestFileCaptureReadsWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utterance.wav")
	samples := make([]int, 8000*2) // one second of stereo at 8 kHz
	for i := range samples {
		samples[i] = 1000
	}
	writeWAV(t, path, samples, 8000, 2)

	capture, err := NewFileCapture(path, newLogger())
	if err != nil {
		t.Fatalf("new file capture: %v", err)
	}
	session := capture.Capture(context.Background())
	if session.State() != StateComplete || session.Source() != SourceFile {
		t.Fatalf("expected complete file session, got %s/%s", session.Source(), session.State())
	}
	data := session.Data()
	if data.SampleRate != 8000 || data.SampleWidth != 2 {
		t.Fatalf("unexpected format %d/%d", data.SampleRate, data.SampleWidth)
	}
	if len(data.PCM) != 8000*2 {
		t.Fatalf("expected mono downmix of 8000 samples, got %d bytes", len(data.PCM))
	}
	if got := len(data.Raw(16000, 2)); got != 16000*2 {
		t.Fatalf("expected 16 kHz conversion to double the samples, got %d bytes", got)
	}
}

func TestFileCaptureMissingFile(t *testing.T) {
	if _, err := NewFileCapture(filepath.Join(t.TempDir(), "missing.wav"), newLogger()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func writeWAV(t *testing.T, path string, samples []int, sampleRate, channels int) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestCalibratedThresholdIgnoresManualThreshold(t *testing.T) {
	calibrate := func(manual float64) float64 {
		t.Helper()
		dev := &fakeDevice{rate: 16000, frames: 1024, amplitude: func(int) int16 { return 100 }}
		cfg := captureConfig()
		cfg.FramesPerBuffer = 1024
		cfg.AmbientNoiseSeconds = 1
		cfg.EnergyThreshold = manual

		capture, err := NewMicrophoneCapture(context.Background(), dev, cfg, newLogger())
		if err != nil {
			t.Fatalf("new capture: %v", err)
		}
		return capture.EnergyThreshold()
	}

	low, high := calibrate(300), calibrate(4000)
	if low != high {
		t.Fatalf("calibrated threshold follows energy_threshold: 300 -> %f, 4000 -> %f", low, high)
	}
	if low >= defaultEnergyThreshold {
		t.Fatalf("expected quiet room to lower the threshold below %d, got %f", defaultEnergyThreshold, low)
	}
}
