//go:build !portaudio

package audio

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-vosk/internal/config"
)

var errNoPortAudio = errors.New("built without portaudio support (use -tags portaudio)")

// NewMicrophone returns a device that cannot be opened; microphone capture
// needs the portaudio build tag.
func NewMicrophone(cfg config.CaptureConfig) Device {
	return unavailableDevice{cfg: cfg}
}

type unavailableDevice struct {
	cfg config.CaptureConfig
}

func (unavailableDevice) Open() error                          { return errNoPortAudio }
func (unavailableDevice) Read(context.Context) ([]byte, error) { return nil, errNoPortAudio }
func (unavailableDevice) Close() error                         { return nil }
func (d unavailableDevice) SampleRate() int                    { return d.cfg.DeviceSampleRate }
func (unavailableDevice) SampleWidth() int                     { return 2 }
func (d unavailableDevice) FramesPerBuffer() int               { return d.cfg.FramesPerBuffer }
