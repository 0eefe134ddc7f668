//go:build portaudio

package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-vosk/internal/config"
)

// PortAudioDevice reads 16-bit mono frames from the default input device.
type PortAudioDevice struct {
	mu         sync.Mutex
	sampleRate int
	frames     int
	buffer     []int16
	stream     *portaudio.Stream
}

// NewMicrophone returns the default system microphone.
func NewMicrophone(cfg config.CaptureConfig) Device {
	return &PortAudioDevice{
		sampleRate: cfg.DeviceSampleRate,
		frames:     cfg.FramesPerBuffer,
		buffer:     make([]int16, cfg.FramesPerBuffer),
	}
}

func (d *PortAudioDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		return errors.New("microphone already open")
	}
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.sampleRate), d.frames, d.buffer)
	if err != nil {
		portaudio.Terminate()
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return err
	}
	d.stream = stream
	return nil
}

func (d *PortAudioDevice) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		return nil, errors.New("microphone not open")
	}
	// an overflow only means frames were dropped; the buffer is still valid
	if err := d.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, err
	}
	out := make([]byte, len(d.buffer)*2)
	for i, s := range d.buffer {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func (d *PortAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		return nil
	}
	stream := d.stream
	d.stream = nil
	stopErr := stream.Stop()
	closeErr := stream.Close()
	termErr := portaudio.Terminate()
	return errors.Join(stopErr, closeErr, termErr)
}

func (d *PortAudioDevice) SampleRate() int      { return d.sampleRate }
func (d *PortAudioDevice) SampleWidth() int     { return 2 }
func (d *PortAudioDevice) FramesPerBuffer() int { return d.frames }
