package audio

import "context"

// Device is a live audio input. Open and Close bracket one scoped use; Read
// blocks until the next buffer of mono PCM is available and returns a slice
// the caller owns.
type Device interface {
	Open() error
	Read(ctx context.Context) ([]byte, error)
	Close() error
	SampleRate() int
	SampleWidth() int
	FramesPerBuffer() int
}
