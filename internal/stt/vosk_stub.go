//go:build !vosk

package stt

// VoskAvailable reports whether the native Vosk backend is compiled in.
func VoskAvailable() bool { return false }

// NewVoskBackend returns ErrBackendUnavailable unless built with the vosk tag.
func NewVoskBackend() (Backend, error) {
	return nil, ErrBackendUnavailable
}
