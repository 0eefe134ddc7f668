// Package audio captures a single utterance from a microphone or loads a
// whole audio file, and converts it to the format a recognizer expects.
package audio

import (
	"errors"
	"time"
)

var (
	// ErrDevice reports a microphone that cannot be opened or read.
	ErrDevice = errors.New("audio device error")
	// ErrWaitTimeout reports that no speech started before the capture timeout.
	ErrWaitTimeout = errors.New("timed out waiting for speech")
)

// Source identifies where a capture session takes its audio from.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceFile       Source = "file"
)

// State is the lifecycle position of a capture session.
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StateComplete  State = "complete"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// Data is a mono PCM buffer in signed little-endian samples.
type Data struct {
	PCM         []byte
	SampleRate  int
	SampleWidth int // bytes per sample
}

// Duration returns the playing time of the buffer.
func (d *Data) Duration() time.Duration {
	if d == nil || d.SampleRate <= 0 || d.SampleWidth <= 0 {
		return 0
	}
	samples := len(d.PCM) / d.SampleWidth
	return time.Duration(samples) * time.Second / time.Duration(d.SampleRate)
}

// Raw returns the buffer converted to the given sample rate and width. Zero
// values keep the buffer's own rate or width.
func (d *Data) Raw(sampleRate, sampleWidth int) []byte {
	if d == nil || len(d.PCM) == 0 {
		return nil
	}
	if sampleRate <= 0 {
		sampleRate = d.SampleRate
	}
	if sampleWidth <= 0 {
		sampleWidth = d.SampleWidth
	}
	if sampleRate == d.SampleRate && sampleWidth == d.SampleWidth {
		return append([]byte(nil), d.PCM...)
	}
	samples := decodeSamples(d.PCM, d.SampleWidth)
	if sampleRate != d.SampleRate {
		samples = resample(samples, d.SampleRate, sampleRate)
	}
	return encodeSamples(samples, sampleWidth)
}

// Session is one acquisition of audio. The buffer is only exposed once the
// session reached a terminal state.
type Session struct {
	src   Source
	state State
	data  *Data
	err   error
}

func newSession(src Source) *Session {
	return &Session{src: src, state: StateIdle}
}

func (s *Session) Source() Source { return s.src }

func (s *Session) State() State { return s.state }

// Data returns the captured buffer, or nil unless the session completed.
func (s *Session) Data() *Data {
	if s.state != StateComplete {
		return nil
	}
	return s.data
}

// Err returns the reason a session timed out or failed.
func (s *Session) Err() error { return s.err }

func (s *Session) begin() {
	if s.state == StateIdle {
		s.state = StateCapturing
	}
}

func (s *Session) complete(data *Data) {
	if s.terminal() {
		return
	}
	s.state = StateComplete
	s.data = data
}

func (s *Session) timeout(err error) {
	if s.terminal() {
		return
	}
	s.state = StateTimedOut
	s.data = nil
	s.err = err
}

func (s *Session) fail(err error) {
	if s.terminal() {
		return
	}
	s.state = StateFailed
	s.data = nil
	s.err = err
}

func (s *Session) terminal() bool {
	switch s.state {
	case StateComplete, StateTimedOut, StateFailed:
		return true
	}
	return false
}
