package stt

import "errors"

var (
	// ErrConfiguration reports a setup problem that must stop startup.
	ErrConfiguration = errors.New("stt configuration error")
	// ErrTransport reports a backend that failed or returned unusable output.
	ErrTransport = errors.New("stt backend request failed")
	// ErrNoAudio reports an attempt without a usable audio buffer.
	ErrNoAudio = errors.New("no audio captured")
	// ErrEmptyResult reports a backend that recognized no words.
	ErrEmptyResult = errors.New("speech not understood")
	// ErrBackendUnavailable reports a backend not compiled into this binary.
	ErrBackendUnavailable = errors.New("stt backend not available in this build")
)

// Model is a loaded recognition or speaker model.
type Model interface {
	Close()
}

// RecognizerOptions configures one recognizer.
type RecognizerOptions struct {
	SampleRate float64
	// Grammar restricts the vocabulary to these phrases when non-empty.
	Grammar []string
	// Speaker attaches a speaker model when the backend supports it.
	Speaker Model
	Words   bool
}

// Recognizer is a streaming decoding session over PCM16 mono audio.
type Recognizer interface {
	// AcceptWaveform feeds audio and reports whether an utterance boundary
	// was reached, making Result meaningful.
	AcceptWaveform(pcm []byte) (bool, error)
	Result() (string, error)
	// FinalResult flushes the session and returns the JSON transcription of
	// everything submitted.
	FinalResult() (string, error)
	Close()
}

// Backend abstracts speech recognition engines.
type Backend interface {
	Name() string
	LoadModel(path string) (Model, error)
	NewRecognizer(model Model, opts RecognizerOptions) (Recognizer, error)
}

// SpeakerModelLoader is implemented by backends that support speaker models.
type SpeakerModelLoader interface {
	LoadSpeakerModel(path string) (Model, error)
}
