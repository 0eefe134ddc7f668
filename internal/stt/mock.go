package stt

import (
	"encoding/json"
	"fmt"
)

type mockBackend struct{}

type mockModel struct{}

func (mockModel) Close() {}

type mockRecognizer struct {
	accepted int
}

// NewMockBackend returns a backend that describes the audio it received
// instead of transcribing it.
func NewMockBackend() Backend {
	return &mockBackend{}
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) LoadModel(string) (Model, error) { return mockModel{}, nil }

func (m *mockBackend) NewRecognizer(Model, RecognizerOptions) (Recognizer, error) {
	return &mockRecognizer{}, nil
}

func (r *mockRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	r.accepted += len(pcm)
	return false, nil
}

func (r *mockRecognizer) Result() (string, error) {
	return r.encode("partial")
}

func (r *mockRecognizer) FinalResult() (string, error) {
	return r.encode("final")
}

func (r *mockRecognizer) Close() {}

func (r *mockRecognizer) encode(mode string) (string, error) {
	text := ""
	if r.accepted > 0 {
		text = fmt.Sprintf("[%s transcript length=%d]", mode, r.accepted)
	}
	data, err := json.Marshal(finalResult{Text: &text})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
