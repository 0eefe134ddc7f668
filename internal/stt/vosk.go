//go:build vosk

package stt

import (
	"encoding/json"
	"fmt"

	vosk "github.com/alphacep/vosk-api/go"
)

// VoskAvailable reports whether the native Vosk backend is compiled in.
func VoskAvailable() bool { return true }

type voskBackend struct{}

type voskModel struct {
	model *vosk.VoskModel
}

func (m *voskModel) Close() {
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
}

type voskSpeakerModel struct {
	model *vosk.VoskSpkModel
}

func (m *voskSpeakerModel) Close() {
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
}

type voskRecognizer struct {
	rec *vosk.VoskRecognizer
}

// NewVoskBackend returns the libvosk backed engine.
func NewVoskBackend() (Backend, error) {
	vosk.SetLogLevel(-1)
	return &voskBackend{}, nil
}

func (b *voskBackend) Name() string { return "vosk" }

func (b *voskBackend) LoadModel(path string) (Model, error) {
	model, err := vosk.NewModel(path)
	if err != nil {
		return nil, fmt.Errorf("load vosk model: %w", err)
	}
	return &voskModel{model: model}, nil
}

func (b *voskBackend) LoadSpeakerModel(path string) (Model, error) {
	model, err := vosk.NewSpkModel(path)
	if err != nil {
		return nil, fmt.Errorf("load vosk speaker model: %w", err)
	}
	return &voskSpeakerModel{model: model}, nil
}

func (b *voskBackend) NewRecognizer(model Model, opts RecognizerOptions) (Recognizer, error) {
	vm, ok := model.(*voskModel)
	if !ok || vm.model == nil {
		return nil, fmt.Errorf("vosk recognizer needs a vosk model, got %T", model)
	}

	var (
		rec *vosk.VoskRecognizer
		err error
	)
	if len(opts.Grammar) > 0 {
		grammar, jerr := json.Marshal(opts.Grammar)
		if jerr != nil {
			return nil, fmt.Errorf("encode grammar: %w", jerr)
		}
		rec, err = vosk.NewRecognizerGrm(vm.model, opts.SampleRate, string(grammar))
	} else {
		rec, err = vosk.NewRecognizer(vm.model, opts.SampleRate)
	}
	if err != nil {
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}

	if spk, ok := opts.Speaker.(*voskSpeakerModel); ok && spk.model != nil {
		rec.SetSpkModel(spk.model)
	}
	if opts.Words {
		rec.SetWords(1)
	}
	return &voskRecognizer{rec: rec}, nil
}

func (r *voskRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	switch code := r.rec.AcceptWaveform(pcm); code {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("vosk rejected waveform (code %d)", code)
	}
}

func (r *voskRecognizer) Result() (string, error) {
	return r.rec.Result(), nil
}

func (r *voskRecognizer) FinalResult() (string, error) {
	return r.rec.FinalResult(), nil
}

func (r *voskRecognizer) Close() {
	if r.rec != nil {
		r.rec.Free()
		r.rec = nil
	}
}
