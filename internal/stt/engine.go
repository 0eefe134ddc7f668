package stt

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-vosk/internal/config"
	"gopkg.in/yaml.v3"
)

// Engine owns the loaded model and hands out one recognizer per attempt.
type Engine struct {
	backend    Backend
	model      Model
	speaker    Model
	grammar    []string
	sampleRate int
	words      bool
	logger     *slog.Logger
}

// NewBackend builds the backend named by cfg.Engine.
func NewBackend(cfg config.STTConfig) (Backend, error) {
	switch cfg.Engine {
	case "vosk":
		return NewVoskBackend()
	case "exec":
		return NewExecBackend(cfg)
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("%w: unknown stt engine %q", ErrConfiguration, cfg.Engine)
	}
}

// LoadEngine checks the configured assets and loads the model. Every failure
// wraps ErrConfiguration; the mock engine needs no assets.
func LoadEngine(cfg config.STTConfig, backend Backend, logger *slog.Logger) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: no stt backend", ErrConfiguration)
	}
	e := &Engine{
		backend:    backend,
		sampleRate: cfg.SampleRate,
		words:      cfg.Words,
		logger:     logger.With(slog.String("component", "stt-engine")),
	}
	if e.sampleRate <= 0 {
		e.sampleRate = 16000
	}

	modelPath := cfg.ResolvedModelPath()
	if cfg.Engine != "mock" {
		if modelPath == "" {
			return nil, fmt.Errorf("%w: no model path configured", ErrConfiguration)
		}
		if _, err := os.Stat(modelPath); err != nil {
			return nil, fmt.Errorf("%w: model not found at %s: %v", ErrConfiguration, modelPath, err)
		}
	}

	if cfg.GrammarFile != "" {
		grammar, err := loadGrammar(cfg.GrammarFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		e.grammar = grammar
	}

	model, err := backend.LoadModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	e.model = model

	if cfg.SpeakerModelPath != "" {
		loader, ok := backend.(SpeakerModelLoader)
		if !ok {
			e.logger.Warn("speaker model ignored by backend", slog.String("backend", backend.Name()))
		} else {
			speaker, err := loader.LoadSpeakerModel(cfg.SpeakerModelPath)
			if err != nil {
				model.Close()
				return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
			}
			e.speaker = speaker
		}
	}

	e.logger.Info("stt engine ready",
		slog.String("backend", backend.Name()),
		slog.String("model", modelPath),
		slog.Int("grammar_phrases", len(e.grammar)))
	return e, nil
}

// SampleRate is the rate recognizers expect their PCM16 input in.
func (e *Engine) SampleRate() int { return e.sampleRate }

func (e *Engine) BackendName() string { return e.backend.Name() }

func (e *Engine) NewRecognizer() (Recognizer, error) {
	return e.backend.NewRecognizer(e.model, RecognizerOptions{
		SampleRate: float64(e.sampleRate),
		Grammar:    e.grammar,
		Speaker:    e.speaker,
		Words:      e.words,
	})
}

func (e *Engine) Close() {
	if e.speaker != nil {
		e.speaker.Close()
		e.speaker = nil
	}
	if e.model != nil {
		e.model.Close()
		e.model = nil
	}
}

// loadGrammar reads a YAML or JSON list of phrases.
func loadGrammar(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grammar file: %w", err)
	}
	var phrases []string
	if err := yaml.Unmarshal(data, &phrases); err != nil {
		return nil, fmt.Errorf("parse grammar file: %w", err)
	}
	var out []string
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("grammar file %s has no phrases", path)
	}
	return out, nil
}
