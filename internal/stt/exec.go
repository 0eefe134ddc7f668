package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-vosk/internal/config"
	"github.com/mattn/go-shellwords"
)

const execTimeout = 45 * time.Second

// execBackend runs an external transcriber per request. The command receives
// --audio <wav> --model <dir> and prints {"text": "..."} on stdout.
type execBackend struct {
	cmd []string
	cfg config.STTConfig
}

type execModel struct {
	path string
}

func (execModel) Close() {}

type execRecognizer struct {
	backend    *execBackend
	model      string
	sampleRate int
	grammar    []string
	mu         sync.Mutex
	pcm        []byte
}

func NewExecBackend(cfg config.STTConfig) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execBackend{cmd: args, cfg: cfg}, nil
}

func (b *execBackend) Name() string { return "exec" }

func (b *execBackend) LoadModel(path string) (Model, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat model: %w", err)
	}
	return execModel{path: path}, nil
}

func (b *execBackend) NewRecognizer(model Model, opts RecognizerOptions) (Recognizer, error) {
	m, ok := model.(execModel)
	if !ok {
		return nil, fmt.Errorf("exec recognizer needs an exec model, got %T", model)
	}
	return &execRecognizer{
		backend:    b,
		model:      m.path,
		sampleRate: int(opts.SampleRate),
		grammar:    opts.Grammar,
	}, nil
}

// AcceptWaveform only buffers; the command sees the whole utterance at once.
func (r *execRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(pcm)%2 != 0 {
		return false, fmt.Errorf("pcm payload not aligned")
	}
	r.pcm = append(r.pcm, pcm...)
	return false, nil
}

func (r *execRecognizer) Result() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run(false)
}

func (r *execRecognizer) FinalResult() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.run(true)
	r.pcm = nil
	return out, err
}

func (r *execRecognizer) Close() {
	r.mu.Lock()
	r.pcm = nil
	r.mu.Unlock()
}

func (r *execRecognizer) run(final bool) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	file, err := os.CreateTemp(os.TempDir(), "loqa_vosk_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, r.pcm, r.sampleRate, 1); err != nil {
		return "", err
	}

	base := r.backend.cmd[0]
	cmdArgs := append([]string{}, r.backend.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name(), "--model", r.model)
	if r.backend.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.backend.cfg.Language)
	}
	if len(r.grammar) > 0 {
		grammar, err := json.Marshal(r.grammar)
		if err != nil {
			return "", fmt.Errorf("encode grammar: %w", err)
		}
		cmdArgs = append(cmdArgs, "--grammar", string(grammar))
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		sample := int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		samples[i] = sample
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
