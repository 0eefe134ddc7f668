package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-vosk/internal/audio"
	"github.com/loqalabs/loqa-vosk/internal/bus"
	"github.com/loqalabs/loqa-vosk/internal/journal"
	"github.com/loqalabs/loqa-vosk/internal/protocol"
	"github.com/nats-io/nats.go"
)

var (
	// ErrMicrophoneBusy is returned when a microphone attempt is already running.
	ErrMicrophoneBusy = errors.New("microphone capture already in progress")
	// ErrSessionActive is returned for a session id that is still in flight.
	ErrSessionActive = errors.New("session already in progress")
	// ErrFileNotAllowed is returned for audio files outside the audio directory.
	ErrFileNotAllowed = errors.New("audio file not allowed")
)

// Service answers listen requests from the bus, one coordinator per request.
type Service struct {
	bus      *bus.Client
	engine   *Engine
	journal  *journal.Store
	mic      Capturer
	audioDir string
	logger   *slog.Logger

	micBusy atomic.Bool
	mu      sync.Mutex
	active  map[string]*Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool
}

// NewService wires the service; mic may be nil when the node has no
// microphone, in which case microphone requests resolve as no audio. File
// requests are served from audioDir only, and refused when it is empty.
func NewService(parent context.Context, busClient *bus.Client, engine *Engine, store *journal.Store, mic Capturer, audioDir string, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		engine:   engine,
		journal:  store,
		mic:      mic,
		audioDir: audioDir,
		logger:   logger.With(slog.String("component", "stt-service")),
		active:   make(map[string]*Coordinator),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	listenSub, err := conn.Subscribe(protocol.SubjectListenRequest, s.handleListen)
	if err != nil {
		return fmt.Errorf("subscribe listen requests: %w", err)
	}
	s.subs = append(s.subs, listenSub)

	cancelSub, err := conn.Subscribe(protocol.SubjectListenCancel, s.handleCancel)
	if err != nil {
		_ = listenSub.Drain()
		return fmt.Errorf("subscribe cancel requests: %w", err)
	}
	s.subs = append(s.subs, cancelSub)

	s.ready.Store(true)
	return nil
}

// Close stops accepting requests, abandons pending captures and waits for
// every started attempt to report.
func (s *Service) Close() {
	s.ready.Store(false)
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load()
}

// Listen starts one attempt for req and returns its session id.
func (s *Service) Listen(req protocol.ListenRequest) (string, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	log := s.logger.With(slog.String("session_id", req.SessionID))

	var (
		capture Capturer
		source  = audio.SourceMicrophone
		release = func() {}
	)
	if req.AudioFile != "" {
		source = audio.SourceFile
		path, err := s.resolveAudioFile(req.AudioFile)
		if err != nil {
			log.Warn("audio file rejected", slog.String("path", req.AudioFile), slogError(err))
			s.reject(req.SessionID, source, err)
			return req.SessionID, err
		}
		fileCapture, err := audio.NewFileCapture(path, log)
		if err != nil {
			log.Warn("audio file unusable", slog.String("path", path), slogError(err))
			s.reject(req.SessionID, source, err)
			return req.SessionID, nil
		}
		capture = fileCapture
	} else {
		if s.mic == nil {
			err := fmt.Errorf("%w: no microphone available", ErrNoAudio)
			s.reject(req.SessionID, source, err)
			return req.SessionID, err
		}
		if !s.micBusy.CompareAndSwap(false, true) {
			log.Warn("microphone request rejected, capture already running")
			s.publish(req.SessionID, source, "", false)
			return req.SessionID, ErrMicrophoneBusy
		}
		capture = s.mic
		release = func() { s.micBusy.Store(false) }
	}

	coord := NewCoordinator(capture, s.engine, log)

	s.mu.Lock()
	if _, dup := s.active[req.SessionID]; dup {
		s.mu.Unlock()
		release()
		log.Warn("listen request rejected, session already in progress")
		return req.SessionID, ErrSessionActive
	}
	s.active[req.SessionID] = coord
	s.mu.Unlock()

	started := time.Now()
	err := coord.Start(s.ctx, func(text string, ok bool) {
		s.publish(req.SessionID, source, text, ok)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.active, req.SessionID)
		s.mu.Unlock()
		release()
		return req.SessionID, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-coord.Done()
		release()

		s.mu.Lock()
		delete(s.active, req.SessionID)
		s.mu.Unlock()

		result := coord.Result()
		attempt := journal.Attempt{
			SessionID: req.SessionID,
			Source:    string(source),
			Outcome:   string(result.Outcome),
			Text:      result.Text,
			Duration:  time.Since(started),
		}
		if result.Err != nil {
			attempt.Detail = result.Err.Error()
		}
		s.record(attempt)
	}()
	return req.SessionID, nil
}

// resolveAudioFile confines requested files to the configured audio
// directory, symlinks included. Relative names are taken from that directory.
func (s *Service) resolveAudioFile(name string) (string, error) {
	if s.audioDir == "" {
		return "", fmt.Errorf("%w: file requests are disabled", ErrFileNotAllowed)
	}
	root, err := filepath.EvalSymlinks(s.audioDir)
	if err != nil {
		return "", fmt.Errorf("%w: audio directory: %v", ErrFileNotAllowed, err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: audio directory: %v", ErrFileNotAllowed, err)
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if errors.Is(err, fs.ErrNotExist) {
		// a missing file is reported by the capture as no audio
		var dir string
		dir, err = filepath.EvalSymlinks(filepath.Dir(path))
		resolved = filepath.Join(dir, filepath.Base(path))
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileNotAllowed, err)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrFileNotAllowed, name, root)
	}
	return resolved, nil
}

// reject answers a request that never reached a coordinator and journals it
// as no audio.
func (s *Service) reject(sessionID string, source audio.Source, cause error) {
	s.publish(sessionID, source, "", false)
	s.record(journal.Attempt{
		SessionID: sessionID,
		Source:    string(source),
		Outcome:   string(OutcomeNoAudio),
		Detail:    cause.Error(),
	})
}

// Cancel abandons the pending capture of sessionID.
func (s *Service) Cancel(sessionID string) bool {
	s.mu.Lock()
	coord := s.active[sessionID]
	s.mu.Unlock()
	if coord == nil {
		return false
	}
	coord.Stop()
	return true
}

func (s *Service) handleListen(msg *nats.Msg) {
	var req protocol.ListenRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode listen request", slogError(err))
			return
		}
	}
	if _, err := s.Listen(req); err != nil {
		s.logger.Warn("listen request not started", slogError(err))
	}
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode cancel request", slogError(err))
		return
	}
	if !s.Cancel(req.SessionID) {
		s.logger.Debug("cancel for unknown session", slog.String("session_id", req.SessionID))
	}
}

func (s *Service) publish(sessionID string, source audio.Source, text string, ok bool) {
	subject := protocol.SubjectNoTranscript
	if ok {
		subject = protocol.SubjectTranscript
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Recognized: ok,
		Source:     string(source),
		Timestamp:  time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) record(a journal.Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, a); err != nil {
		s.logger.Warn("failed to record attempt", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
