package stt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-vosk/internal/audio"
	"github.com/loqalabs/loqa-vosk/internal/bus"
	"github.com/loqalabs/loqa-vosk/internal/config"
	"github.com/loqalabs/loqa-vosk/internal/journal"
	"github.com/loqalabs/loqa-vosk/internal/natsserver"
	"github.com/loqalabs/loqa-vosk/internal/protocol"
	"github.com/nats-io/nats.go"
)

type serviceFixture struct {
	client   *bus.Client
	store    *journal.Store
	service  *Service
	audioDir string
	final    *nats.Subscription
	none     *nats.Subscription
}

func newServiceFixture(t *testing.T, mic Capturer) *serviceFixture {
	t.Helper()
	audioDir := t.TempDir()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), busCfg, "stt-test", newLogger(), srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := journal.Open(context.Background(), config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "persistent",
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine, err := LoadEngine(config.STTConfig{Engine: "mock"}, NewMockBackend(), newLogger())
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	t.Cleanup(engine.Close)

	final, err := client.Conn().SubscribeSync(protocol.SubjectTranscript)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	none, err := client.Conn().SubscribeSync(protocol.SubjectNoTranscript)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	service := NewService(context.Background(), client, engine, store, mic, audioDir, newLogger())
	if err := service.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(service.Close)
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	return &serviceFixture{client: client, store: store, service: service, audioDir: audioDir, final: final, none: none}
}

func nextTranscript(t *testing.T, sub *nats.Subscription) protocol.Transcript {
	t.Helper()
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("no transcript on %s: %v", sub.Subject, err)
	}
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	return tr
}

func writeTestWAV(t *testing.T, dir string, data *audio.Data) string {
	t.Helper()
	path := filepath.Join(dir, "utterance.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	if err := writePCMToWav(file, data.PCM, data.SampleRate, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestServiceTranscribesFileRequest(t *testing.T) {
	f := newServiceFixture(t, nil)
	writeTestWAV(t, f.audioDir, speechData(1600))

	req := protocol.ListenRequest{SessionID: "file-1", AudioFile: "utterance.wav", Timestamp: time.Now().UTC()}
	if err := f.client.PublishJSON(protocol.SubjectListenRequest, req); err != nil {
		t.Fatalf("publish: %v", err)
	}

	tr := nextTranscript(t, f.final)
	if tr.SessionID != "file-1" || !tr.Recognized || tr.Source != string(audio.SourceFile) {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	if tr.Text != "[final transcript length=3200]" {
		t.Fatalf("unexpected text %q", tr.Text)
	}

	f.service.Close()
	attempts, err := f.store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Outcome != string(OutcomeText) || attempts[0].SessionID != "file-1" {
		t.Fatalf("unexpected journal %+v", attempts)
	}
}

func TestServiceMissingFileReportsNoTranscript(t *testing.T) {
	f := newServiceFixture(t, nil)

	id, err := f.service.Listen(protocol.ListenRequest{AudioFile: filepath.Join(f.audioDir, "missing.wav")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated session id")
	}

	tr := nextTranscript(t, f.none)
	if tr.SessionID != id || tr.Recognized || tr.Text != "" {
		t.Fatalf("unexpected transcript %+v", tr)
	}

	attempts, err := f.store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Outcome != string(OutcomeNoAudio) {
		t.Fatalf("unexpected journal %+v", attempts)
	}
}

func TestServiceRejectsOverlappingMicrophoneRequests(t *testing.T) {
	mic, err := audio.NewMicrophoneCapture(context.Background(), &blockingDevice{}, config.CaptureConfig{EnergyThreshold: 300}, newLogger())
	if err != nil {
		t.Fatalf("microphone capture: %v", err)
	}
	f := newServiceFixture(t, mic)

	if _, err := f.service.Listen(protocol.ListenRequest{SessionID: "mic-1"}); err != nil {
		t.Fatalf("first listen: %v", err)
	}
	if _, err := f.service.Listen(protocol.ListenRequest{SessionID: "mic-2"}); !errors.Is(err, ErrMicrophoneBusy) {
		t.Fatalf("expected busy microphone, got %v", err)
	}
	if tr := nextTranscript(t, f.none); tr.SessionID != "mic-2" {
		t.Fatalf("expected rejection for mic-2, got %+v", tr)
	}

	if err := f.client.PublishJSON(protocol.SubjectListenCancel, protocol.CancelRequest{SessionID: "mic-1"}); err != nil {
		t.Fatalf("publish cancel: %v", err)
	}
	if tr := nextTranscript(t, f.none); tr.SessionID != "mic-1" || tr.Recognized {
		t.Fatalf("expected absent transcript for cancelled mic-1, got %+v", tr)
	}

	// the microphone is released once the cancelled attempt reported
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := f.service.Listen(protocol.ListenRequest{SessionID: "mic-3"})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrMicrophoneBusy) || time.Now().After(deadline) {
			t.Fatalf("microphone not released: %v", err)
		}
		_ = nextTranscript(t, f.none)
		time.Sleep(10 * time.Millisecond)
	}
	if !f.service.Cancel("mic-3") {
		t.Fatal("expected mic-3 to be active")
	}
}

func TestServiceWithoutMicrophone(t *testing.T) {
	f := newServiceFixture(t, nil)

	if _, err := f.service.Listen(protocol.ListenRequest{SessionID: "mic-1"}); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected no audio error, got %v", err)
	}
	if tr := nextTranscript(t, f.none); tr.SessionID != "mic-1" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	if f.service.Cancel("unknown") {
		t.Fatal("cancel of unknown session must report false")
	}

	attempts, err := f.store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(attempts) != 1 || attempts[0].SessionID != "mic-1" || attempts[0].Outcome != string(OutcomeNoAudio) {
		t.Fatalf("expected journaled no audio attempt, got %+v", attempts)
	}
}

func TestServiceRefusesFilesOutsideAudioDir(t *testing.T) {
	f := newServiceFixture(t, nil)
	outside := writeTestWAV(t, t.TempDir(), speechData(1600))

	cases := map[string]string{
		"absolute": outside,
		"relative": filepath.Join("..", filepath.Base(filepath.Dir(outside)), "utterance.wav"),
	}
	for name, file := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.Listen(protocol.ListenRequest{SessionID: name, AudioFile: file})
			if !errors.Is(err, ErrFileNotAllowed) {
				t.Fatalf("expected file refused, got %v", err)
			}
			if tr := nextTranscript(t, f.none); tr.SessionID != name || tr.Recognized {
				t.Fatalf("unexpected transcript %+v", tr)
			}
		})
	}
	if _, err := f.final.NextMsg(100 * time.Millisecond); err == nil {
		t.Fatal("refused file must not be transcribed")
	}
}

func TestServiceRefusesSymlinkEscape(t *testing.T) {
	f := newServiceFixture(t, nil)
	outside := writeTestWAV(t, t.TempDir(), speechData(1600))
	if err := os.Symlink(outside, filepath.Join(f.audioDir, "link.wav")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := f.service.Listen(protocol.ListenRequest{SessionID: "link", AudioFile: "link.wav"}); !errors.Is(err, ErrFileNotAllowed) {
		t.Fatalf("expected symlink escape refused, got %v", err)
	}
}

func TestServiceFileRequestsDisabledWithoutAudioDir(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.service.audioDir = ""
	path := writeTestWAV(t, f.audioDir, speechData(1600))

	if _, err := f.service.Listen(protocol.ListenRequest{SessionID: "file-1", AudioFile: path}); !errors.Is(err, ErrFileNotAllowed) {
		t.Fatalf("expected file requests disabled, got %v", err)
	}
}

func TestServiceRejectsDuplicateSessionID(t *testing.T) {
	mic, err := audio.NewMicrophoneCapture(context.Background(), &blockingDevice{}, config.CaptureConfig{EnergyThreshold: 300}, newLogger())
	if err != nil {
		t.Fatalf("microphone capture: %v", err)
	}
	f := newServiceFixture(t, mic)
	writeTestWAV(t, f.audioDir, speechData(1600))

	if _, err := f.service.Listen(protocol.ListenRequest{SessionID: "dup"}); err != nil {
		t.Fatalf("first listen: %v", err)
	}
	if _, err := f.service.Listen(protocol.ListenRequest{SessionID: "dup", AudioFile: "utterance.wav"}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected duplicate session rejected, got %v", err)
	}

	if !f.service.Cancel("dup") {
		t.Fatal("expected the microphone attempt to stay cancellable")
	}
	if tr := nextTranscript(t, f.none); tr.SessionID != "dup" || tr.Source != string(audio.SourceMicrophone) {
		t.Fatalf("expected the microphone attempt to resolve, got %+v", tr)
	}
	if _, err := f.final.NextMsg(100 * time.Millisecond); err == nil {
		t.Fatal("duplicate file request must not be transcribed")
	}
}
