package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-vosk/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-vosk/stt"

// State is the lifecycle position of a coordinator.
type State string

const (
	StateCreated     State = "created"
	StateCapturing   State = "capturing"
	StateConverting  State = "converting"
	StateBackendCall State = "backend_call"
	StateDone        State = "done"
	StateNoAudioDone State = "no_audio_done"
)

// Capturer produces one finished capture session per call.
type Capturer interface {
	Capture(ctx context.Context) *audio.Session
}

// Coordinator runs exactly one capture and recognition attempt and reports
// it to one callback, exactly once.
type Coordinator struct {
	capture Capturer
	engine  *Engine
	logger  *slog.Logger
	tracer  trace.Tracer

	attempts metric.Int64Counter
	duration metric.Float64Histogram

	mu      sync.Mutex
	state   State
	result  Result
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewCoordinator(capture Capturer, engine *Engine, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		capture: capture,
		engine:  engine,
		logger:  logger.With(slog.String("component", "stt-coordinator")),
		tracer:  otel.Tracer(instrumentationName),
		state:   StateCreated,
		done:    make(chan struct{}),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	if c.attempts, err = meter.Int64Counter("loqa.stt.attempts", metric.WithDescription("Recognition attempts by outcome")); err != nil {
		c.logger.Warn("failed to create attempts counter", slogError(err))
	}
	if c.duration, err = meter.Float64Histogram("loqa.stt.attempt.duration", metric.WithDescription("Capture and recognition time"), metric.WithUnit("ms")); err != nil {
		c.logger.Warn("failed to create duration histogram", slogError(err))
	}
	return c
}

// Start registers callback and runs the attempt on its own goroutine.
func (c *Coordinator) Start(ctx context.Context, callback Callback) error {
	if callback == nil {
		return fmt.Errorf("%w: callback is required", ErrConfiguration)
	}
	if c.capture == nil || c.engine == nil {
		return fmt.Errorf("%w: coordinator needs a capture and an engine", ErrConfiguration)
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.state = StateCapturing
	c.mu.Unlock()

	go c.run(ctx, callback)
	return nil
}

// Stop abandons a pending capture; the attempt then resolves as no audio.
// It has no effect once the backend call started.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed after the callback returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result is meaningful once Done is closed.
func (c *Coordinator) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Coordinator) run(ctx context.Context, callback Callback) {
	defer close(c.done)
	defer c.Stop()

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "stt.recognize")
	defer span.End()

	session := c.capture.Capture(ctx)
	span.SetAttributes(
		attribute.String("capture.source", string(session.Source())),
		attribute.String("capture.state", string(session.State())),
	)

	result := c.recognize(session)
	c.finish(ctx, result, time.Since(start), span)

	callback(result.Value())
}

func (c *Coordinator) recognize(session *audio.Session) Result {
	data := session.Data()
	if data == nil {
		err := fmt.Errorf("%w: capture %s", ErrNoAudio, session.State())
		if session.Err() != nil {
			err = fmt.Errorf("%w: capture %s: %v", ErrNoAudio, session.State(), session.Err())
		}
		return Result{Outcome: OutcomeNoAudio, Err: err}
	}

	c.setState(StateConverting)
	pcm := data.Raw(c.engine.SampleRate(), 2)
	if len(pcm) == 0 {
		return Result{Outcome: OutcomeNoAudio, Err: fmt.Errorf("%w: empty buffer", ErrNoAudio)}
	}

	c.setState(StateBackendCall)
	rec, err := c.engine.NewRecognizer()
	if err != nil {
		return Result{Outcome: OutcomeTransportError, Err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}
	defer rec.Close()

	// Only the final result is used; an utterance boundary reported here
	// does not change what FinalResult returns.
	if boundary, err := rec.AcceptWaveform(pcm); err != nil {
		c.logger.Debug("waveform not accepted", slogError(err))
	} else if boundary {
		if _, err := rec.Result(); err != nil {
			c.logger.Debug("intermediate result failed", slogError(err))
		}
	}

	raw, err := rec.FinalResult()
	if err != nil {
		return Result{Outcome: OutcomeTransportError, Err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}
	text, err := parseFinalResult(raw)
	if err != nil {
		return Result{Outcome: OutcomeTransportError, Err: err}
	}
	if text == "" {
		return Result{Outcome: OutcomeEmpty, Err: ErrEmptyResult}
	}
	return Result{Outcome: OutcomeText, Text: text}
}

func (c *Coordinator) finish(ctx context.Context, result Result, elapsed time.Duration, span trace.Span) {
	c.mu.Lock()
	c.result = result
	if result.Outcome == OutcomeNoAudio {
		c.state = StateNoAudioDone
	} else {
		c.state = StateDone
	}
	c.mu.Unlock()

	switch result.Outcome {
	case OutcomeText:
		c.logger.Info("speech recognized", slog.String("text", result.Text))
	case OutcomeEmpty:
		c.logger.Warn("could not understand audio")
	case OutcomeTransportError:
		c.logger.Error("could not request results from the recognizer", slogError(result.Err))
	case OutcomeNoAudio:
		c.logger.Warn("no audio caught", slogError(result.Err))
	}

	attrs := metric.WithAttributes(attribute.String("outcome", string(result.Outcome)))
	if c.attempts != nil {
		c.attempts.Add(ctx, 1, attrs)
	}
	if c.duration != nil {
		c.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
	span.SetAttributes(attribute.String("stt.outcome", string(result.Outcome)))
	if result.Outcome == OutcomeTransportError {
		span.SetStatus(codes.Error, result.Err.Error())
	}
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
