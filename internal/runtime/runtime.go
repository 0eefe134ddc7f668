package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-vosk/internal/audio"
	"github.com/loqalabs/loqa-vosk/internal/bus"
	"github.com/loqalabs/loqa-vosk/internal/capability"
	"github.com/loqalabs/loqa-vosk/internal/config"
	"github.com/loqalabs/loqa-vosk/internal/journal"
	"github.com/loqalabs/loqa-vosk/internal/natsserver"
	"github.com/loqalabs/loqa-vosk/internal/stt"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	engine        *stt.Engine
	journal       *journal.Store
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	service       *stt.Service
	announcer     *capability.Announcer
	ready         atomic.Bool
	wg            sync.WaitGroup

	// microphone builds the capture device; replaced in tests
	microphone func(config.CaptureConfig) audio.Device
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		microphone: audio.NewMicrophone,
	}
}

// Start loads the recognition engine, brings up the bus side and serves
// health and metrics until ctx is cancelled. Engine configuration errors are
// returned before anything else starts.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine, err := loadEngine(r.cfg.STT, r.logger)
	if err != nil {
		return err
	}
	r.engine = engine
	defer func() {
		cancel()
		r.shutdown()
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunRetention(ctx, time.Duration(r.cfg.Journal.PruneInterval)*time.Millisecond)
	}()

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/attempts", r.handleAttempts)
	mux.HandleFunc("/nodes", r.handleNodes)
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = r.serve(bind, metricsMux)
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}
	addr := ""
	if r.cfg.HTTP.Port > 0 {
		addr = fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = r.serve(addr, mux)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", engine.BackendName()),
		slog.Bool("bus", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded

	client, err := bus.Connect(ctx, r.cfg.Bus, r.cfg.Node.ID, r.logger, embedded.ClientURL())
	if err != nil {
		return err
	}
	r.bus = client

	var mic stt.Capturer
	if capture, err := audio.NewMicrophoneCapture(ctx, r.microphone(r.cfg.Capture), r.cfg.Capture, r.logger); err != nil {
		r.logger.Warn("microphone unavailable, serving file requests only", slog.String("error", err.Error()))
	} else {
		mic = capture
	}

	r.service = stt.NewService(ctx, client, r.engine, r.journal, mic, r.cfg.Capture.AudioDir, r.logger)
	if err := r.service.Start(); err != nil {
		return err
	}

	announcer, err := capability.NewAnnouncer(ctx, r.cfg.Node, client, map[string]string{
		"engine":   r.engine.BackendName(),
		"language": r.cfg.STT.Language,
		"model":    r.cfg.STT.ResolvedModelPath(),
	}, r.logger)
	if err != nil {
		return err
	}
	r.announcer = announcer
	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.announcer != nil {
		r.announcer.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
	}
	if r.engine != nil {
		r.engine.Close()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// Healthy reports whether every started component is healthy.
func (r *Runtime) Healthy() bool {
	if !r.cfg.Bus.Enabled {
		return true
	}
	return r.bus.Healthy() && r.service != nil && r.service.Healthy() &&
		r.announcer != nil && r.announcer.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleAttempts lists the newest journaled attempts; ?limit= caps the count.
func (r *Runtime) handleAttempts(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	attempts, err := r.journal.Recent(req.Context(), limit)
	if err != nil {
		r.logger.Warn("failed to read journal", slog.String("error", err.Error()))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if attempts == nil {
		attempts = []journal.Attempt{}
	}
	writeJSON(w, attempts)
}

// handleNodes lists the nodes heard on the bus, this one included.
func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if r.announcer != nil {
		nodes = r.announcer.Nodes()
	}
	writeJSON(w, nodes)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func loadEngine(cfg config.STTConfig, logger *slog.Logger) (*stt.Engine, error) {
	backend, err := stt.NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	return stt.LoadEngine(cfg, backend, logger)
}
