package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scribeware/scribe-core/internal/audio"
	"github.com/scribeware/scribe-core/internal/bus"
	"github.com/scribeware/scribe-core/internal/config"
	"github.com/scribeware/scribe-core/internal/natsserver"
	"github.com/scribeware/scribe-core/internal/protocol"
	"github.com/scribeware/scribe-core/internal/recognizer"
	"github.com/scribeware/scribe-core/internal/supervisor"
	"github.com/scribeware/scribe-core/internal/transcript"
)

var ErrRecordingActive = errors.New("a recording is already active")

// recording bundles everything that lives exactly as long as one capture:
// the supervisor, its accumulator, and the raw PCM kept for archiving.
type recording struct {
	id  string
	sup *supervisor.Supervisor
	acc *transcript.Accumulator

	pcmMu sync.Mutex
	pcm   []byte

	quit chan struct{}
}

// Runtime owns the daemon's long-lived pieces and creates a fresh pipeline
// per recording.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	// rootCtx bounds recording pipelines. Recordings must outlive the HTTP
	// request that started them, so they never run on a request context.
	rootCtx context.Context

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	embedded *natsserver.EmbeddedServer
	busCl    *bus.Client
	store    *transcript.Store
	archiver audio.Archiver

	ready atomic.Bool
	wg    sync.WaitGroup

	mu  sync.Mutex
	rec *recording
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		archiver: audio.Archiver{Dir: cfg.Audio.DumpDir},
	}
}

// Start brings up telemetry, the bus, the transcript store and the HTTP
// control surface, then blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.rootCtx = ctx

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busCl = busClient

	store, err := transcript.Open(ctx, r.cfg.Transcript, r.logger)
	if err != nil {
		r.busCl.Close()
		r.embedded.Shutdown()
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	r.store = store

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/recording/start", r.handleRecordingStart)
	mux.HandleFunc("/v1/recording/stop", r.handleRecordingStop)
	mux.HandleFunc("/v1/transcript", r.handleTranscript)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if _, err := r.StopRecording(shutdownCtx); err != nil && !errors.Is(err, errNoRecording) {
		r.logger.Error("stop recording on shutdown", slog.String("error", err.Error()))
	}

	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if err := r.store.Close(); err != nil {
		r.logger.Error("transcript store close error", slog.String("error", err.Error()))
	}
	r.busCl.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

var errNoRecording = errors.New("no active recording")

// StartRecording builds a fresh capture pipeline and starts streaming.
// Exactly one recording can be active at a time.
func (r *Runtime) StartRecording(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec != nil {
		return "", ErrRecordingActive
	}

	source, err := audio.NewExecSource(r.cfg.Audio)
	if err != nil {
		return "", err
	}

	rec := &recording{
		id:   uuid.NewString(),
		acc:  transcript.NewAccumulator(),
		quit: make(chan struct{}),
	}

	var onFrame func(audio.Frame)
	if r.archiver.Enabled() {
		onFrame = func(frame audio.Frame) {
			rec.pcmMu.Lock()
			rec.pcm = append(rec.pcm, frame.PCM...)
			rec.pcmMu.Unlock()
		}
	}

	rec.sup = supervisor.New(supervisor.Options{
		Supervisor:    r.cfg.Supervisor,
		Recognizer:    r.cfg.Recognizer,
		SampleRate:    r.cfg.Audio.SampleRate,
		Channels:      r.cfg.Audio.Channels,
		QueueCapacity: r.cfg.Queue.Capacity,
		Source:        source,
		Dialer:        recognizer.WSDialer{},
		OnEvent:       func(ev recognizer.Event) { r.handleEvent(rec, ev) },
		OnFrame:       onFrame,
		Logger:        r.logger,
	})

	if err := r.store.BeginRecording(ctx, rec.id); err != nil {
		return "", fmt.Errorf("begin recording: %w", err)
	}

	// The pipeline runs until StopRecording or daemon shutdown, not until
	// the caller's (possibly request-scoped) context ends.
	runCtx := r.rootCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	if err := rec.sup.Start(runCtx); err != nil {
		return "", err
	}

	r.wg.Add(1)
	go r.pumpNotices(rec)

	r.rec = rec
	r.logger.Info("recording started", slog.String("recording_id", rec.id))
	return rec.id, nil
}

// StopRecording drains the active pipeline, archives the audio if a dump
// dir is configured, and returns the stable transcript.
func (r *Runtime) StopRecording(ctx context.Context) (string, error) {
	r.mu.Lock()
	rec := r.rec
	r.rec = nil
	r.mu.Unlock()
	if rec == nil {
		return "", errNoRecording
	}

	if err := rec.sup.Stop(ctx); err != nil {
		r.logger.Error("supervisor stop error", slog.String("error", err.Error()))
	}
	close(rec.quit)

	var audioPath string
	if r.archiver.Enabled() {
		rec.pcmMu.Lock()
		pcm := rec.pcm
		rec.pcmMu.Unlock()
		path, err := r.archiver.Write(rec.id, pcm, r.cfg.Audio.SampleRate, r.cfg.Audio.Channels)
		if err != nil {
			r.logger.Error("audio archive failed", slog.String("error", err.Error()))
		} else {
			audioPath = path
		}
	}

	if err := r.store.FinishRecording(ctx, rec.id, audioPath); err != nil {
		r.logger.Error("finish recording failed", slog.String("error", err.Error()))
	}

	stable, _ := rec.acc.Snapshot()
	r.logger.Info("recording stopped",
		slog.String("recording_id", rec.id),
		slog.Int("transcript_chars", len(stable)))
	return stable, nil
}

// handleEvent fans one recognition event out to the accumulator, the bus
// and, for finals, the store. Runs on the supervisor's event pump.
func (r *Runtime) handleEvent(rec *recording, ev recognizer.Event) {
	rec.acc.Apply(ev)

	update := protocol.TranscriptUpdate{
		RecordingID:  rec.id,
		SessionID:    ev.SessionID,
		SegmentIndex: ev.SegmentIndex,
		Text:         ev.Text,
		Partial:      !ev.Final,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.busCl.PublishTranscript(update); err != nil {
		r.logger.Warn("transcript publish failed", slog.String("error", err.Error()))
	}

	if ev.Final {
		err := r.store.AppendSegment(context.Background(), rec.id, transcript.Segment{
			SessionID:    ev.SessionID,
			SegmentIndex: ev.SegmentIndex,
			Text:         ev.Text,
		})
		if err != nil {
			r.logger.Warn("segment persist failed", slog.String("error", err.Error()))
		}
	}
}

// pumpNotices forwards supervisor notices to the bus until the recording
// is torn down.
func (r *Runtime) pumpNotices(rec *recording) {
	defer r.wg.Done()
	for {
		select {
		case n := <-rec.sup.Notices():
			notification := protocol.Notification{
				RecordingID: rec.id,
				Kind:        n.Kind.String(),
				SessionID:   n.SessionID,
				Timestamp:   n.At,
			}
			if n.Err != nil {
				notification.Detail = n.Err.Error()
			}
			if err := r.busCl.PublishNotification(notification); err != nil {
				r.logger.Warn("notification publish failed", slog.String("error", err.Error()))
			}
		case <-rec.quit:
			return
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busCl.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleRecordingStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := r.StartRecording(req.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrRecordingActive) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recording_id": id})
}

func (r *Runtime) handleRecordingStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	transcriptText, err := r.StopRecording(req.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errNoRecording) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcript": transcriptText})
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.mu.Lock()
	rec := r.rec
	r.mu.Unlock()

	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": supervisor.StateIdle.String()})
		return
	}
	stable, interim := rec.acc.Snapshot()
	writeJSON(w, http.StatusOK, map[string]string{
		"recording_id": rec.id,
		"state":        rec.sup.State().String(),
		"stable":       stable,
		"interim":      interim,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
