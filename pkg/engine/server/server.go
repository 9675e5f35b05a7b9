// Package server assembles the engine's HTTP surface: the media-stream
// websocket, the voice webhook, health probes, and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sawt-health/sawt/pkg/core/survey"
	"github.com/sawt-health/sawt/pkg/core/voice/stt"
	"github.com/sawt-health/sawt/pkg/core/voice/tts"
	"github.com/sawt-health/sawt/pkg/engine/calls"
	"github.com/sawt-health/sawt/pkg/engine/config"
	"github.com/sawt-health/sawt/pkg/engine/handlers"
	"github.com/sawt-health/sawt/pkg/engine/lifecycle"
	"github.com/sawt-health/sawt/pkg/engine/metrics"
	"github.com/sawt-health/sawt/pkg/engine/mw"
	"github.com/sawt-health/sawt/pkg/engine/submit"
)

const queueDepthPollInterval = 15 * time.Second

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *lifecycle.Lifecycle
	calls     *calls.Tracker
	metrics   *metrics.Metrics
	templates *survey.HTTPSource
	stt       stt.Provider
	tts       tts.Provider
	queue     *submit.Queue
	submitter *submit.Submitter
}

func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New("")

	queue, err := submit.OpenQueue(cfg.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("open fallback queue: %w", err)
	}
	minter, err := submit.NewCredentialMinter([]byte(cfg.SubmitSecret), cfg.EngineID, cfg.SubmitEndpoint)
	if err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("credential minter: %w", err)
	}
	submitter, err := submit.NewSubmitter(cfg.SubmitEndpoint, minter,
		submit.WithQueue(queue),
		submit.WithLogger(logger),
		submit.WithMaxAttempts(cfg.SubmitMaxAttempts),
		submit.WithBackoff(cfg.SubmitBackoff),
		submit.WithReplayInterval(cfg.ReplayInterval),
		submit.WithSubmitTimeout(cfg.SubmitTimeout),
		submit.WithObserver(func(r submit.Result) {
			m.RecordSubmission(string(r))
			switch r {
			case submit.ResultRejected, submit.ResultQueued, submit.ResultLost:
				m.RecordAlert(string(r))
			}
		}),
	)
	if err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("submitter: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		calls:     calls.NewTracker(),
		metrics:   m,
		templates: survey.NewHTTPSource(cfg.TemplateBaseURL, cfg.TemplateAPIKey),
		stt:       stt.NewHTTP(cfg.STTBaseURL, cfg.STTAPIKey),
		tts:       tts.NewHTTP(cfg.TTSBaseURL, cfg.TTSAPIKey),
		queue:     queue,
		submitter: submitter,
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.NotFoundHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/stream", handlers.StreamHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
		Templates: s.templates,
		STT:       s.stt,
		TTS:       s.tts,
		Submitter: s.submitter,
		Metrics:   s.metrics,
	})
	s.mux.Handle("/v1/voice", handlers.VoiceHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// StartBackground launches the queue replayer and the queue-depth gauge.
// The returned stop function halts both.
func (s *Server) StartBackground(ctx context.Context) (stop func()) {
	pollCtx, cancel := context.WithCancel(ctx)
	stopReplay := s.submitter.StartReplayer(pollCtx)

	go func() {
		ticker := time.NewTicker(queueDepthPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				depth, err := s.submitter.QueueDepth(pollCtx)
				if err != nil {
					continue
				}
				s.metrics.SetQueueDepth(depth)
			}
		}
	}()

	return func() {
		cancel()
		stopReplay()
	}
}

// SetDraining flips the engine into drain mode: the readiness probe goes
// not-ready and new stream handshakes are refused.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnCallsDraining tells every live call that the engine is shutting down.
func (s *Server) WarnCallsDraining() {
	s.calls.WarnAll("draining")
}

// WaitCalls blocks until all live calls finish or ctx expires; it reports
// whether the tracker drained.
func (s *Server) WaitCalls(ctx context.Context) bool {
	return s.calls.Wait(ctx)
}

// CancelCalls force-terminates every live call.
func (s *Server) CancelCalls() {
	s.calls.CancelAll()
}

// WaitSubmissions blocks until in-flight submissions finish or ctx expires.
func (s *Server) WaitSubmissions(ctx context.Context) bool {
	return s.submitter.Wait(ctx)
}

// Close releases the fallback queue.
func (s *Server) Close() error {
	return s.queue.Close()
}
