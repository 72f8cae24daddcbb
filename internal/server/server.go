// Package server exposes the speech pipeline over HTTP.
//
// Routes:
//
//	POST /api/voice/text-to-speech  synthesize a text, reply with base64 audio
//	POST /api/voice/stream          synthesize a text, stream the audio body
//	POST /api/voice/batch           synthesize up to 10 texts concurrently
//	GET  /api/voice/settings        personalities and their voice settings
//	GET  /api/voice/voices          voices offered by the provider
//	GET  /api/voice/health          provider and device health
//	POST /api/voice/speak           play a text on the local output device
//	POST /api/voice/cancel          cancel local playback
//	GET  /api/voice/metrics         request counters and error rate
//	POST /api/voice/metrics/reset   zero the counters
//	GET  /api/voice/errors          recent error records
//	GET  /api/voice/events          WebSocket stream of session events
//	GET  /healthz, /readyz          liveness and readiness probes
//	GET  /metrics                   Prometheus exposition
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/speakstream/internal/errlog"
	"github.com/MrWong99/speakstream/internal/health"
	"github.com/MrWong99/speakstream/internal/observe"
	"github.com/MrWong99/speakstream/internal/speech"
	"github.com/MrWong99/speakstream/pkg/audio/decode"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

const (
	// maxBodyBytes caps request bodies.
	maxBodyBytes = 1 << 20

	// shutdownTimeout bounds graceful shutdown in [Server.Run].
	shutdownTimeout = 10 * time.Second
)

// Config holds the collaborators every route needs.
type Config struct {
	// Provider synthesizes the /text-to-speech, /stream and /batch routes.
	Provider tts.Provider

	// Orchestrator plays /speak requests on the local device and owns the
	// Recorder behind /metrics and /errors.
	Orchestrator *speech.Orchestrator

	Presets *speech.Presets
	Health  *health.Handler

	// Hub feeds /events. It must be registered as an orchestrator observer.
	Hub *Hub

	// Model is sent with synthesis requests.
	Model string
}

// Option configures a [Server].
type Option func(*Server)

// WithErrorStore serves persisted records from /errors?source=store.
func WithErrorStore(s *errlog.Store) Option {
	return func(srv *Server) { srv.errs = s }
}

// WithMetrics wraps every route in [observe.Middleware].
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) { srv.promHandler = h }
}

// WithBatchLimit sets how many texts of a batch are synthesized at once.
func WithBatchLimit(n int) Option {
	return func(srv *Server) {
		if n > 0 {
			srv.batchLimit = n
		}
	}
}

// Server is the HTTP front end.
type Server struct {
	cfg         Config
	rec         *speech.Recorder
	decoders    *decode.Registry
	errs        *errlog.Store
	metrics     *observe.Metrics
	promHandler http.Handler
	batchLimit  int
}

// New returns a Server. Provider, Orchestrator and Presets are required.
func New(cfg Config, opts ...Option) *Server {
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	s := &Server{
		cfg:        cfg,
		rec:        cfg.Orchestrator.Recorder(),
		decoders:   decode.Shared(),
		batchLimit: 4,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/voice/text-to-speech", s.handleTextToSpeech)
	mux.HandleFunc("POST /api/voice/stream", s.handleStream)
	mux.HandleFunc("POST /api/voice/batch", s.handleBatch)
	mux.HandleFunc("GET /api/voice/settings", s.handleSettings)
	mux.HandleFunc("GET /api/voice/voices", s.handleVoices)
	mux.HandleFunc("GET /api/voice/health", s.handleHealth)
	mux.HandleFunc("POST /api/voice/speak", s.handleSpeak)
	mux.HandleFunc("POST /api/voice/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/voice/metrics", s.handleMetrics)
	mux.HandleFunc("POST /api/voice/metrics/reset", s.handleMetricsReset)
	mux.HandleFunc("GET /api/voice/errors", s.handleErrors)
	mux.HandleFunc("GET /api/voice/events", s.handleEvents)
	s.cfg.Health.Register(mux)
	if s.promHandler != nil {
		mux.Handle("GET /metrics", s.promHandler)
	}

	if s.metrics == nil {
		return mux
	}
	return observe.Middleware(s.metrics)(mux)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// textRequest is the body of the synthesis and /speak routes.
type textRequest struct {
	Text        string `json:"text"`
	Personality string `json:"personality"`

	// VoiceID overrides the personality's voice.
	VoiceID string `json:"voice_id"`
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error *speech.ErrorRecord `json:"error"`
}

// decodeBody reads a JSON body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// request resolves the personality of tr and normalises its text.
func (s *Server) request(tr textRequest) tts.Request {
	if guess, ok := s.cfg.Presets.Suggest(tr.Personality); ok {
		slog.Debug("server: unknown personality", "personality", tr.Personality, "did_you_mean", guess)
	}
	sr := s.cfg.Presets.Request(speech.Normalize(tr.Text), tr.Personality)
	if tr.VoiceID != "" {
		sr.VoiceID = tr.VoiceID
	}
	return tts.Request{Text: sr.Text, VoiceID: sr.VoiceID, ModelID: s.cfg.Model, Settings: sr.Settings}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response", "err", err)
	}
}

// badRequest replies 400 with an unknown-category ErrorRecord.
func badRequest(w http.ResponseWriter, err error) {
	rec := speech.NewErrorRecord(err, 0, 0)
	rec.Category = speech.CategoryUnknown
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: rec})
}

// writeError replies with the status code matching rec.
func writeError(w http.ResponseWriter, rec *speech.ErrorRecord) {
	writeJSON(w, statusFor(rec), errorResponse{Error: rec})
}

// statusFor maps an ErrorRecord onto an HTTP status code.
func statusFor(rec *speech.ErrorRecord) int {
	var apiErr *tts.APIError
	switch {
	case errors.As(rec, &apiErr) && apiErr.IsRateLimited():
		return http.StatusTooManyRequests
	case errors.Is(rec, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case rec.Category == speech.CategoryProvider,
		rec.Category == speech.CategoryNetwork,
		rec.Category == speech.CategoryDecode:
		return http.StatusBadGateway
	case rec.Category == speech.CategoryPlayback:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
