package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/speakstream/internal/errlog"
	"github.com/MrWong99/speakstream/internal/health"
	"github.com/MrWong99/speakstream/internal/observe"
	"github.com/MrWong99/speakstream/internal/speech"
)

type settingsResponse struct {
	Default       string          `json:"default"`
	Model         string          `json:"model,omitempty"`
	Personalities []speech.Preset `json:"personalities"`
}

// handleSettings handles GET /api/voice/settings.
func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settingsResponse{
		Default:       s.cfg.Presets.Fallback(),
		Model:         s.cfg.Model,
		Personalities: s.cfg.Presets.All(),
	})
}

// handleVoices handles GET /api/voice/voices.
func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.cfg.Provider.ListVoices(r.Context())
	if err != nil {
		writeError(w, speech.NewErrorRecord(err, 0, 0))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

// handleHealth handles GET /api/voice/health. A degraded service still
// answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.cfg.Health.Report(r.Context())
	status := http.StatusOK
	if rep.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

type speakResponse struct {
	SessionID  string `json:"session_id"`
	Generation uint64 `json:"generation"`
}

// handleSpeak handles POST /api/voice/speak. It returns once playback has
// started; progress is reported on /events.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var tr textRequest
	if err := decodeBody(w, r, &tr); err != nil {
		badRequest(w, err)
		return
	}
	sr := s.cfg.Presets.Request(tr.Text, tr.Personality)
	if tr.VoiceID != "" {
		sr.VoiceID = tr.VoiceID
	}
	sr.ModelID = s.cfg.Model

	// The session outlives the request.
	ctx := context.WithoutCancel(r.Context())
	h, err := s.cfg.Orchestrator.SpeakRequest(ctx, sr, speech.Callbacks{})
	if err != nil {
		var rec *speech.ErrorRecord
		switch {
		case errors.As(err, &rec):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: rec})
		case errors.Is(err, speech.ErrClosed):
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: speech.NewErrorRecord(err, 0, 0)})
		default:
			writeError(w, speech.NewErrorRecord(err, 0, 0))
		}
		return
	}
	observe.Logger(r.Context()).Info("server: speaking", "session", h.ID(), "voice", sr.VoiceID)
	writeJSON(w, http.StatusAccepted, speakResponse{SessionID: h.ID(), Generation: h.Generation()})
}

// handleCancel handles POST /api/voice/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	id, _, _ := s.cfg.Orchestrator.Current()
	cancelled := s.cfg.Orchestrator.Cancel()
	resp := map[string]any{"cancelled": cancelled}
	if cancelled {
		resp["session_id"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMetrics handles GET /api/voice/metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.Snapshot())
}

// handleMetricsReset handles POST /api/voice/metrics/reset.
func (s *Server) handleMetricsReset(w http.ResponseWriter, _ *http.Request) {
	s.rec.Reset()
	w.WriteHeader(http.StatusNoContent)
}

type errorsResponse struct {
	Source  string               `json:"source"`
	Records []speech.ErrorRecord `json:"records"`
}

// handleErrors handles GET /api/voice/errors. Query parameters:
//
//	limit     maximum number of records (default 20)
//	source    "memory" (default) or "store"
//	session   store only: filter by session id
//	category  store only: filter by category
//	since     store only: Unix milliseconds lower bound
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, fmt.Errorf("limit must be a positive integer, got %q", v))
			return
		}
		limit = min(n, speech.DefaultErrorHistory)
	}

	switch q.Get("source") {
	case "", "memory":
		writeJSON(w, http.StatusOK, errorsResponse{Source: "memory", Records: orEmpty(s.rec.Errors(limit))})
	case "store":
		if s.errs == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: &speech.ErrorRecord{
				Category:    speech.CategoryUnknown,
				Message:     "error store is not configured",
				TimestampMS: time.Now().UnixMilli(),
			}})
			return
		}
		f := errlog.Filter{SessionID: q.Get("session"), Category: speech.Category(q.Get("category"))}
		if v := q.Get("since"); v != "" {
			since, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				badRequest(w, fmt.Errorf("since must be Unix milliseconds, got %q", v))
				return
			}
			f.SinceMS = since
		}
		recs, err := s.errs.Recent(r.Context(), f, limit)
		if err != nil {
			writeError(w, speech.NewErrorRecord(err, 0, 0))
			return
		}
		writeJSON(w, http.StatusOK, errorsResponse{Source: "store", Records: orEmpty(recs)})
	default:
		badRequest(w, fmt.Errorf("unknown source %q", q.Get("source")))
	}
}

func orEmpty(recs []speech.ErrorRecord) []speech.ErrorRecord {
	if recs == nil {
		return []speech.ErrorRecord{}
	}
	return recs
}
