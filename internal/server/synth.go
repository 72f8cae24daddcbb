package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speakstream/internal/observe"
	"github.com/MrWong99/speakstream/internal/speech"
	"github.com/MrWong99/speakstream/pkg/audio"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// MaxBatch is the largest number of texts one /batch request may carry.
const MaxBatch = 10

// estimateBytesPerSecond converts an undecodable payload size into seconds,
// assuming 128 kbps MP3.
const estimateBytesPerSecond = 16000

// synthesis is one completed synthesis.
type synthesis struct {
	audio   []byte
	info    tts.StreamInfo
	latency time.Duration
	voiceID string
}

// synthesize opens a stream for req and reads it to the end. Failures are
// counted by the recorder and persisted like session errors.
func (s *Server) synthesize(ctx context.Context, req tts.Request) (*synthesis, *speech.ErrorRecord) {
	ctx, span := observe.StartSynthesisSpan(ctx, req.VoiceID, req.ModelID)
	defer span.End()

	start := time.Now()
	s.rec.RecordRequestStart()

	stream, err := s.cfg.Provider.Open(ctx, req)
	if err != nil {
		observe.FailSpan(span, err)
		return nil, s.failed(ctx, err, 0, 0)
	}
	defer stream.Close()
	info := stream.Info()
	observe.SetStreamInfo(span, info.ContentType, string(info.Transport))

	var (
		data   []byte
		chunks int
	)
	for {
		b, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			observe.FailSpan(span, err)
			return nil, s.failed(ctx, err, int64(len(data)), chunks)
		}
		if chunks == 0 {
			s.rec.RecordFirstByte(time.Since(start))
		}
		data = append(data, b...)
		chunks++
	}

	elapsed := time.Since(start)
	observe.SetProgress(span, int64(len(data)), chunks)
	s.rec.RecordCompletion(int64(len(data)), elapsed, chunks)
	s.rec.RecordSessionEnd(speech.StatusCompleted)

	info = stream.Info()
	latency := info.ProviderLatency
	if latency == 0 {
		latency = elapsed
	}
	voiceID := info.VoiceID
	if voiceID == "" {
		voiceID = req.VoiceID
	}
	return &synthesis{audio: data, info: info, latency: latency, voiceID: voiceID}, nil
}

// failed records err and returns its ErrorRecord.
func (s *Server) failed(ctx context.Context, err error, bytesReceived int64, chunks int) *speech.ErrorRecord {
	rec := speech.NewErrorRecord(err, bytesReceived, chunks)
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		s.rec.RecordSessionEnd(speech.StatusCancelled)
		return rec
	}
	s.rec.RecordError(*rec)
	s.rec.RecordSessionEnd(speech.StatusErrored)
	if s.errs != nil {
		s.errs.Observe(speech.Event{Type: speech.EventError, Time: time.Now(), Error: rec})
	}
	observe.Logger(ctx).Warn("server: synthesis failed", "category", rec.Category, "err", rec.Message)
	return rec
}

// duration returns the playback length of data in seconds: the decoded
// length when a decoder is registered, otherwise an estimate from its size.
func (s *Server) duration(data []byte, contentType string) float64 {
	if buf, err := s.decoders.Decode(audio.Chunk{Data: data, ContentType: contentType}); err == nil {
		return buf.Duration().Seconds()
	}
	return float64(len(data)) / estimateBytesPerSecond
}

// singleShot renders syn in the single-shot JSON shape.
func (s *Server) singleShot(syn *synthesis) tts.SingleShot {
	out := tts.EncodeSingleShot(syn.audio, syn.info.ContentType, syn.latency)
	out.Duration = s.duration(syn.audio, syn.info.ContentType)
	out.VoiceID = syn.voiceID
	return out
}

// handleTextToSpeech handles POST /api/voice/text-to-speech.
func (s *Server) handleTextToSpeech(w http.ResponseWriter, r *http.Request) {
	var tr textRequest
	if err := decodeBody(w, r, &tr); err != nil {
		badRequest(w, err)
		return
	}
	req := s.request(tr)
	if err := req.Validate(); err != nil {
		badRequest(w, err)
		return
	}

	syn, rec := s.synthesize(r.Context(), req)
	if rec != nil {
		writeError(w, rec)
		return
	}
	writeJSON(w, http.StatusOK, s.singleShot(syn))
}

// handleStream handles POST /api/voice/stream. Headers are sent once the
// first audio arrives so an early failure can still be reported as JSON.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var tr textRequest
	if err := decodeBody(w, r, &tr); err != nil {
		badRequest(w, err)
		return
	}
	req := s.request(tr)
	if err := req.Validate(); err != nil {
		badRequest(w, err)
		return
	}

	ctx := r.Context()
	start := time.Now()
	s.rec.RecordRequestStart()

	stream, err := s.cfg.Provider.Open(ctx, req)
	if err != nil {
		writeError(w, s.failed(ctx, err, 0, 0))
		return
	}
	defer stream.Close()

	first, err := stream.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, s.failed(ctx, err, 0, 0))
		return
	}

	info := stream.Info()
	voiceID := info.VoiceID
	if voiceID == "" {
		voiceID = req.VoiceID
	}
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Voice-ID", voiceID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	var (
		total  int64
		chunks int
	)
	for b := first; ; {
		if len(b) > 0 {
			if chunks == 0 {
				s.rec.RecordFirstByte(time.Since(start))
			}
			if _, werr := w.Write(b); werr != nil {
				// The client went away; that is a cancel, not a failure.
				s.rec.RecordSessionEnd(speech.StatusCancelled)
				observe.Logger(ctx).Debug("server: stream client gone", "err", werr)
				return
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				observe.Logger(ctx).Debug("server: flush failed", "err", ferr)
			}
			total += int64(len(b))
			chunks++
		}
		if errors.Is(err, io.EOF) {
			break
		}
		b, err = stream.Next()
		if err != nil && !errors.Is(err, io.EOF) {
			// Headers are gone; the truncated body is all the client sees.
			s.failed(ctx, err, total, chunks)
			return
		}
	}

	s.rec.RecordCompletion(total, time.Since(start), chunks)
	s.rec.RecordSessionEnd(speech.StatusCompleted)
}

// batchRequest is the body of POST /api/voice/batch.
type batchRequest struct {
	Texts       []string `json:"texts"`
	Personality string   `json:"personality"`
}

// batchResult is the outcome for one text of a batch.
type batchResult struct {
	Index   int                 `json:"index"`
	Text    string              `json:"text"`
	Success bool                `json:"success"`
	Result  *tts.SingleShot     `json:"result,omitempty"`
	Error   *speech.ErrorRecord `json:"error,omitempty"`
}

type batchResponse struct {
	Results   []batchResult `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// handleBatch handles POST /api/voice/batch. Texts are synthesized
// concurrently; one failure does not affect the others.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var br batchRequest
	if err := decodeBody(w, r, &br); err != nil {
		badRequest(w, err)
		return
	}
	if n := len(br.Texts); n == 0 || n > MaxBatch {
		badRequest(w, fmt.Errorf("texts must hold 1 to %d entries, got %d", MaxBatch, n))
		return
	}

	results := make([]batchResult, len(br.Texts))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(s.batchLimit)
	for i, text := range br.Texts {
		results[i] = batchResult{Index: i, Text: text}
		g.Go(func() error {
			req := s.request(textRequest{Text: text, Personality: br.Personality})
			if err := req.Validate(); err != nil {
				rec := speech.NewErrorRecord(err, 0, 0)
				rec.Category = speech.CategoryUnknown
				results[i].Error = rec
				return nil
			}
			syn, rec := s.synthesize(ctx, req)
			if rec != nil {
				results[i].Error = rec
				return nil
			}
			shot := s.singleShot(syn)
			results[i].Result = &shot
			results[i].Success = true
			return nil
		})
	}
	_ = g.Wait()

	resp := batchResponse{Results: results}
	for _, res := range results {
		if res.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	slog.Debug("server: batch done", "texts", len(results), "failed", resp.Failed)
	writeJSON(w, http.StatusOK, resp)
}
