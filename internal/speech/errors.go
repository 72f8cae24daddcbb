package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakstream/internal/resilience"
	"github.com/MrWong99/speakstream/pkg/audio/decode"
	"github.com/MrWong99/speakstream/pkg/audio/device"
	"github.com/MrWong99/speakstream/pkg/audio/playback"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// Category classifies a pipeline failure.
type Category string

const (
	// CategoryNetwork is a connection that failed or dropped.
	CategoryNetwork Category = "network"

	// CategoryDecode is audio that could not be decoded.
	CategoryDecode Category = "decode"

	// CategoryPlayback is a failure of the output device.
	CategoryPlayback Category = "playback"

	// CategoryProvider is a non-success answer from the TTS service.
	CategoryProvider Category = "provider"

	// CategoryUnknown is everything else.
	CategoryUnknown Category = "unknown"
)

// Categories lists every category in a stable order.
var Categories = []Category{CategoryNetwork, CategoryDecode, CategoryPlayback, CategoryProvider, CategoryUnknown}

// ErrorRecord describes one failure of a speech session. It is what the
// caller's OnError callback receives and what the [Recorder] keeps in its
// history.
type ErrorRecord struct {
	Category      Category `json:"category"`
	Message       string   `json:"message"`
	TimestampMS   int64    `json:"timestamp_ms"`
	BytesReceived int64    `json:"bytes_received"`
	ChunkCount    int      `json:"chunk_count"`
	SessionID     string   `json:"session_id,omitempty"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

func (e *ErrorRecord) Error() string {
	return string(e.Category) + ": " + e.Message
}

func (e *ErrorRecord) Unwrap() error { return e.Err }

// Time returns the record's timestamp.
func (e *ErrorRecord) Time() time.Time {
	return time.UnixMilli(e.TimestampMS)
}

// NewErrorRecord classifies err and stamps it with the current time and the
// given progress counters. An *ErrorRecord passed as err is returned as a
// copy with the counters updated.
func NewErrorRecord(err error, bytesReceived int64, chunks int) *ErrorRecord {
	var rec *ErrorRecord
	if errors.As(err, &rec) {
		cp := *rec
		cp.BytesReceived = bytesReceived
		cp.ChunkCount = chunks
		return &cp
	}
	return &ErrorRecord{
		Category:      Classify(err),
		Message:       message(err),
		TimestampMS:   time.Now().UnixMilli(),
		BytesReceived: bytesReceived,
		ChunkCount:    chunks,
		Err:           err,
	}
}

// Classify maps err onto the failure taxonomy. Context cancellation is not a
// failure and is reported as [CategoryUnknown]; callers check for it first.
func Classify(err error) Category {
	var (
		rec      *ErrorRecord
		apiErr   *tts.APIError
		decErr   *decode.Error
		netErr   net.Error
		urlErr   *url.Error
		closeErr websocket.CloseError
	)
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.As(err, &rec):
		return rec.Category
	case errors.As(err, &apiErr), errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, tts.ErrMalformedPayload):
		return CategoryProvider
	case errors.As(err, &decErr), errors.Is(err, decode.ErrUnsupported), errors.Is(err, decode.ErrEmpty),
		errors.Is(err, tts.ErrMalformedAudio):
		return CategoryDecode
	case errors.Is(err, device.ErrClosed), errors.Is(err, playback.ErrClosed):
		return CategoryPlayback
	case errors.As(err, &netErr), errors.As(err, &urlErr), errors.As(err, &closeErr),
		errors.Is(err, io.ErrUnexpectedEOF):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

// message renders err for an ErrorRecord. Provider errors carry the status
// code so callers can tell throttling from outages.
func message(err error) string {
	var apiErr *tts.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message == "" {
			return fmt.Sprintf("status %d", apiErr.StatusCode)
		}
		return fmt.Sprintf("status %d: %s", apiErr.StatusCode, apiErr.Message)
	}
	return err.Error()
}

// isCancel reports whether err stems from a cancelled context. An expired
// deadline is a failure, not a cancellation.
func isCancel(err error) bool {
	return errors.Is(err, context.Canceled)
}
