// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a remote speech synthesis service (ElevenLabs, a Coqui
// server, or another speakstream gateway) and presents its response as a
// [Stream]: a lazy, finite, single-use sequence of encoded audio bytes. Both
// transport shapes a service may use are exposed through the same interface:
// a streamed binary body yields bytes as they arrive, while a single-shot
// JSON payload with base64 audio yields its decoded bytes at once.
//
// Providers never retry. A failed or exhausted stream can only be replaced by
// opening a new one.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"time"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Open sends req to the service and returns the response stream once the
	// service accepted the request. A non-success status is returned as an
	// [*APIError]; transport failures are returned wrapped.
	//
	// Cancelling ctx aborts the request and any in-progress stream reads.
	Open(ctx context.Context, req Request) (Stream, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Pinger is implemented by providers that can verify their credentials and
// connectivity without synthesizing audio.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stream is one synthesized audio response.
//
// Next and Close must not be called concurrently with each other.
type Stream interface {
	// Info describes the audio carried by the stream.
	Info() StreamInfo

	// Next returns the next piece of audio. Pieces are arbitrary byte runs
	// and need not align with codec frames. Next returns io.EOF after the
	// last piece and a transport error if the connection drops.
	Next() ([]byte, error)

	// Close releases the underlying connection. It is safe to call Close
	// more than once and before the stream is exhausted.
	Close() error
}

// Transport identifies how a response is delivered.
type Transport string

const (
	// TransportStream is a streamed binary HTTP body.
	TransportStream Transport = "http-stream"

	// TransportSingleShot is a JSON body carrying base64 audio, content_type
	// and latency_ms.
	TransportSingleShot Transport = "http-json"

	// TransportWebSocket is the ElevenLabs stream-input WebSocket protocol.
	TransportWebSocket Transport = "websocket"
)

// StreamInfo describes a [Stream].
type StreamInfo struct {
	// ContentType is the MIME type of the audio bytes, with parameters.
	ContentType string

	Transport Transport

	// ProviderLatency is the synthesis latency reported or measured for a
	// single-shot response. Zero when unknown.
	ProviderLatency time.Duration

	// VoiceID is the voice that rendered the audio, when known.
	VoiceID string
}
