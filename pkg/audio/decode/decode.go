// Package decode turns opaque audio payloads into playback-ready PCM buffers.
//
// Decoders are selected by MIME content type through a [Registry]. Decoding
// is stateless per chunk: every [audio.Chunk] must be decodable on its own.
// Decoders that can split a continuous byte stream into such pieces also
// implement [Framer], which the stream fetcher uses to cut chunks at safe
// boundaries.
//
// The process-wide registry returned by [Shared] is allocated once and reused
// by every session.
package decode

import (
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"

	"github.com/MrWong99/speakstream/pkg/audio"
)

// ErrUnsupported is returned for content types without a registered decoder.
var ErrUnsupported = errors.New("decode: unsupported content type")

// ErrEmpty is returned when a chunk carries no audio data.
var ErrEmpty = errors.New("decode: empty chunk")

// Media types understood by the default registry.
const (
	TypePCM  = "audio/pcm"
	TypeWAV  = "audio/wav"
	TypeMPEG = "audio/mpeg"
)

// Decoder converts a self-contained payload into signed 16-bit PCM. The
// returned buffer carries the payload's native format; conversion to the
// device format is the caller's concern.
type Decoder interface {
	Decode(data []byte, params map[string]string) (audio.Buffer, error)
}

// Framer is implemented by decoders whose input stream can be cut into
// independently decodable pieces.
type Framer interface {
	// Boundary returns the length of the longest prefix of data that ends on
	// a decodable boundary. It returns 0 when no complete unit is available.
	Boundary(data []byte, params map[string]string) int
}

// Error describes a failure to decode one chunk.
type Error struct {
	Seq         int
	ContentType string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode: chunk %d (%s): %v", e.Seq, e.ContentType, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Registry maps media types to decoders. All methods are safe for concurrent
// use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry returns a registry with the PCM, WAV and MP3 decoders
// registered, including their common aliases.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	r.Register(TypePCM, PCM{})
	r.Register("audio/x-pcm", PCM{})
	r.Register(TypeWAV, WAV{})
	r.Register("audio/x-wav", WAV{})
	r.Register("audio/wave", WAV{})
	r.Register(TypeMPEG, MP3{})
	r.Register("audio/mp3", MP3{})
	return r
}

var shared = sync.OnceValue(NewRegistry)

// Shared returns the process-wide registry.
func Shared() *Registry {
	return shared()
}

// Register installs d for mediaType, replacing any previous decoder.
func (r *Registry) Register(mediaType string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[strings.ToLower(mediaType)] = d
}

// Lookup resolves contentType (parameters allowed) to its decoder.
func (r *Registry) Lookup(contentType string) (Decoder, map[string]string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupported, contentType)
	}
	r.mu.RLock()
	d, ok := r.decoders[mediaType]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupported, mediaType)
	}
	return d, params, nil
}

// Supports reports whether contentType has a registered decoder.
func (r *Registry) Supports(contentType string) bool {
	_, _, err := r.Lookup(contentType)
	return err == nil
}

// Decode decodes chunk with the decoder registered for its content type.
// Every failure is returned as an [*Error].
func (r *Registry) Decode(chunk audio.Chunk) (audio.Buffer, error) {
	d, params, err := r.Lookup(chunk.ContentType)
	if err != nil {
		return audio.Buffer{}, &Error{Seq: chunk.Seq, ContentType: chunk.ContentType, Err: err}
	}
	if len(chunk.Data) == 0 {
		return audio.Buffer{}, &Error{Seq: chunk.Seq, ContentType: chunk.ContentType, Err: ErrEmpty}
	}
	buf, err := d.Decode(chunk.Data, params)
	if err != nil {
		return audio.Buffer{}, &Error{Seq: chunk.Seq, ContentType: chunk.ContentType, Err: err}
	}
	buf.Seq = chunk.Seq
	return buf, nil
}

// Boundary reports where a stream of contentType may be cut. ok is false when
// the decoder needs the complete payload, in which case the caller must not
// split the stream at all.
func (r *Registry) Boundary(contentType string, data []byte) (n int, ok bool) {
	d, params, err := r.Lookup(contentType)
	if err != nil {
		return 0, false
	}
	f, ok := d.(Framer)
	if !ok {
		return 0, false
	}
	return f.Boundary(data, params), true
}
