package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// DefaultChunkBytes is the target size of chunks produced by a [Sequence].
const DefaultChunkBytes = 4096

// SpeechRequest is one request to speak a text.
type SpeechRequest struct {
	Text    string
	VoiceID string

	// ModelID and Settings are optional provider parameters.
	ModelID  string
	Settings *tts.VoiceSettings
}

// Framer finds where an encoded stream may be cut into independently
// decodable pieces. *decode.Registry implements it.
type Framer interface {
	// Boundary returns the largest n such that data[:n] decodes on its own.
	// ok is false when the content type must not be split at all.
	Boundary(contentType string, data []byte) (n int, ok bool)
}

// FetcherOption configures a [Fetcher].
type FetcherOption func(*Fetcher)

// WithChunkBytes sets the target chunk size. Odd sizes are rounded up so
// 16-bit samples are never split.
func WithChunkBytes(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.chunkBytes = n + n%2
		}
	}
}

// WithModel sets the model sent with requests that do not name one.
func WithModel(model string) FetcherOption {
	return func(f *Fetcher) { f.model = model }
}

// Fetcher opens synthesis streams and cuts them into audio chunks.
type Fetcher struct {
	provider   tts.Provider
	framer     Framer
	chunkBytes int
	model      string
}

// NewFetcher returns a Fetcher reading from provider. framer decides where
// streams may be split; a nil framer delivers every stream as one chunk.
func NewFetcher(provider tts.Provider, framer Framer, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		provider:   provider,
		framer:     framer,
		chunkBytes: DefaultChunkBytes,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Open sends req to the provider. Failures are returned as an [*ErrorRecord]
// classified network, provider or unknown; a cancelled ctx returns ctx's
// error unchanged. No request is retried.
func (f *Fetcher) Open(ctx context.Context, req SpeechRequest) (*Sequence, error) {
	treq := tts.Request{
		Text:     req.Text,
		VoiceID:  req.VoiceID,
		ModelID:  req.ModelID,
		Settings: req.Settings,
	}
	if treq.ModelID == "" {
		treq.ModelID = f.model
	}
	if err := treq.Validate(); err != nil {
		return nil, &ErrorRecord{
			Category:    CategoryUnknown,
			Message:     err.Error(),
			TimestampMS: time.Now().UnixMilli(),
			Err:         err,
		}
	}

	start := time.Now()
	stream, err := f.provider.Open(ctx, treq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewErrorRecord(err, 0, 0)
	}
	return &Sequence{
		ctx:    ctx,
		stream: stream,
		info:   stream.Info(),
		framer: f.framer,
		size:   f.chunkBytes,
		start:  start,
	}, nil
}

// Sequence is the lazy, finite, single-use sequence of chunks of one
// response. It is not safe for concurrent use.
type Sequence struct {
	ctx    context.Context
	stream tts.Stream
	info   tts.StreamInfo
	framer Framer
	size   int
	start  time.Time

	pending   []byte
	eof       bool
	seq       int
	received  int64
	firstByte time.Duration
}

// Info describes the underlying stream.
func (s *Sequence) Info() tts.StreamInfo { return s.info }

// BytesReceived returns the number of audio bytes read from the network.
func (s *Sequence) BytesReceived() int64 { return s.received }

// ChunkCount returns the number of chunks delivered so far.
func (s *Sequence) ChunkCount() int { return s.seq }

// FirstByte returns the time from Open to the first audio byte, or zero
// before any byte arrived.
func (s *Sequence) FirstByte() time.Duration { return s.firstByte }

// Next returns the next chunk in arrival order. It returns io.EOF once the
// stream is exhausted, ctx's error after cancellation and an [*ErrorRecord]
// if the connection fails.
func (s *Sequence) Next() (audio.Chunk, error) {
	for {
		if data, ok := s.cut(); ok {
			c := audio.Chunk{Seq: s.seq, Data: data, ContentType: s.info.ContentType}
			s.seq++
			return c, nil
		}
		if s.eof {
			return audio.Chunk{}, io.EOF
		}

		b, err := s.stream.Next()
		if len(b) > 0 {
			if s.received == 0 {
				s.firstByte = time.Since(s.start)
			}
			s.received += int64(len(b))
			s.pending = append(s.pending, b...)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			s.eof = true
		case s.ctx.Err() != nil:
			return audio.Chunk{}, s.ctx.Err()
		default:
			return audio.Chunk{}, NewErrorRecord(err, s.received, s.seq)
		}
	}
}

// cut removes the next chunk from the pending bytes if one is ready.
func (s *Sequence) cut() ([]byte, bool) {
	if len(s.pending) == 0 {
		return nil, false
	}
	if s.eof {
		return s.take(len(s.pending)), true
	}
	if len(s.pending) < s.size || s.framer == nil {
		return nil, false
	}
	n, framable := s.framer.Boundary(s.info.ContentType, s.pending[:s.size])
	if !framable {
		// Needs the complete payload.
		return nil, false
	}
	if n == 0 {
		// A single frame larger than the chunk size.
		n, _ = s.framer.Boundary(s.info.ContentType, s.pending)
	}
	if n == 0 {
		return nil, false
	}
	return s.take(n), true
}

func (s *Sequence) take(n int) []byte {
	data := bytes.Clone(s.pending[:n])
	s.pending = s.pending[n:]
	return data
}

// Close releases the connection. It is safe to call more than once.
func (s *Sequence) Close() error {
	return s.stream.Close()
}
