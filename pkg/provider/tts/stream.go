package tts

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultReadSize is the read buffer size used by [NewReaderStream].
const DefaultReadSize = 4096

var (
	// ErrMalformedPayload is returned by [DecodeSingleShot] when the
	// response envelope is not a valid [SingleShot] document.
	ErrMalformedPayload = errors.New("tts: malformed single-shot payload")

	// ErrMalformedAudio is returned by [DecodeSingleShot] when the audio
	// field is not valid base64.
	ErrMalformedAudio = errors.New("tts: malformed single-shot audio")
)

// NewReaderStream exposes a streamed response body as a [Stream]. Each Next
// call performs one Read of up to size bytes.
func NewReaderStream(rc io.ReadCloser, info StreamInfo, size int) Stream {
	if size <= 0 {
		size = DefaultReadSize
	}
	return &readerStream{rc: rc, info: info, size: size}
}

type readerStream struct {
	rc        io.ReadCloser
	info      StreamInfo
	size      int
	closeOnce sync.Once
	closeErr  error
}

func (s *readerStream) Info() StreamInfo { return s.info }

func (s *readerStream) Next() ([]byte, error) {
	for {
		buf := make([]byte, s.size)
		n, err := s.rc.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

func (s *readerStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.rc.Close() })
	return s.closeErr
}

// NewBytesStream exposes an already complete payload as a single-piece
// [Stream].
func NewBytesStream(data []byte, info StreamInfo) Stream {
	return &bytesStream{data: data, info: info}
}

type bytesStream struct {
	data []byte
	info StreamInfo
	done bool
}

func (s *bytesStream) Info() StreamInfo { return s.info }

func (s *bytesStream) Next() ([]byte, error) {
	if s.done || len(s.data) == 0 {
		return nil, io.EOF
	}
	s.done = true
	return s.data, nil
}

func (s *bytesStream) Close() error { return nil }

// SingleShot is the JSON body of a non-streaming synthesis response.
type SingleShot struct {
	Audio       string  `json:"audio"`
	ContentType string  `json:"content_type"`
	LatencyMS   int64   `json:"latency_ms"`
	Duration    float64 `json:"duration,omitempty"`
	VoiceID     string  `json:"voice_id,omitempty"`
}

// EncodeSingleShot wraps audio bytes in a [SingleShot] payload.
func EncodeSingleShot(audio []byte, contentType string, latency time.Duration) SingleShot {
	return SingleShot{
		Audio:       base64.StdEncoding.EncodeToString(audio),
		ContentType: contentType,
		LatencyMS:   latency.Milliseconds(),
	}
}

// DecodeSingleShot reads a [SingleShot] payload and returns it as a
// [Stream].
func DecodeSingleShot(r io.Reader) (Stream, error) {
	var payload SingleShot
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		var (
			syntaxErr *json.SyntaxError
			typeErr   *json.UnmarshalTypeError
		)
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		// Truncated or failed reads keep their transport error.
		return nil, fmt.Errorf("tts: read single-shot payload: %w", err)
	}
	if payload.ContentType == "" {
		return nil, fmt.Errorf("%w: no content_type", ErrMalformedPayload)
	}
	audio, err := base64.StdEncoding.DecodeString(payload.Audio)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedAudio, err)
	}
	return NewBytesStream(audio, StreamInfo{
		ContentType:     payload.ContentType,
		Transport:       TransportSingleShot,
		ProviderLatency: time.Duration(payload.LatencyMS) * time.Millisecond,
		VoiceID:         payload.VoiceID,
	}), nil
}

// ReadAll drains s and returns the concatenated audio.
func ReadAll(s Stream) ([]byte, error) {
	var out []byte
	for {
		b, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, b...)
	}
}
