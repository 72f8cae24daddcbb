// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct requests are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks:      [][]byte{pcm[:512], pcm[512:]},
//	    ContentType: "audio/pcm; rate=16000; channels=1",
//	}
//	s, _ := p.Open(ctx, tts.Request{Text: "hi", VoiceID: "v1"})
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// OpenCall records a single invocation of Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Request is the request passed to Open.
	Request tts.Request
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of audio byte slices returned by the stream's
	// Next calls, followed by io.EOF.
	Chunks [][]byte

	// ContentType is reported in the stream's Info. Defaults to 16 kHz mono PCM.
	ContentType string

	// Transport is reported in the stream's Info. Defaults to TransportStream.
	Transport tts.Transport

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// StreamErr, if non-nil, is returned by Next after all Chunks were
	// delivered instead of io.EOF.
	StreamErr error

	// ChunkDelay is slept before each chunk. A cancelled context interrupts
	// the wait and Next returns the context's error.
	ChunkDelay time.Duration

	// Gate, if non-nil, must yield a value before each chunk is delivered.
	// Closing it releases all remaining chunks.
	Gate chan struct{}

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// PingErr is returned by Ping.
	PingErr error

	// --- Call records ---

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall

	// Closed counts streams closed by their consumer.
	Closed int
}

// Open records the call and, if OpenErr is nil, returns a stream that yields
// Chunks then io.EOF (or StreamErr).
func (p *Provider) Open(ctx context.Context, req tts.Request) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Request: req})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	info := tts.StreamInfo{
		ContentType: p.ContentType,
		Transport:   p.Transport,
		VoiceID:     req.VoiceID,
	}
	if info.ContentType == "" {
		info.ContentType = "audio/pcm; rate=16000; channels=1"
	}
	if info.Transport == "" {
		info.Transport = tts.TransportStream
	}
	return &stream{
		ctx:    ctx,
		p:      p,
		info:   info,
		chunks: chunks,
		err:    p.StreamErr,
		delay:  p.ChunkDelay,
		gate:   p.Gate,
	}, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// Ping returns PingErr.
func (p *Provider) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PingErr
}

// Calls returns a copy of the recorded Open calls. Thread-safe.
func (p *Provider) Calls() []OpenCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OpenCall, len(p.OpenCalls))
	copy(out, p.OpenCalls)
	return out
}

// ClosedCount returns the number of streams closed so far. Thread-safe.
func (p *Provider) ClosedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = nil
	p.ListVoicesCalls = nil
	p.Closed = 0
}

type stream struct {
	ctx    context.Context
	p      *Provider
	info   tts.StreamInfo
	chunks [][]byte
	err    error
	delay  time.Duration
	gate   chan struct{}
	once   sync.Once
}

func (s *stream) Info() tts.StreamInfo { return s.info }

func (s *stream) Next() ([]byte, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return nil, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.p.mu.Lock()
		s.p.Closed++
		s.p.mu.Unlock()
	})
	return nil
}

// Compile-time interface assertions.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Pinger   = (*Provider)(nil)
)
