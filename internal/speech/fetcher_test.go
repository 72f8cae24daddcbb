package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/MrWong99/speakstream/pkg/audio/decode"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
	"github.com/MrWong99/speakstream/pkg/provider/tts/mock"
)

// collect drains seq and returns the chunk sizes.
func collect(t *testing.T, seq *Sequence) ([]int, []byte) {
	t.Helper()
	var (
		sizes []int
		all   []byte
	)
	for want := 0; ; want++ {
		c, err := seq.Next()
		if errors.Is(err, io.EOF) {
			return sizes, all
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if c.Seq != want {
			t.Fatalf("chunk Seq = %d, want %d", c.Seq, want)
		}
		sizes = append(sizes, len(c.Data))
		all = append(all, c.Data...)
	}
}

func pcmBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestFetcher_ReframesPCM(t *testing.T) {
	t.Parallel()

	data := pcmBytes(1536)
	p := &mock.Provider{Chunks: [][]byte{data[:300], data[300:1001], data[1001:]}}
	f := NewFetcher(p, decode.Shared(), WithChunkBytes(512))

	seq, err := f.Open(context.Background(), SpeechRequest{Text: "Hello there!", VoiceID: "v1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seq.Close()

	sizes, all := collect(t, seq)
	if want := []int{512, 512, 512}; !equalInts(sizes, want) {
		t.Errorf("chunk sizes = %v, want %v", sizes, want)
	}
	if !bytes.Equal(all, data) {
		t.Error("reassembled bytes differ from the provider's")
	}
	if seq.BytesReceived() != 1536 || seq.ChunkCount() != 3 {
		t.Errorf("received/chunks = %d/%d, want 1536/3", seq.BytesReceived(), seq.ChunkCount())
	}
	if seq.FirstByte() <= 0 {
		t.Error("FirstByte not measured")
	}
}

func TestFetcher_OddChunkSizeKeepsSamplesWhole(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Chunks: [][]byte{pcmBytes(1000)}}
	f := NewFetcher(p, decode.Shared(), WithChunkBytes(333))

	seq, err := f.Open(context.Background(), SpeechRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sizes, _ := collect(t, seq)
	for i, n := range sizes[:len(sizes)-1] {
		if n%2 != 0 {
			t.Errorf("chunk %d has %d bytes, want an even size", i, n)
		}
	}
}

func TestFetcher_UnframableTypeIsOneChunk(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		ContentType: "audio/wav",
		Chunks:      [][]byte{pcmBytes(5000), pcmBytes(5000)},
	}
	f := NewFetcher(p, decode.Shared(), WithChunkBytes(1024))

	seq, err := f.Open(context.Background(), SpeechRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sizes, _ := collect(t, seq)
	if want := []int{10000}; !equalInts(sizes, want) {
		t.Errorf("chunk sizes = %v, want %v", sizes, want)
	}
}

func TestFetcher_OpenErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		openErr error
		text    string
		want    Category
	}{
		{"empty text", nil, "   ", CategoryUnknown},
		{"rate limited", &tts.APIError{Provider: "mock", StatusCode: 429, Message: "slow down"}, "hi", CategoryProvider},
		{"connection reset", io.ErrUnexpectedEOF, "hi", CategoryNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &mock.Provider{OpenErr: tt.openErr}
			_, err := NewFetcher(p, nil).Open(context.Background(), SpeechRequest{Text: tt.text})

			var rec *ErrorRecord
			if !errors.As(err, &rec) {
				t.Fatalf("Open error = %v, want *ErrorRecord", err)
			}
			if rec.Category != tt.want {
				t.Errorf("Category = %q, want %q", rec.Category, tt.want)
			}
		})
	}
}

func TestFetcher_EmptyTextNeverReachesProvider(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	_, _ = NewFetcher(p, nil).Open(context.Background(), SpeechRequest{Text: ""})
	if n := len(p.Calls()); n != 0 {
		t.Errorf("provider called %d times, want 0", n)
	}
}

func TestFetcher_DefaultModel(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	f := NewFetcher(p, nil, WithModel("eleven_flash_v2_5"))
	seq, err := f.Open(context.Background(), SpeechRequest{Text: "hi", VoiceID: "v"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seq.Close()

	calls := p.Calls()
	if len(calls) != 1 || calls[0].Request.ModelID != "eleven_flash_v2_5" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestFetcher_MidStreamFailure(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		Chunks:    [][]byte{pcmBytes(512)},
		StreamErr: io.ErrUnexpectedEOF,
	}
	seq, err := NewFetcher(p, decode.Shared(), WithChunkBytes(512)).Open(context.Background(), SpeechRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := seq.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	_, err = seq.Next()

	var rec *ErrorRecord
	if !errors.As(err, &rec) {
		t.Fatalf("Next error = %v, want *ErrorRecord", err)
	}
	if rec.Category != CategoryNetwork || rec.BytesReceived != 512 || rec.ChunkCount != 1 {
		t.Errorf("record = %+v", rec)
	}
}

func TestFetcher_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := &mock.Provider{Chunks: [][]byte{pcmBytes(512)}, Gate: make(chan struct{})}
	seq, err := NewFetcher(p, decode.Shared()).Open(ctx, SpeechRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cancel()
	if _, err := seq.Next(); !errors.Is(err, context.Canceled) {
		t.Errorf("Next error = %v, want context.Canceled", err)
	}
	seq.Close()
	seq.Close()
	if n := p.ClosedCount(); n != 1 {
		t.Errorf("ClosedCount = %d, want 1", n)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
