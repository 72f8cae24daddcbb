package tts_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"ok", "Hello there!", false},
		{"empty", "", true},
		{"whitespace", " \n\t ", true},
		{"at limit", strings.Repeat("a", tts.MaxTextLen), false},
		{"multibyte at limit", strings.Repeat("ü", tts.MaxTextLen), false},
		{"over limit", strings.Repeat("a", tts.MaxTextLen+1), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tts.Request{Text: tc.text, VoiceID: "v"}.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseAPIError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"nested detail", `{"detail":{"status":"quota_exceeded","message":"quota exceeded"}}`, "quota exceeded"},
		{"string detail", `{"detail":"voice not found"}`, "voice not found"},
		{"error field", `{"error":"Too many requests"}`, "Too many requests"},
		{"message field", `{"message":"bad input"}`, "bad input"},
		{"plain text", "  upstream timeout\n", "upstream timeout"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			resp := &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Body:       io.NopCloser(strings.NewReader(tc.body)),
			}
			apiErr := tts.ParseAPIError("test", resp)
			if apiErr.Message != tc.want {
				t.Errorf("Message = %q, want %q", apiErr.Message, tc.want)
			}
			if !strings.Contains(apiErr.Error(), "429") {
				t.Errorf("Error() = %q, want status code", apiErr.Error())
			}
			if !apiErr.IsRateLimited() || apiErr.IsAuth() {
				t.Errorf("unexpected classification for %d", apiErr.StatusCode)
			}
		})
	}
}

type closeRecorder struct {
	io.Reader
	closed int
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestReaderStream(t *testing.T) {
	t.Parallel()

	src := &closeRecorder{Reader: bytes.NewReader(make([]byte, 10))}
	s := tts.NewReaderStream(src, tts.StreamInfo{ContentType: "audio/mpeg"}, 4)

	var sizes []int
	for {
		b, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		sizes = append(sizes, len(b))
	}
	if len(sizes) != 3 || sizes[0] != 4 || sizes[1] != 4 || sizes[2] != 2 {
		t.Errorf("piece sizes = %v, want [4 4 2]", sizes)
	}
	_ = s.Close()
	_ = s.Close()
	if src.closed != 1 {
		t.Errorf("underlying Close called %d times, want 1", src.closed)
	}
}

func TestReaderStream_UnexpectedEOF(t *testing.T) {
	t.Parallel()

	r := io.MultiReader(bytes.NewReader([]byte{1, 2}), iotestErrReader{io.ErrUnexpectedEOF})
	s := tts.NewReaderStream(io.NopCloser(r), tts.StreamInfo{}, 8)
	if _, err := s.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if _, err := s.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("second Next error = %v, want io.ErrUnexpectedEOF", err)
	}
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }

func TestSingleShotRoundTrip(t *testing.T) {
	t.Parallel()

	payload := tts.EncodeSingleShot([]byte{0xde, 0xad, 0xbe, 0xef}, "audio/mpeg", 120*time.Millisecond)
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		t.Fatal(err)
	}

	s, err := tts.DecodeSingleShot(&buf)
	if err != nil {
		t.Fatalf("DecodeSingleShot: %v", err)
	}
	info := s.Info()
	if info.Transport != tts.TransportSingleShot || info.ContentType != "audio/mpeg" || info.ProviderLatency != 120*time.Millisecond {
		t.Errorf("unexpected info %+v", info)
	}
	data, err := tts.ReadAll(s)
	if err != nil || !bytes.Equal(data, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("ReadAll = %x, %v", data, err)
	}
}

func TestDecodeSingleShot_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body io.Reader
		want error
	}{
		{name: "not json", body: strings.NewReader(`<html>`), want: tts.ErrMalformedPayload},
		{name: "empty body", body: strings.NewReader(``), want: tts.ErrMalformedPayload},
		{name: "wrong field type", body: strings.NewReader(`{"audio":42,"content_type":"audio/mpeg"}`), want: tts.ErrMalformedPayload},
		{name: "no content type", body: strings.NewReader(`{"audio":"AAAA"}`), want: tts.ErrMalformedPayload},
		{name: "bad base64", body: strings.NewReader(`{"audio":"***","content_type":"audio/mpeg"}`), want: tts.ErrMalformedAudio},
		{name: "truncated body", body: strings.NewReader(`{"audio":"AAAA","content`), want: io.ErrUnexpectedEOF},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tts.DecodeSingleShot(tc.body)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}
