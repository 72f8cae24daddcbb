package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/speakstream/pkg/provider/tts"
	ttsmock "github.com/MrWong99/speakstream/pkg/provider/tts/mock"
)

var helloReq = tts.Request{Text: "hello", VoiceID: "v1"}

func TestTTSFallback_Open_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{
		Chunks: [][]byte{[]byte("audio1"), []byte("audio2")},
	}
	secondary := &ttsmock.Provider{
		Chunks: [][]byte{[]byte("fallback-audio")},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	s, err := fb.Open(context.Background(), helloReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := tts.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "audio1audio2" {
		t.Fatalf("data = %q, want audio1audio2", data)
	}
	if len(primary.Calls()) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.Calls()))
	}
	if len(secondary.Calls()) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.Calls()))
	}
}

func TestTTSFallback_Open_Failover(t *testing.T) {
	primary := &ttsmock.Provider{
		OpenErr: errors.New("primary down"),
	}
	secondary := &ttsmock.Provider{
		Chunks: [][]byte{[]byte("fallback-audio")},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	s, err := fb.Open(context.Background(), helloReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := tts.ReadAll(s)
	if string(data) != "fallback-audio" {
		t.Fatalf("data = %q, want fallback-audio", data)
	}
}

func TestTTSFallback_Open_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{OpenErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{OpenErr: &tts.APIError{Provider: "secondary", StatusCode: 429}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Open(context.Background(), helloReq)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	var apiErr *tts.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 429 {
		t.Fatalf("last provider error not reachable through %v", err)
	}
}

func TestTTSFallback_Open_CircuitOpens(t *testing.T) {
	primary := &ttsmock.Provider{OpenErr: errors.New("down")}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for i := 0; i < 2; i++ {
		_, _ = fb.Open(context.Background(), helloReq)
	}
	_, err := fb.Open(context.Background(), helloReq)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if len(primary.Calls()) != 2 {
		t.Fatalf("primary called %d times, want 2", len(primary.Calls()))
	}
	if got := fb.BreakerStates()["primary"]; got != StateOpen {
		t.Fatalf("breaker state = %v, want open", got)
	}
}

func TestTTSFallback_ListVoices_Failover(t *testing.T) {
	primary := &ttsmock.Provider{
		ListVoicesErr: errors.New("primary down"),
	}
	secondary := &ttsmock.Provider{
		ListVoicesResult: []tts.VoiceProfile{
			{ID: "v1", Name: "Alice"},
			{ID: "v2", Name: "Bob"},
		},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].Name != "Alice" {
		t.Fatalf("voices[0].Name = %q, want Alice", voices[0].Name)
	}
}

func TestTTSFallback_Ping(t *testing.T) {
	down := &ttsmock.Provider{PingErr: errors.New("unreachable")}
	up := &ttsmock.Provider{}

	fb := NewTTSFallback(down, "primary", FallbackConfig{})
	if err := fb.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail with only an unreachable backend")
	}

	fb.AddFallback("secondary", up)
	if err := fb.Ping(context.Background()); err != nil {
		t.Fatalf("Ping with a healthy fallback: %v", err)
	}
}

func TestProviderFault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"rate limited", &tts.APIError{Provider: "p", StatusCode: 429}, true},
		{"server error", &tts.APIError{Provider: "p", StatusCode: 503}, true},
		{"unauthorised", &tts.APIError{Provider: "p", StatusCode: 401}, false},
		{"bad voice", &tts.APIError{Provider: "p", StatusCode: 422}, false},
		{"transport", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ProviderFault(tt.err); got != tt.want {
				t.Errorf("ProviderFault(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTTSFallback_ClientErrorsKeepCircuitClosed(t *testing.T) {
	primary := &ttsmock.Provider{OpenErr: &tts.APIError{Provider: "primary", StatusCode: 401}}
	var changes []string
	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
			OnStateChange: func(name string, _, to State) {
				changes = append(changes, name+":"+to.String())
			},
		},
	})

	for i := 0; i < 4; i++ {
		_, err := fb.Open(context.Background(), helloReq)
		var apiErr *tts.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
			t.Fatalf("call %d: err = %v, want the 401 APIError", i, err)
		}
	}
	if len(primary.Calls()) != 4 {
		t.Errorf("primary called %d times, want 4", len(primary.Calls()))
	}
	if st := fb.Breakers()["primary"]; st.State != StateClosed || st.ConsecutiveFailures != 0 {
		t.Errorf("breaker = %+v, want closed with no failures", st)
	}
	if len(changes) != 0 {
		t.Errorf("state changes = %v, want none", changes)
	}
}
