package resilience

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with a circuit breaker per backend and
// optional failover to further backends. With a single backend it is a plain
// circuit breaker around that provider.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertions.
var (
	_ tts.Provider = (*TTSFallback)(nil)
	_ tts.Pinger   = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
// Unless cfg sets its own IsFailure, breakers only count [ProviderFault]s.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = ProviderFault
	}
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Open opens a stream on the first healthy provider. Only stream setup is
// covered by failover; mid-stream errors are the caller's responsibility.
func (f *TTSFallback) Open(ctx context.Context, req tts.Request) (tts.Stream, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.Stream, error) {
		return p.Open(ctx, req)
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Ping succeeds when at least one backend answers its health check. Backends
// without a health check count as healthy.
func (f *TTSFallback) Ping(ctx context.Context) error {
	var errs []error
	healthy := false
	f.group.Each(func(name string, p tts.Provider, _ *CircuitBreaker) {
		if healthy {
			return
		}
		pinger, ok := p.(tts.Pinger)
		if !ok {
			healthy = true
			return
		}
		if err := pinger.Ping(ctx); err != nil {
			errs = append(errs, err)
			return
		}
		healthy = true
	})
	if healthy {
		return nil
	}
	return errors.Join(errs...)
}

// ProviderFault reports whether err says the TTS service itself is unwell:
// throttling, a 5xx status or a transport failure. Requests the service
// rejected as malformed or unauthorised are the caller's problem and do not
// trip the breaker.
func ProviderFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *tts.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRateLimited() || apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// Breakers returns the counters of every backend's breaker, keyed by name.
func (f *TTSFallback) Breakers() map[string]Stats {
	out := make(map[string]Stats, f.group.Len())
	f.group.Each(func(name string, _ tts.Provider, cb *CircuitBreaker) {
		out[name] = cb.Stats()
	})
	return out
}

// BreakerStates reports the circuit state of every backend, keyed by name.
func (f *TTSFallback) BreakerStates() map[string]State {
	out := make(map[string]State, f.group.Len())
	f.group.Each(func(name string, _ tts.Provider, cb *CircuitBreaker) {
		out[name] = cb.State()
	})
	return out
}
