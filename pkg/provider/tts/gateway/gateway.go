// Package gateway implements tts.Provider against a TTS gateway that proxies
// an upstream service (for example a speakstream server in front of
// ElevenLabs).
//
// The gateway answers POST requests carrying
// {text, voice_id, model_id, voice_settings} either with a streamed binary
// audio body or, in its non-streaming mode, with a single JSON payload
// {audio, content_type, latency_ms}. The response Content-Type decides which
// shape is read: application/json means single-shot, anything else is
// streamed as it arrives.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Pinger   = (*Provider)(nil)
)

const (
	providerName = "gateway"

	// DefaultPath is the synthesis endpoint relative to the base URL.
	DefaultPath = "/api/voice/stream"

	defaultSettingsPath = "/api/voice/settings"
	defaultHealthPath   = "/api/voice/health"
	fallbackContentType = "audio/mpeg"
)

// Option configures a Provider.
type Option func(*Provider)

// WithPath overrides the synthesis endpoint path.
func WithPath(path string) Option {
	return func(p *Provider) {
		if path != "" {
			p.path = path
		}
	}
}

// WithModel sets the model_id sent with every request that does not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithTimeout sets the client timeout. Streamed bodies count against it, so
// it must cover the whole utterance.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithReadSize sets the buffer size for reads from a streamed body.
func WithReadSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.readSize = n
		}
	}
}

// Provider talks to a TTS gateway over HTTP.
type Provider struct {
	baseURL    string
	path       string
	model      string
	apiKey     string
	readSize   int
	httpClient *http.Client
}

// New returns a Provider for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("gateway: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       DefaultPath,
		readSize:   tts.DefaultReadSize,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type requestBody struct {
	Text          string             `json:"text"`
	VoiceID       string             `json:"voice_id"`
	ModelID       string             `json:"model_id,omitempty"`
	VoiceSettings *tts.VoiceSettings `json:"voice_settings,omitempty"`
}

// Open implements tts.Provider.
func (p *Provider) Open(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ModelID == "" {
		req.ModelID = p.model
	}
	body, err := json.Marshal(requestBody{
		Text:          req.Text,
		VoiceID:       req.VoiceID,
		ModelID:       req.ModelID,
		VoiceSettings: req.Settings,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/*, application/json")
	p.authorize(httpReq)

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway: POST %s: %w", p.path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, tts.ParseAPIError(providerName, resp)
	}

	voiceID := resp.Header.Get("X-Voice-ID")
	if voiceID == "" {
		voiceID = req.VoiceID
	}

	ct := resp.Header.Get("Content-Type")
	if mediaType, _, _ := mime.ParseMediaType(ct); mediaType == "application/json" {
		defer resp.Body.Close()
		s, err := tts.DecodeSingleShot(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		return withInfo(s, func(info *tts.StreamInfo) {
			if info.ProviderLatency == 0 {
				info.ProviderLatency = time.Since(start)
			}
			if info.VoiceID == "" {
				info.VoiceID = voiceID
			}
		}), nil
	}

	if ct == "" || ct == "application/octet-stream" {
		ct = fallbackContentType
	}
	return tts.NewReaderStream(resp.Body, tts.StreamInfo{
		ContentType: ct,
		Transport:   tts.TransportStream,
		VoiceID:     voiceID,
	}, p.readSize), nil
}

// ListVoices reads the gateway's personality catalogue.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+defaultSettingsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	p.authorize(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: GET %s: %w", defaultSettingsPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, tts.ParseAPIError(providerName, resp)
	}

	var settings struct {
		Personalities map[string]struct {
			VoiceID string `json:"voice_id"`
		} `json:"personalities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		return nil, fmt.Errorf("gateway: decode settings: %w", err)
	}
	out := make([]tts.VoiceProfile, 0, len(settings.Personalities))
	for name, v := range settings.Personalities {
		out = append(out, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     name,
			Provider: providerName,
		})
	}
	return out, nil
}

// Ping checks the gateway's health endpoint.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+defaultHealthPath, nil)
	if err != nil {
		return fmt.Errorf("gateway: create request: %w", err)
	}
	p.authorize(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: GET %s: %w", defaultHealthPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tts.ParseAPIError(providerName, resp)
	}
	return nil
}

func (p *Provider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

// infoStream overrides the Info of a wrapped stream.
type infoStream struct {
	tts.Stream
	info tts.StreamInfo
}

func (s *infoStream) Info() tts.StreamInfo { return s.info }

func withInfo(s tts.Stream, edit func(*tts.StreamInfo)) tts.Stream {
	info := s.Info()
	edit(&info)
	return &infoStream{Stream: s, info: info}
}
