// Package elevenlabs provides an ElevenLabs-backed TTS provider. It implements
// the tts.Provider interface over three transports:
//
//   - tts.TransportStream (default): POST /v1/text-to-speech/{voice}/stream,
//     audio bytes are yielded as the response body arrives.
//   - tts.TransportSingleShot: POST /v1/text-to-speech/{voice}, the complete
//     body is read before the stream is returned.
//   - tts.TransportWebSocket: the stream-input WebSocket API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio"
	"github.com/MrWong99/speakstream/pkg/audio/decode"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Pinger   = (*Provider)(nil)
)

const (
	providerName     = "elevenlabs"
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	streamPathFmt  = "/v1/text-to-speech/%s/stream"
	convertPathFmt = "/v1/text-to-speech/%s"
	wsPathFmt      = "/v1/text-to-speech/%s/stream-input"
	voicesPath     = "/v1/voices"
	userPath       = "/v1/user"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000",
// "mp3_44100_128").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		if format != "" {
			p.outputFormat = format
		}
	}
}

// WithTransport selects how responses are delivered.
func WithTransport(t tts.Transport) Option {
	return func(p *Provider) {
		if t != "" {
			p.transport = t
		}
	}
}

// WithBaseURL points the provider at a different API host, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithReadSize sets the buffer size for reads from a streamed body.
func WithReadSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.readSize = n
		}
	}
}

// Provider implements tts.Provider backed by the ElevenLabs API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	transport    tts.Transport
	baseURL      string
	readSize     int
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		transport:    tts.TransportStream,
		baseURL:      defaultBaseURL,
		readSize:     tts.DefaultReadSize,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.transport {
	case tts.TransportStream, tts.TransportSingleShot, tts.TransportWebSocket:
	default:
		return nil, fmt.Errorf("elevenlabs: unknown transport %q", p.transport)
	}
	return p, nil
}

// ContentType returns the MIME type of audio in the configured output format.
func (p *Provider) ContentType() string {
	return ContentTypeFor(p.outputFormat)
}

// ContentTypeFor maps an ElevenLabs output_format value to a MIME type.
func ContentTypeFor(format string) string {
	codec, rest, _ := strings.Cut(format, "_")
	switch codec {
	case "pcm":
		rate, err := strconv.Atoi(rest)
		if err != nil || rate <= 0 {
			rate = decode.DefaultPCMRate
		}
		return decode.PCMContentType(audio.Format{SampleRate: rate, Channels: 1})
	case "mp3":
		return decode.TypeMPEG
	case "ulaw":
		return "audio/basic"
	case "opus":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// synthesisBody is the JSON body of both REST synthesis endpoints.
type synthesisBody struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	VoiceSettings *tts.VoiceSettings `json:"voice_settings,omitempty"`
}

// Open implements tts.Provider.
func (p *Provider) Open(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.VoiceID == "" {
		return nil, errors.New("elevenlabs: voice ID must not be empty")
	}
	if req.Settings == nil {
		s := tts.DefaultVoiceSettings
		req.Settings = &s
	}
	if req.ModelID == "" {
		req.ModelID = p.model
	}

	switch p.transport {
	case tts.TransportWebSocket:
		return p.openWebSocket(ctx, req)
	case tts.TransportSingleShot:
		return p.openSingleShot(ctx, req)
	default:
		return p.openStream(ctx, req)
	}
}

func (p *Provider) openStream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	resp, err := p.post(ctx, fmt.Sprintf(streamPathFmt, url.PathEscape(req.VoiceID)), req)
	if err != nil {
		return nil, err
	}
	return tts.NewReaderStream(resp.Body, tts.StreamInfo{
		ContentType: p.ContentType(),
		Transport:   tts.TransportStream,
		VoiceID:     req.VoiceID,
	}, p.readSize), nil
}

func (p *Provider) openSingleShot(ctx context.Context, req tts.Request) (tts.Stream, error) {
	start := time.Now()
	resp, err := p.post(ctx, fmt.Sprintf(convertPathFmt, url.PathEscape(req.VoiceID)), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	return tts.NewBytesStream(data, tts.StreamInfo{
		ContentType:     p.ContentType(),
		Transport:       tts.TransportSingleShot,
		ProviderLatency: time.Since(start),
		VoiceID:         req.VoiceID,
	}), nil
}

// post sends a synthesis request and returns the response when the status is
// 2xx. The caller owns the response body.
func (p *Provider) post(ctx context.Context, path string, req tts.Request) (*http.Response, error) {
	body, err := json.Marshal(synthesisBody{Text: req.Text, ModelID: req.ModelID, VoiceSettings: req.Settings})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	u := p.baseURL + path + "?" + url.Values{"output_format": {p.outputFormat}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/*")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: POST %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, tts.ParseAPIError(providerName, resp)
	}
	return resp, nil
}

// ---- ListVoices / Ping ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	resp, err := p.get(ctx, voicesPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read voices: %w", err)
	}
	profiles, err := parseVoicesResponse(data)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return profiles, nil
}

// Ping verifies the API key against GET /v1/user.
func (p *Provider) Ping(ctx context.Context) error {
	resp, err := p.get(ctx, userPath)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (p *Provider) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: GET %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, tts.ParseAPIError(providerName, resp)
	}
	return resp, nil
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: providerName,
			Metadata: meta,
		})
	}
	return profiles, nil
}
