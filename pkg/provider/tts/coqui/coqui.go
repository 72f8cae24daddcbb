// Package coqui speaks through a self-hosted Coqui TTS server.
//
// The standard server image (ghcr.io/coqui-ai/tts-cpu, [APIModeStandard])
// synthesizes on GET /api/tts and describes its model on GET /details. The
// XTTS v2 API server ([APIModeXTTS]) synthesizes on POST /tts_to_audio/ and
// lists voices on GET /studio_speakers.
//
// Both servers answer with a complete WAV file. The body is exposed as a
// stream of content type audio/wav; consumers buffer it until the end since
// a WAV header cannot be split into independently decodable pieces.
//
// Typical usage (standard server):
//
//	p, _ := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	s, err := p.Open(ctx, tts.Request{Text: "Hello there.", VoiceID: "p225"})
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio/decode"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Pinger   = (*Provider)(nil)
)

// ---- constants ----

const (
	providerName           = "coqui"
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// ---- APIMode ----

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	// Voice listing is performed via /studio_speakers.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode. Voice listing is performed via /details.
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code sent to the TTS server (e.g., "en",
// "de", "fr"). Defaults to "en" if not set.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Use APIModeStandard (default) for the
// standard Coqui TTS Docker image (ghcr.io/coqui-ai/tts-cpu) or APIModeXTTS for
// the XTTS v2 API server.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithReadSize sets the buffer size for reads from the response body.
func WithReadSize(n int) Option {
	return func(p *Provider) {
		p.readSize = n
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a locally-running Coqui TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	readSize   int
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty. Functional
// options may override the language, per-request timeout, and API mode.
// The default API mode is APIModeStandard.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		readSize:  tts.DefaultReadSize,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.apiMode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.apiMode)
	}
	return p, nil
}

// ---- internal request/response types ----

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// studioSpeakersResponse is keyed by voice name; the values are unused.
type studioSpeakersResponse map[string]json.RawMessage

// detailsResponse is the GET /details answer. Speakers is empty for
// single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ---- Open ----

// Open issues one synthesis request for the whole text and returns the WAV
// response body as a stream. Voice settings are ignored; Coqui has no
// equivalent.
func (p *Provider) Open(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	// XTTS mode always requires a voice ID (speaker_wav). Standard mode works
	// without one for single-speaker models, so only enforce the check for XTTS.
	if req.VoiceID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice ID must not be empty (required for XTTS mode)")
	}

	var (
		httpReq *http.Request
		err     error
	)
	if p.apiMode == APIModeStandard {
		httpReq, err = p.standardRequest(ctx, req)
	} else {
		httpReq, err = p.xttsRequest(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", httpReq.Method, httpReq.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, tts.ParseAPIError(providerName, resp)
	}
	return tts.NewReaderStream(resp.Body, tts.StreamInfo{
		ContentType: decode.TypeWAV,
		Transport:   tts.TransportStream,
		VoiceID:     req.VoiceID,
	}, p.readSize), nil
}

// xttsRequest builds a POST /tts_to_audio/ call (XTTS v2 mode).
func (p *Provider) xttsRequest(ctx context.Context, req tts.Request) (*http.Request, error) {
	data, err := json.Marshal(ttsRequest{
		Text:       req.Text,
		SpeakerWav: req.VoiceID,
		Language:   p.language,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// standardRequest builds a GET /api/tts call (standard server mode) using URL
// query parameters.
func (p *Provider) standardRequest(ctx context.Context, req tts.Request) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", req.Text)
	if req.VoiceID != "" {
		params.Set("speaker_id", req.VoiceID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return httpReq, nil
}

// Ping checks that the server answers its voice catalogue endpoint.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.ListVoices(ctx)
	return err
}

// ListVoices returns the server's voices, sorted by ID. An XTTS server lists
// its studio speakers. A standard server lists the speakers of a
// multi-speaker model, or the model itself when it has a single voice.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.apiMode == APIModeXTTS {
		var speakers studioSpeakersResponse
		if err := p.getJSON(ctx, studioSpeakersEndpoint, &speakers); err != nil {
			return nil, err
		}
		return profiles(slices.Collect(maps.Keys(speakers)), map[string]string{"type": "studio"}), nil
	}

	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) > 0 {
		return profiles(slices.Clone(details.Speakers), map[string]string{
			"type":       "speaker",
			"model_name": details.ModelName,
		}), nil
	}
	model := cmp.Or(details.ModelName, "default")
	return profiles([]string{model}, map[string]string{
		"type":       "single-speaker",
		"model_name": model,
	}), nil
}

// getJSON decodes the JSON answer of GET path into v.
func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tts.ParseAPIError(providerName, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}

// profiles turns voice names into sorted profiles sharing one metadata map.
func profiles(names []string, meta map[string]string) []tts.VoiceProfile {
	slices.Sort(names)
	out := make([]tts.VoiceProfile, 0, len(names))
	for _, name := range names {
		out = append(out, tts.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: providerName,
			Metadata: maps.Clone(meta),
		})
	}
	return out
}
