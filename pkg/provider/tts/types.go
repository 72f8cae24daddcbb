package tts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxTextLen is the longest text a single request may carry, in characters.
const MaxTextLen = 5000

// VoiceSettings mirrors the ElevenLabs voice_settings object.
type VoiceSettings struct {
	Stability       float64 `json:"stability" yaml:"stability"`
	SimilarityBoost float64 `json:"similarity_boost" yaml:"similarity_boost"`
	Style           float64 `json:"style" yaml:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost" yaml:"use_speaker_boost"`
}

// DefaultVoiceSettings are used when a request carries no settings.
var DefaultVoiceSettings = VoiceSettings{
	Stability:       0.5,
	SimilarityBoost: 0.8,
	Style:           0.2,
	UseSpeakerBoost: true,
}

// Request is the synthesis request body shared by every HTTP provider.
type Request struct {
	Text     string         `json:"text"`
	VoiceID  string         `json:"voice_id"`
	ModelID  string         `json:"model_id,omitempty"`
	Settings *VoiceSettings `json:"voice_settings,omitempty"`
}

// Validate checks the request shape common to all providers.
func (r Request) Validate() error {
	n := len([]rune(strings.TrimSpace(r.Text)))
	switch {
	case n == 0:
		return errors.New("tts: text must not be empty")
	case n > MaxTextLen:
		return fmt.Errorf("tts: text is %d characters, limit is %d", n, MaxTextLen)
	}
	return nil
}

// VoiceProfile describes a voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `json:"voice_id"`

	// Name is the human-readable voice name.
	Name string `json:"name"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `json:"provider"`

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// APIError is a non-success HTTP response from a TTS service.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited reports whether the service throttled the request.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsAuth reports whether the service rejected the credentials.
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 4 << 10

// ParseAPIError builds an [*APIError] from a non-success response. It
// understands the {"detail": {"message": ...}}, {"detail": "..."} and
// {"error": "..."} body shapes and falls back to the raw body text.
func ParseAPIError(provider string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(body),
	}
}

func errorMessage(body []byte) string {
	var shaped struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &shaped); err == nil {
		if len(shaped.Detail) > 0 {
			var nested struct {
				Message string `json:"message"`
				Status  string `json:"status"`
			}
			if json.Unmarshal(shaped.Detail, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var s string
			if json.Unmarshal(shaped.Detail, &s) == nil && s != "" {
				return s
			}
		}
		if shaped.Error != "" {
			return shaped.Error
		}
		if shaped.Message != "" {
			return shaped.Message
		}
	}
	return strings.TrimSpace(string(body))
}
