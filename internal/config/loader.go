package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/speakstream/pkg/audio/device"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// ValidProviderNames lists the TTS provider names known to the default
// registry. Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"elevenlabs", "gateway", "coqui"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Playback.Device == "" {
		cfg.Playback.Device = device.KindNull
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = DefaultSampleRate
	}
	if cfg.Playback.Channels == 0 {
		cfg.Playback.Channels = DefaultChannels
	}
	if cfg.Playback.DrainGraceMS == 0 {
		cfg.Playback.DrainGraceMS = DefaultDrainGraceMS
	}
	if cfg.Playback.TickMS == 0 {
		cfg.Playback.TickMS = DefaultTickMS
	}
	if cfg.Metrics.ErrorHistory == 0 {
		cfg.Metrics.ErrorHistory = DefaultErrorHistory
	}
	if cfg.Bus.SubjectPrefix == "" {
		cfg.Bus.SubjectPrefix = DefaultSubject
	}
	if cfg.Bus.ConnectTimeoutMS == 0 {
		cfg.Bus.ConnectTimeoutMS = DefaultConnectMS
	}
	if cfg.Voices.Default != "" {
		cfg.Voices.Default = strings.ToLower(cfg.Voices.Default)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// TTS
	if cfg.TTS.Name == "" {
		slog.Warn("tts.name is empty; speech synthesis is unavailable")
	}
	errs = append(errs, validateProvider("tts", cfg.TTS.ProviderEntry)...)
	seen := map[string]int{}
	if cfg.TTS.Name != "" {
		seen[cfg.TTS.Name] = -1
	}
	for i, fb := range cfg.TTS.Fallbacks {
		prefix := fmt.Sprintf("tts.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if _, dup := seen[fb.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is already configured", prefix, fb.Name))
		}
		seen[fb.Name] = i
		errs = append(errs, validateProvider(prefix, fb)...)
	}

	// Voices
	names := make(map[string]string, len(cfg.Voices.Presets))
	for name, p := range cfg.Voices.Presets {
		prefix := fmt.Sprintf("voices.presets[%s]", name)
		lower := strings.ToLower(name)
		if prev, dup := names[lower]; dup {
			errs = append(errs, fmt.Errorf("%s duplicates %q (names are case-insensitive)", prefix, prev))
		}
		names[lower] = name
		if p.VoiceID == "" {
			errs = append(errs, fmt.Errorf("%s.voice_id is required", prefix))
		}
		errs = append(errs, validateUnit(prefix+".stability", p.Stability)...)
		errs = append(errs, validateUnit(prefix+".similarity_boost", p.SimilarityBoost)...)
		errs = append(errs, validateUnit(prefix+".style", p.Style)...)
	}
	if cfg.Voices.Default != "" && len(cfg.Voices.Presets) > 0 {
		if _, ok := names[cfg.Voices.Default]; !ok {
			errs = append(errs, fmt.Errorf("voices.default %q is not a configured preset", cfg.Voices.Default))
		}
	}

	// Playback
	switch cfg.Playback.Device {
	case "", device.KindNull, device.KindOto:
	default:
		errs = append(errs, fmt.Errorf("playback.device %q is invalid; valid values: null, oto", cfg.Playback.Device))
	}
	if cfg.Playback.SampleRate < 0 || cfg.Playback.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d is out of range [1, 192000]", cfg.Playback.SampleRate))
	}
	if cfg.Playback.Channels < 0 || cfg.Playback.Channels > 2 {
		errs = append(errs, fmt.Errorf("playback.channels %d is invalid; valid values: 1, 2", cfg.Playback.Channels))
	}
	if cfg.Playback.DrainGraceMS < 0 {
		errs = append(errs, fmt.Errorf("playback.drain_grace_ms %d must not be negative", cfg.Playback.DrainGraceMS))
	}
	if cfg.Playback.TickMS < 0 {
		errs = append(errs, fmt.Errorf("playback.tick_ms %d must not be negative", cfg.Playback.TickMS))
	}

	// Metrics
	if cfg.Metrics.ErrorHistory < 0 {
		errs = append(errs, fmt.Errorf("metrics.error_history %d must not be negative", cfg.Metrics.ErrorHistory))
	}

	// Bus
	for i, s := range cfg.Bus.Servers {
		if _, err := url.Parse(s); err != nil || s == "" {
			errs = append(errs, fmt.Errorf("bus.servers[%d] %q is not a valid URL", i, s))
		}
	}
	if cfg.Bus.ConnectTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("bus.connect_timeout_ms %d must not be negative", cfg.Bus.ConnectTimeoutMS))
	}

	return errors.Join(errs...)
}

// validateProvider checks the options shared by all TTS backends and warns
// about unknown provider names.
func validateProvider(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Name != "" && !slices.Contains(ValidProviderNames, e.Name) {
		slog.Warn("unknown provider name, may be a typo or third-party provider",
			"field", prefix,
			"name", e.Name,
			"known", ValidProviderNames,
		)
	}
	switch e.Transport() {
	case "", tts.TransportStream, tts.TransportSingleShot, tts.TransportWebSocket:
	default:
		errs = append(errs, fmt.Errorf("%s.options.transport %q is invalid; valid values: http-stream, http-json, websocket", prefix, e.Transport()))
	}
	if e.Transport() == tts.TransportWebSocket && e.Name != "" && e.Name != "elevenlabs" {
		errs = append(errs, fmt.Errorf("%s.options.transport websocket is only supported by elevenlabs", prefix))
	}
	if n := e.IntOption("chunk_bytes"); n < 0 {
		errs = append(errs, fmt.Errorf("%s.options.chunk_bytes %d must not be negative", prefix, n))
	}
	if n := e.IntOption("timeout_ms"); n < 0 {
		errs = append(errs, fmt.Errorf("%s.options.timeout_ms %d must not be negative", prefix, n))
	}
	if e.BaseURL != "" {
		if u, err := url.Parse(e.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.base_url %q is not an absolute URL", prefix, e.BaseURL))
		}
	}
	if e.Name == "gateway" && e.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url is required for the gateway provider", prefix))
	}
	if e.Name == "coqui" && e.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url is required for the coqui provider", prefix))
	}
	return errs
}

func validateUnit(field string, v float64) []error {
	if v < 0 || v > 1 {
		return []error{fmt.Errorf("%s %.2f is out of range [0, 1]", field, v)}
	}
	return nil
}
