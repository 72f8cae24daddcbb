// Package config provides the configuration schema, loader, hot-reload watcher,
// and provider registry for the speakstream daemon.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio/device"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// LogLevel controls log verbosity for the speakstream server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultSampleRate   = 44100
	DefaultChannels     = 2
	DefaultDrainGraceMS = 2000
	DefaultTickMS       = 10
	DefaultErrorHistory = 100
	DefaultChunkBytes   = 4096
	DefaultSubject      = "speakstream"
	DefaultConnectMS    = 5000
)

// Config is the root configuration structure for speakstream.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TTS       TTSConfig       `yaml:"tts"`
	Voices    VoicesConfig    `yaml:"voices"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	ErrLog    ErrLogConfig    `yaml:"errlog"`
	Bus       BusConfig       `yaml:"bus"`
}

// ServerConfig holds network and logging settings for the HTTP API.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TTSConfig selects the synthesis backend and the backends to fail over to
// when it is unavailable.
type TTSConfig struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order when the primary provider fails to open a
	// stream or its circuit is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block of one TTS backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "elevenlabs", "gateway").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "eleven_turbo_v2_5").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above: transport, output_format, chunk_bytes, timeout_ms.
	Options map[string]any `yaml:"options"`
}

// Transport returns the "transport" option, or the empty string.
func (e ProviderEntry) Transport() tts.Transport {
	return tts.Transport(e.StringOption("transport"))
}

// ChunkBytes returns the "chunk_bytes" option, or [DefaultChunkBytes].
func (e ProviderEntry) ChunkBytes() int {
	if n := e.IntOption("chunk_bytes"); n > 0 {
		return n
	}
	return DefaultChunkBytes
}

// Timeout returns the "timeout_ms" option as a duration, or zero.
func (e ProviderEntry) Timeout() time.Duration {
	return time.Duration(e.IntOption("timeout_ms")) * time.Millisecond
}

// StringOption returns a string option, or the empty string when absent or of
// another type.
func (e ProviderEntry) StringOption(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// IntOption returns an integer option. YAML numbers decode as int or float64;
// both are accepted. Absent or non-numeric options yield 0.
func (e ProviderEntry) IntOption(key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// VoicesConfig maps personalities to voice presets.
type VoicesConfig struct {
	// Default is the personality used when a request names none or an
	// unknown one.
	Default string `yaml:"default"`

	// Presets maps a personality name to its voice. When empty, the built-in
	// personalities are used.
	Presets map[string]VoicePreset `yaml:"presets"`
}

// VoicePreset is one personality's voice id and ElevenLabs voice settings.
type VoicePreset struct {
	VoiceID           string `yaml:"voice_id"`
	tts.VoiceSettings `yaml:",inline"`
}

// PlaybackConfig configures the local output device and the playback
// scheduler.
type PlaybackConfig struct {
	// Device selects the output: "null" (silent, clock-driven) or "oto".
	Device device.Kind `yaml:"device"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// DrainGraceMS is how long the scheduler waits for more audio after the
	// queue ran dry before ending the run.
	DrainGraceMS int `yaml:"drain_grace_ms"`

	// TickMS is the device render quantum.
	TickMS int `yaml:"tick_ms"`
}

// DrainGrace returns DrainGraceMS as a duration.
func (p PlaybackConfig) DrainGrace() time.Duration {
	return time.Duration(p.DrainGraceMS) * time.Millisecond
}

// Tick returns TickMS as a duration.
func (p PlaybackConfig) Tick() time.Duration {
	return time.Duration(p.TickMS) * time.Millisecond
}

// MetricsConfig configures the in-process metrics recorder.
type MetricsConfig struct {
	// ErrorHistory bounds the number of recent ErrorRecords kept in memory.
	ErrorHistory int `yaml:"error_history"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`

	// Prometheus enables the /metrics scrape endpoint. Nil means enabled.
	Prometheus *bool `yaml:"prometheus"`
}

// PrometheusEnabled reports whether /metrics should be served.
func (t TelemetryConfig) PrometheusEnabled() bool {
	return t.Prometheus == nil || *t.Prometheus
}

// ErrLogConfig configures persistent storage of error records.
type ErrLogConfig struct {
	// Path is the SQLite database file. Empty disables persistence.
	Path string `yaml:"path"`
}

// BusConfig configures publishing of session events to NATS.
type BusConfig struct {
	// Servers lists NATS URLs. Empty disables the bus.
	Servers []string `yaml:"servers"`

	// SubjectPrefix is prepended to every subject (e.g. "speakstream.session.complete").
	SubjectPrefix string `yaml:"subject_prefix"`

	Token            string `yaml:"token"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
}

// ConnectTimeout returns ConnectTimeoutMS as a duration.
func (b BusConfig) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutMS) * time.Millisecond
}
