package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/speakstream/internal/config"
	"github.com/MrWong99/speakstream/pkg/audio"
	"github.com/MrWong99/speakstream/pkg/audio/device"
	devmock "github.com/MrWong99/speakstream/pkg/audio/device/mock"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
	ttsmock "github.com/MrWong99/speakstream/pkg/provider/tts/mock"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

tts:
  name: elevenlabs
  api_key: el-test
  model: eleven_turbo_v2_5
  options:
    transport: websocket
    output_format: mp3_44100_128
    chunk_bytes: 8192
    timeout_ms: 15000
  fallbacks:
    - name: gateway
      base_url: http://localhost:3000
      options:
        transport: http-json

voices:
  default: Nerd
  presets:
    nerd:
      voice_id: ErXwobaYiN019PkySvjV
      stability: 0.6
      similarity_boost: 0.85
      style: 0.1
      use_speaker_boost: true

playback:
  device: null
  sample_rate: 48000
  channels: 1
  drain_grace_ms: 1500

metrics:
  error_history: 50

telemetry:
  otlp_endpoint: localhost:4317
  otlp_insecure: true
  prometheus: false

errlog:
  path: /var/lib/speakstream/errors.db

bus:
  servers: ["nats://localhost:4222"]
  subject_prefix: voice
`

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.TTS.Name != "elevenlabs" || cfg.TTS.APIKey != "el-test" || cfg.TTS.Model != "eleven_turbo_v2_5" {
		t.Errorf("tts = %+v", cfg.TTS.ProviderEntry)
	}
	if got := cfg.TTS.Transport(); got != tts.TransportWebSocket {
		t.Errorf("Transport() = %q, want websocket", got)
	}
	if got := cfg.TTS.StringOption("output_format"); got != "mp3_44100_128" {
		t.Errorf("output_format = %q", got)
	}
	if got := cfg.TTS.ChunkBytes(); got != 8192 {
		t.Errorf("ChunkBytes() = %d, want 8192", got)
	}
	if got := cfg.TTS.Timeout(); got != 15*time.Second {
		t.Errorf("Timeout() = %v, want 15s", got)
	}
	if len(cfg.TTS.Fallbacks) != 1 || cfg.TTS.Fallbacks[0].Transport() != tts.TransportSingleShot {
		t.Errorf("fallbacks = %+v", cfg.TTS.Fallbacks)
	}

	if cfg.Voices.Default != "nerd" {
		t.Errorf("voices.default = %q, want lowercased nerd", cfg.Voices.Default)
	}
	p := cfg.Voices.Presets["nerd"]
	if p.VoiceID != "ErXwobaYiN019PkySvjV" || p.Stability != 0.6 || p.SimilarityBoost != 0.85 || !p.UseSpeakerBoost {
		t.Errorf("nerd preset = %+v", p)
	}

	if cfg.Playback.Device != device.KindNull || cfg.Playback.SampleRate != 48000 || cfg.Playback.Channels != 1 {
		t.Errorf("playback = %+v", cfg.Playback)
	}
	if got := cfg.Playback.DrainGrace(); got != 1500*time.Millisecond {
		t.Errorf("DrainGrace() = %v", got)
	}
	if got := cfg.Playback.Tick(); got != config.DefaultTickMS*time.Millisecond {
		t.Errorf("Tick() = %v, want default", got)
	}
	if cfg.Metrics.ErrorHistory != 50 {
		t.Errorf("error_history = %d", cfg.Metrics.ErrorHistory)
	}
	if cfg.Telemetry.PrometheusEnabled() {
		t.Error("prometheus should be disabled")
	}
	if !cfg.Telemetry.OTLPInsecure || cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if cfg.ErrLog.Path == "" {
		t.Error("errlog.path not decoded")
	}
	if cfg.Bus.SubjectPrefix != "voice" || cfg.Bus.ConnectTimeout() != config.DefaultConnectMS*time.Millisecond {
		t.Errorf("bus = %+v", cfg.Bus)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Playback.SampleRate != config.DefaultSampleRate || cfg.Playback.Channels != config.DefaultChannels {
		t.Errorf("playback defaults = %+v", cfg.Playback)
	}
	if cfg.Metrics.ErrorHistory != config.DefaultErrorHistory {
		t.Errorf("error_history default = %d", cfg.Metrics.ErrorHistory)
	}
	if !cfg.Telemetry.PrometheusEnabled() {
		t.Error("prometheus should default to enabled")
	}
	if cfg.TTS.ChunkBytes() != config.DefaultChunkBytes {
		t.Errorf("ChunkBytes() default = %d", cfg.TTS.ChunkBytes())
	}
}

func TestProviderEntry_IntOptionTypes(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{
		"a": 3,
		"b": int64(4),
		"c": 5.0,
		"d": "6",
	}}
	for key, want := range map[string]int{"a": 3, "b": 4, "c": 5, "d": 0, "missing": 0} {
		if got := e.IntOption(key); got != want {
			t.Errorf("IntOption(%q) = %d, want %d", key, got, want)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownTTS(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateTTS(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownDevice(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateDevice(config.PlaybackConfig{Device: "alsa"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredTTS(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &ttsmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterTTS("stub", func(e config.ProviderEntry) (tts.Provider, error) {
		gotEntry = e
		return want, nil
	})

	p, err := reg.CreateTTS(config.ProviderEntry{Name: "stub", APIKey: "k"})
	if err != nil {
		t.Fatalf("CreateTTS: %v", err)
	}
	if p != want {
		t.Error("CreateTTS returned a different provider")
	}
	if gotEntry.APIKey != "k" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if names := reg.TTSNames(); len(names) != 1 || names[0] != "stub" {
		t.Errorf("TTSNames() = %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, boom })

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("CreateTTS error = %v, want boom", err)
	}
}

func TestRegistry_RegisteredDevice(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterDevice(device.KindNull, func(pc config.PlaybackConfig) (device.Device, error) {
		return devmock.New(audio.Format{SampleRate: pc.SampleRate, Channels: pc.Channels}), nil
	})

	dev, err := reg.CreateDevice(config.PlaybackConfig{Device: device.KindNull, SampleRate: 22050, Channels: 1})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if f := dev.Format(); f.SampleRate != 22050 || f.Channels != 1 {
		t.Errorf("device format = %+v", f)
	}
}
