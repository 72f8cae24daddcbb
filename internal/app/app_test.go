package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/speakstream/internal/app"
	"github.com/MrWong99/speakstream/internal/config"
	"github.com/MrWong99/speakstream/internal/speech"
	"github.com/MrWong99/speakstream/pkg/audio"
	"github.com/MrWong99/speakstream/pkg/audio/device"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
	ttsmock "github.com/MrWong99/speakstream/pkg/provider/tts/mock"
)

var format = audio.Format{SampleRate: 16000, Channels: 1}

// testConfig returns a minimal, defaulted config for tests.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		TTS:    config.TTSConfig{ProviderEntry: config.ProviderEntry{Name: "mock"}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testRegistry registers p under "mock" and fallback under "backup".
func testRegistry(p, fallback *ttsmock.Provider) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return p, nil })
	reg.RegisterTTS("backup", func(config.ProviderEntry) (tts.Provider, error) { return fallback, nil })
	return reg
}

// newApp builds an App on a real-time null device.
func newApp(t *testing.T, cfg *config.Config, reg *config.Registry, opts ...app.Option) *app.App {
	t.Helper()
	dev := device.NewNull(format, device.WithTick(2*time.Millisecond))
	t.Cleanup(func() { _ = dev.Close() })

	a, err := app.New(context.Background(), cfg, reg, append([]app.Option{app.WithDevice(dev)}, opts...)...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_UnregisteredProvider(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TTS.Name = "nope"

	_, err := app.New(context.Background(), cfg, config.NewRegistry())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_DeviceFromRegistry(t *testing.T) {
	// Not parallel: the registry device is the process-wide shared device.
	cfg := testConfig()
	reg := testRegistry(&ttsmock.Provider{}, nil)
	opened := 0
	reg.RegisterDevice(device.KindNull, func(pc config.PlaybackConfig) (device.Device, error) {
		opened++
		return device.Open(pc.Device, device.Options{Format: format, Tick: pc.Tick()})
	})

	a, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if opened != 1 {
		t.Errorf("device factory called %d times, want 1", opened)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_Speak(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 640), make([]byte, 640)}}
	a := newApp(t, testConfig(), testRegistry(p, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Speak(ctx, "It is 3:30", "zen"); err != nil {
		t.Fatalf("Speak() error: %v", err)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Open calls = %d, want 1", len(calls))
	}
	if got, want := calls[0].Request.VoiceID, speech.DefaultPresets()["zen"].VoiceID; got != want {
		t.Errorf("voice = %q, want %q", got, want)
	}
	if got := calls[0].Request.Text; got != "It is three 30" {
		t.Errorf("text = %q, want normalised", got)
	}
	if snap := a.Orchestrator().Recorder().Snapshot(); snap.CompletedCount != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestApp_SpeakReturnsErrorRecord(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{OpenErr: &tts.APIError{Provider: "mock", StatusCode: 401}}
	a := newApp(t, testConfig(), testRegistry(p, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Speak(ctx, "hello", "")
	var rec *speech.ErrorRecord
	if !errors.As(err, &rec) {
		t.Fatalf("err = %v, want *speech.ErrorRecord", err)
	}
	if rec.Category != speech.CategoryProvider {
		t.Errorf("category = %q, want provider", rec.Category)
	}
}

func TestApp_FallbackProvider(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{OpenErr: &tts.APIError{Provider: "mock", StatusCode: 503}}
	backup := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 320)}}
	cfg := testConfig()
	cfg.TTS.Fallbacks = []config.ProviderEntry{{Name: "backup"}}
	a := newApp(t, cfg, testRegistry(primary, backup))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Speak(ctx, "hello", "friend"); err != nil {
		t.Fatalf("Speak() error: %v", err)
	}
	if len(backup.Calls()) != 1 {
		t.Errorf("backup Open calls = %d, want 1", len(backup.Calls()))
	}
}

func TestApp_Handler(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 320)}}
	a := newApp(t, testConfig(), testRegistry(p, nil))

	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/voice/text-to-speech", "application/json", strings.NewReader(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("text-to-speech status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d", resp.StatusCode)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	a := newApp(t, testConfig(), testRegistry(&ttsmock.Provider{}, nil), app.WithLevelVar(lv))

	old := testConfig()
	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Voices = config.VoicesConfig{
		Default: "robot",
		Presets: map[string]config.VoicePreset{
			"robot": {VoiceID: "r2", VoiceSettings: tts.VoiceSettings{Stability: 1}},
		},
	}
	a.ApplyConfig(old, next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	pr, ok := a.Presets().Resolve("Robot")
	if !ok || pr.VoiceID != "r2" {
		t.Errorf("Resolve(robot) = %+v, %v", pr, ok)
	}
	if pr, _ := a.Presets().Resolve("pirate"); pr.VoiceID != "r2" {
		t.Errorf("unknown personality resolved to %q, want default robot", pr.VoiceID)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ErrLog.Path = filepath.Join(t.TempDir(), "errors.db")
	a := newApp(t, cfg, testRegistry(&ttsmock.Provider{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	// Give Run a moment to set up goroutines.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
