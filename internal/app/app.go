// Package app wires the speakstream subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the provider chain, the
// output device and the speech pipeline, Run serves the HTTP API and the
// background loops, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDevice,
// WithWatcher, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speakstream/internal/bus"
	"github.com/MrWong99/speakstream/internal/config"
	"github.com/MrWong99/speakstream/internal/errlog"
	"github.com/MrWong99/speakstream/internal/health"
	"github.com/MrWong99/speakstream/internal/observe"
	"github.com/MrWong99/speakstream/internal/resilience"
	"github.com/MrWong99/speakstream/internal/server"
	"github.com/MrWong99/speakstream/internal/speech"
	"github.com/MrWong99/speakstream/pkg/audio/decode"
	"github.com/MrWong99/speakstream/pkg/audio/device"
	"github.com/MrWong99/speakstream/pkg/audio/playback"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry

	level       *slog.LevelVar
	metrics     *observe.Metrics
	promHandler http.Handler
	watcher     *config.Watcher

	// Subsystems, initialised in New and torn down in Shutdown.
	provider *resilience.TTSFallback
	dev      device.Device
	sched    *playback.Scheduler
	presets  *speech.Presets
	orch     *speech.Orchestrator
	hub      *server.Hub
	errs     *errlog.Store
	pub      *bus.Publisher
	health   *health.Handler
	srv      *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects an output device instead of creating one from config.
// The caller keeps ownership of dev.
func WithDevice(dev device.Device) Option {
	return func(a *App) { a.dev = dev }
}

// WithLevelVar makes config reloads adjust lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics records OTel metrics to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHandler = h }
}

// WithWatcher hot-reloads voice presets and the log level from w. The
// watcher's change callback must forward to [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. TTS providers and
// output devices are instantiated through reg.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Provider chain ────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Output device + scheduler ─────────────────────────────────────
	if err := a.initPlayback(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 3. Error persistence + event bus ─────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 4. Speech pipeline ───────────────────────────────────────────────
	a.initSpeech()

	// ── 5. HTTP API ──────────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProviders builds the primary provider and its fallbacks, each behind
// its own circuit breaker.
func (a *App) initProviders() error {
	primary, err := a.reg.CreateTTS(a.cfg.TTS.ProviderEntry)
	if err != nil {
		return fmt.Errorf("create tts provider %q: %w", a.cfg.TTS.Name, err)
	}
	a.provider = resilience.NewTTSFallback(primary, a.cfg.TTS.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})
	slog.Info("provider created", "kind", "tts", "name", a.cfg.TTS.Name)

	for _, fb := range a.cfg.TTS.Fallbacks {
		p, err := a.reg.CreateTTS(fb)
		if err != nil {
			return fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		a.provider.AddFallback(fb.Name, p)
		slog.Info("provider created", "kind", "tts-fallback", "name", fb.Name)
	}
	return nil
}

// initPlayback opens the shared output device unless one was injected.
func (a *App) initPlayback() error {
	if a.dev == nil {
		dev, err := device.Shared(func() (device.Device, error) {
			return a.reg.CreateDevice(a.cfg.Playback)
		})
		if err != nil {
			return err
		}
		a.dev = dev
		a.closers = append(a.closers, device.Destroy)
	}
	a.sched = playback.New(a.dev, playback.WithDrainGrace(a.cfg.Playback.DrainGrace()))
	a.closers = append([]func() error{a.sched.Close}, a.closers...)
	slog.Info("output device ready", "kind", a.cfg.Playback.Device, "format", a.dev.Format().String())
	return nil
}

// initSinks opens the optional error store and event bus.
func (a *App) initSinks(ctx context.Context) error {
	if path := a.cfg.ErrLog.Path; path != "" {
		store, err := errlog.Open(ctx, path, errlog.WithRetention(a.cfg.Metrics.ErrorHistory*10))
		if err != nil {
			return err
		}
		a.errs = store
		a.closers = append(a.closers, store.Close)
		slog.Info("error store opened", "path", path)
	}

	if len(a.cfg.Bus.Servers) > 0 {
		pub, err := bus.Connect(ctx, a.cfg.Bus)
		if err != nil {
			return err
		}
		a.pub = pub
		a.closers = append(a.closers, pub.Close)
	}
	return nil
}

// initSpeech assembles the fetcher, recorder and orchestrator.
func (a *App) initSpeech() {
	a.presets = speech.NewPresets(presetsFromConfig(a.cfg.Voices), a.cfg.Voices.Default)

	fetcher := speech.NewFetcher(a.provider, decode.Shared(),
		speech.WithChunkBytes(a.cfg.TTS.ChunkBytes()),
		speech.WithModel(a.cfg.TTS.Model),
	)
	rec := speech.NewRecorder(
		speech.WithMetrics(a.metrics),
		speech.WithErrorHistory(a.cfg.Metrics.ErrorHistory),
	)

	a.hub = server.NewHub()
	opts := []speech.Option{
		speech.WithRecorder(rec),
		speech.WithTextFilter(speech.Normalize),
		speech.WithObserver(a.hub.Observe),
	}
	if a.errs != nil {
		opts = append(opts, speech.WithObserver(a.errs.Observe))
	}
	if a.pub != nil {
		opts = append(opts, speech.WithObserver(a.pub.Observe))
	}
	a.orch = speech.New(fetcher, a.sched, opts...)

	// The orchestrator must stop before the scheduler it drives.
	a.closers = append([]func() error{a.orch.Close}, a.closers...)
}

// initServer builds the health checks and the HTTP API.
func (a *App) initServer() {
	checkers := []health.Checker{health.DeviceCheck(a.dev)}
	checkers = append(checkers, health.ProviderCheck("tts", a.provider), a.circuitCheck())
	if a.pub != nil {
		checkers = append(checkers, health.Checker{Name: "bus", Check: a.pub.Check})
	}
	a.health = health.New(checkers...)

	opts := []server.Option{server.WithMetrics(a.metrics)}
	if a.errs != nil {
		opts = append(opts, server.WithErrorStore(a.errs))
	}
	if a.promHandler != nil {
		opts = append(opts, server.WithMetricsHandler(a.promHandler))
	}
	a.srv = server.New(server.Config{
		Provider:     a.provider,
		Orchestrator: a.orch,
		Presets:      a.presets,
		Health:       a.health,
		Hub:          a.hub,
		Model:        a.cfg.TTS.Model,
	}, opts...)
}

// circuitCheck degrades health while every provider's breaker is open.
func (a *App) circuitCheck() health.Checker {
	return health.Checker{
		Name: "tts_circuit",
		Check: func(context.Context) error {
			var open []string
			states := a.provider.BreakerStates()
			for name, st := range states {
				if st == resilience.StateOpen {
					open = append(open, name)
				}
			}
			if len(open) == len(states) {
				slices.Sort(open)
				return fmt.Errorf("all circuits open: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}

// presetsFromConfig converts configured voices, falling back to the built-in
// personalities when none are configured.
func presetsFromConfig(vc config.VoicesConfig) map[string]speech.Preset {
	if len(vc.Presets) == 0 {
		return speech.DefaultPresets()
	}
	out := make(map[string]speech.Preset, len(vc.Presets))
	for name, p := range vc.Presets {
		out[name] = speech.Preset{Name: name, VoiceID: p.VoiceID, Settings: p.VoiceSettings}
	}
	return out
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Orchestrator returns the speech orchestrator.
func (a *App) Orchestrator() *speech.Orchestrator { return a.orch }

// Presets returns the live personality table.
func (a *App) Presets() *speech.Presets { return a.presets }

// Provider returns the provider chain.
func (a *App) Provider() tts.Provider { return a.provider }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and runs the background loops until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.srv.Run(ctx, a.cfg.Server.ListenAddr) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
	if a.errs != nil {
		g.Go(func() error { return a.errs.Run(ctx) })
	}

	slog.Info("app running", "addr", a.cfg.Server.ListenAddr, "personalities", len(a.presets.All()))
	return g.Wait()
}

// Speak speaks text once in the given personality and blocks until playback
// ends. It returns the session's ErrorRecord when it failed.
func (a *App) Speak(ctx context.Context, text, personality string) error {
	if guess, ok := a.presets.Suggest(personality); ok {
		slog.Warn("unknown personality, using default", "personality", personality, "did_you_mean", guess, "default", a.presets.Fallback())
	}

	// Exactly one terminal callback fires per session.
	done := make(chan error, 1)
	_, err := a.orch.SpeakRequest(ctx, a.presets.Request(text, personality), speech.Callbacks{
		OnComplete: func(totalBytes, durationMS int64) {
			slog.Debug("spoken", "bytes", totalBytes, "duration_ms", durationMS)
			done <- nil
		},
		OnError:  func(rec speech.ErrorRecord) { done <- &rec },
		OnCancel: func() { done <- context.Canceled },
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Cancelling ctx cancels the session; collect its outcome.
		return <-done
	}
}

// ApplyConfig applies the live-reloadable parts of a changed config: voice
// presets, the default personality and the log level. Everything else is
// logged as needing a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.VoicesChanged {
		a.presets.Set(presetsFromConfig(new.Voices), new.Voices.Default)
		slog.Info("voice presets reloaded", "changes", len(d.VoiceChanges), "default", a.presets.Fallback())
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(new.Server.LogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil && !errors.Is(err, playback.ErrClosed) {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
