package main

import (
	"log/slog"
	"net/http"

	"github.com/MrWong99/speakstream/internal/config"
	"github.com/MrWong99/speakstream/pkg/audio"
	"github.com/MrWong99/speakstream/pkg/audio/device"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
	"github.com/MrWong99/speakstream/pkg/provider/tts/coqui"
	"github.com/MrWong99/speakstream/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/speakstream/pkg/provider/tts/gateway"
)

// registerBuiltinProviders wires the built-in TTS provider factories into
// reg. Each factory receives a config.ProviderEntry and constructs the
// provider from its implementation package.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.StringOption("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if t := entry.Transport(); t != "" {
			opts = append(opts, elevenlabs.WithTransport(t))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if d := entry.Timeout(); d > 0 {
			opts = append(opts, elevenlabs.WithHTTPClient(&http.Client{Timeout: d}))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("gateway", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []gateway.Option{
			gateway.WithModel(entry.Model),
			gateway.WithPath(entry.StringOption("path")),
		}
		if entry.APIKey != "" {
			opts = append(opts, gateway.WithAPIKey(entry.APIKey))
		}
		if d := entry.Timeout(); d > 0 {
			opts = append(opts, gateway.WithTimeout(d))
		}
		return gateway.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.StringOption("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := entry.Timeout(); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, name := range reg.TTSNames() {
		slog.Debug("registered provider", "kind", "tts", "name", name)
	}
}

// registerBuiltinDevices wires the output devices into reg.
func registerBuiltinDevices(reg *config.Registry) {
	open := func(pc config.PlaybackConfig) (device.Device, error) {
		return device.Open(pc.Device, device.Options{
			Format: audio.Format{SampleRate: pc.SampleRate, Channels: pc.Channels},
			Tick:   pc.Tick(),
		})
	}
	reg.RegisterDevice(device.KindNull, open)
	reg.RegisterDevice(device.KindOto, open)
}
