package config

import (
	"slices"
	"strings"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	VoicesChanged  bool        // true if any preset or the default personality changed
	VoiceChanges   []VoiceDiff // per-personality diffs, sorted by name
	DefaultChanged bool
	NewDefault     string

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists sections that changed but only take effect after
	// a restart.
	RestartRequired []string
}

// VoiceDiff describes what changed for a single personality between two configs.
type VoiceDiff struct {
	Name            string
	VoiceIDChanged  bool
	SettingsChanged bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; everything else
// is listed in RestartRequired.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Default personality
	if !strings.EqualFold(old.Voices.Default, new.Voices.Default) {
		d.DefaultChanged = true
		d.NewDefault = strings.ToLower(new.Voices.Default)
		d.VoicesChanged = true
	}

	oldVoices := lowerKeys(old.Voices.Presets)
	newVoices := lowerKeys(new.Voices.Presets)

	// Detect modified and removed presets.
	for name, o := range oldVoices {
		n, exists := newVoices[name]
		if !exists {
			d.VoiceChanges = append(d.VoiceChanges, VoiceDiff{Name: name, Removed: true})
			continue
		}
		vd := VoiceDiff{
			Name:            name,
			VoiceIDChanged:  o.VoiceID != n.VoiceID,
			SettingsChanged: o.VoiceSettings != n.VoiceSettings,
		}
		if vd.VoiceIDChanged || vd.SettingsChanged {
			d.VoiceChanges = append(d.VoiceChanges, vd)
		}
	}

	// Detect added presets.
	for name := range newVoices {
		if _, exists := oldVoices[name]; !exists {
			d.VoiceChanges = append(d.VoiceChanges, VoiceDiff{Name: name, Added: true})
		}
	}
	if len(d.VoiceChanges) > 0 {
		d.VoicesChanged = true
		slices.SortFunc(d.VoiceChanges, func(a, b VoiceDiff) int { return strings.Compare(a.Name, b.Name) })
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameProvider(old.TTS, new.TTS) {
		d.RestartRequired = append(d.RestartRequired, "tts")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.ErrLog != new.ErrLog {
		d.RestartRequired = append(d.RestartRequired, "errlog")
	}
	if !slices.Equal(old.Bus.Servers, new.Bus.Servers) || old.Bus.SubjectPrefix != new.Bus.SubjectPrefix {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}

	return d
}

func lowerKeys(m map[string]VoicePreset) map[string]VoicePreset {
	out := make(map[string]VoicePreset, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// sameProvider compares the identifying fields of two TTS configs. Options
// are not compared.
func sameProvider(a, b TTSConfig) bool {
	key := func(e ProviderEntry) string { return e.Name + "\x00" + e.BaseURL + "\x00" + e.Model + "\x00" + e.APIKey }
	if key(a.ProviderEntry) != key(b.ProviderEntry) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if key(a.Fallbacks[i]) != key(b.Fallbacks[i]) {
			return false
		}
	}
	return true
}
