package speech

import (
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// DefaultPersonality is used when a request names no known personality.
const DefaultPersonality = "friend"

// Preset is the voice a personality speaks with.
type Preset struct {
	Name     string            `json:"name"`
	VoiceID  string            `json:"voice_id"`
	Settings tts.VoiceSettings `json:"settings"`
}

// DefaultPresets returns the built-in personalities.
func DefaultPresets() map[string]Preset {
	return map[string]Preset{
		"friend": {Name: "friend", VoiceID: "21m00Tcm4TlvDq8ikWAM", Settings: tts.VoiceSettings{Stability: 0.75, SimilarityBoost: 0.8, Style: 0.4, UseSpeakerBoost: true}},
		"nerd":   {Name: "nerd", VoiceID: "yoZ06aMxZJJ28mfd3POQ", Settings: tts.VoiceSettings{Stability: 0.9, SimilarityBoost: 0.7, Style: 0.2, UseSpeakerBoost: true}},
		"zen":    {Name: "zen", VoiceID: "EXAVITQu4vr4xnSDxMaL", Settings: tts.VoiceSettings{Stability: 0.95, SimilarityBoost: 0.6, Style: 0.1, UseSpeakerBoost: false}},
		"pirate": {Name: "pirate", VoiceID: "SOYHLrjzK2X1ezoPC6cr", Settings: tts.VoiceSettings{Stability: 0.6, SimilarityBoost: 0.85, Style: 0.7, UseSpeakerBoost: true}},
		"drama":  {Name: "drama", VoiceID: "jBpfuIE2acCO8z3wKNLl", Settings: tts.VoiceSettings{Stability: 0.5, SimilarityBoost: 0.9, Style: 0.8, UseSpeakerBoost: true}},
	}
}

type presetTable struct {
	byName   map[string]Preset
	fallback string
}

// Presets resolves personalities to voices. The table can be swapped while
// requests are resolved against it.
type Presets struct {
	table atomic.Pointer[presetTable]
}

// NewPresets returns a Presets holding m. fallback names the preset used for
// unknown personalities; if it is not in m, [DefaultPersonality] is used and
// then the first name in sorted order.
func NewPresets(m map[string]Preset, fallback string) *Presets {
	p := &Presets{}
	p.Set(m, fallback)
	return p
}

// Set replaces the table.
func (p *Presets) Set(m map[string]Preset, fallback string) {
	t := &presetTable{byName: make(map[string]Preset, len(m))}
	for name, pr := range m {
		name = strings.ToLower(name)
		pr.Name = name
		t.byName[name] = pr
	}
	fallback = strings.ToLower(fallback)
	switch {
	case hasKey(t.byName, fallback):
		t.fallback = fallback
	case hasKey(t.byName, DefaultPersonality):
		t.fallback = DefaultPersonality
	case len(t.byName) > 0:
		t.fallback = slices.Sorted(maps.Keys(t.byName))[0]
	}
	p.table.Store(t)
}

// Resolve returns the preset for personality, case-insensitively. An unknown
// personality resolves to the fallback preset and ok is false.
func (p *Presets) Resolve(personality string) (pr Preset, ok bool) {
	t := p.table.Load()
	if pr, ok := t.byName[strings.ToLower(personality)]; ok {
		return pr, true
	}
	return t.byName[t.fallback], false
}

// suggestThreshold is the minimum Jaro-Winkler similarity for [Presets.Suggest].
const suggestThreshold = 0.85

// Suggest returns the known personality closest to name, for "did you mean"
// hints on typos. ok is false when name is already known or nothing is close
// enough.
func (p *Presets) Suggest(name string) (suggestion string, ok bool) {
	t := p.table.Load()
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || hasKey(t.byName, name) {
		return "", false
	}
	best := 0.0
	for _, known := range slices.Sorted(maps.Keys(t.byName)) {
		if score := matchr.JaroWinkler(name, known, false); score > best {
			best, suggestion = score, known
		}
	}
	if best < suggestThreshold {
		return "", false
	}
	return suggestion, true
}

// Fallback returns the name of the fallback preset.
func (p *Presets) Fallback() string {
	return p.table.Load().fallback
}

// All returns every preset sorted by name.
func (p *Presets) All() []Preset {
	t := p.table.Load()
	out := make([]Preset, 0, len(t.byName))
	for _, name := range slices.Sorted(maps.Keys(t.byName)) {
		out = append(out, t.byName[name])
	}
	return out
}

// Request builds the SpeechRequest for text spoken by personality.
func (p *Presets) Request(text, personality string) SpeechRequest {
	pr, _ := p.Resolve(personality)
	settings := pr.Settings
	return SpeechRequest{Text: text, VoiceID: pr.VoiceID, Settings: &settings}
}

func hasKey(m map[string]Preset, k string) bool {
	_, ok := m[k]
	return ok
}
