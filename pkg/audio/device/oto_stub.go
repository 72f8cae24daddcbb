//go:build !oto

package device

import (
	"errors"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio"
)

// NewOto reports that system audio output is unavailable in this build.
// Rebuild with -tags oto (requires cgo and the platform audio headers).
func NewOto(audio.Format, time.Duration) (Device, error) {
	return nil, errors.New("device: built without oto support (rebuild with -tags oto)")
}
