//go:build oto

package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/speakstream/pkg/audio"
)

// OtoDevice plays a [Timeline] through the system audio output using oto.
type OtoDevice struct {
	*Timeline

	ctx    *oto.Context
	player *oto.Player

	closeOnce sync.Once
	closeErr  error
}

// NewOto opens the system audio output. oto allows a single context per
// process, so callers should go through [Shared].
func NewOto(f audio.Format, bufferLen time.Duration) (Device, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferLen,
	})
	if err != nil {
		return nil, fmt.Errorf("device: open oto context: %w", err)
	}
	<-ready

	tl := NewTimeline(f)
	player := ctx.NewPlayer(tl)
	// Keep the player's read-ahead at one tick so a stopped voice goes silent
	// within one render quantum.
	player.SetBufferSize(int(f.Frames(bufferLen)) * f.FrameSize())
	player.Play()

	return &OtoDevice{Timeline: tl, ctx: ctx, player: player}, nil
}

// Close implements [Device]. Only the first call releases the player; later
// calls return its error.
func (d *OtoDevice) Close() error {
	d.closeOnce.Do(func() {
		d.Timeline.Clear()
		err := d.player.Close()
		if serr := d.ctx.Suspend(); err == nil {
			err = serr
		}
		d.Timeline.Close()
		d.closeErr = err
	})
	return d.closeErr
}
