// Package device provides audio output devices for the playback pipeline.
//
// A [Device] exposes a sample clock and accepts buffers scheduled at absolute
// positions on that clock, the way a hardware mixer or a browser audio context
// does. This lets the playback scheduler chain consecutive buffers with zero
// gap: each buffer is placed exactly where the previous one ends.
//
// Two implementations are provided: [NullDevice], which advances the clock in
// real time without producing sound (headless servers and tests), and the
// oto-backed device returned by [NewOto] when built with the "oto" tag.
//
// The output device is a process-wide resource. Use [Shared] to lazily open
// the single instance and [Destroy] to release it.
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio"
)

// ErrClosed is returned by [Device.Schedule] after the device was closed.
var ErrClosed = errors.New("device: closed")

// Device is an audio output with a monotonic sample clock.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Format returns the PCM format every scheduled buffer must use.
	Format() audio.Format

	// Now returns the current position of the device clock, i.e. how much
	// audio has been rendered since the device was opened.
	Now() time.Duration

	// Schedule places buf on the device timeline starting at clock position
	// at. A position in the past starts the buffer immediately. ended is
	// called once the last frame has been rendered; it is never called for a
	// voice that was stopped. ended is invoked from a device-owned goroutine
	// and may call back into the device.
	Schedule(buf audio.Buffer, at time.Duration, ended func()) (Voice, error)

	// Active returns the number of voices that are scheduled or sounding.
	Active() int

	// Close stops all voices and releases the device. Close is idempotent.
	Close() error
}

// Voice is a single buffer scheduled on a [Device].
type Voice interface {
	// Stop removes the voice from the timeline. A stopped voice never plays
	// another frame and its ended callback never fires. Stop is idempotent.
	Stop()
}

// Kind names a device implementation.
type Kind string

const (
	KindNull Kind = "null"
	KindOto  Kind = "oto"
)

// Options configures [Open].
type Options struct {
	Format audio.Format

	// Tick is the render quantum: the clock granularity of [NullDevice] and
	// the output buffer length of the oto device. Zero selects [DefaultTick].
	Tick time.Duration
}

// Open creates a device of the given kind.
func Open(kind Kind, opts Options) (Device, error) {
	if !opts.Format.Valid() {
		return nil, fmt.Errorf("device: invalid format %s", opts.Format)
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	switch kind {
	case KindNull, "":
		return NewNull(opts.Format, WithTick(opts.Tick)), nil
	case KindOto:
		return NewOto(opts.Format, opts.Tick)
	default:
		return nil, fmt.Errorf("device: unknown kind %q", kind)
	}
}

var shared struct {
	mu  sync.Mutex
	dev Device
}

// Shared returns the process-wide output device, calling open to create it on
// first use. Subsequent calls return the same instance until [Destroy].
func Shared(open func() (Device, error)) (Device, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.dev != nil {
		return shared.dev, nil
	}
	dev, err := open()
	if err != nil {
		return nil, err
	}
	shared.dev = dev
	return dev, nil
}

// Destroy closes the process-wide device, if any. A later [Shared] call opens
// a fresh one.
func Destroy() error {
	shared.mu.Lock()
	dev := shared.dev
	shared.dev = nil
	shared.mu.Unlock()

	if dev == nil {
		return nil
	}
	return dev.Close()
}
