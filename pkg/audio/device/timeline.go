package device

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Device    = (*Timeline)(nil)
	_ io.Reader = (*Timeline)(nil)
)

// Timeline is a software mixer that renders scheduled voices into a PCM
// stream. Its clock advances only as frames are rendered, either by [Read]
// (pulled by a real output) or by [Advance] (driven by a ticker).
//
// Ended callbacks are delivered in order on a dedicated goroutine so that a
// slow callback never stalls rendering.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	format audio.Format

	mu     sync.Mutex
	clock  int64 // frames rendered so far
	voices []*voice
	closed bool

	pending []func()
	notify  chan struct{} // signalled when pending gains entries
	done    chan struct{} // closed by Close to stop the dispatch goroutine
}

type voice struct {
	t     *Timeline
	start int64
	data  []byte
	ended func()
}

func (v *voice) end() int64 {
	return v.start + int64(len(v.data)/v.t.format.FrameSize())
}

func (v *voice) Stop() {
	v.t.remove(v)
}

// NewTimeline creates a [Timeline] for format f and starts its callback
// dispatcher. Call [Timeline.Close] to stop it.
func NewTimeline(f audio.Format) *Timeline {
	t := &Timeline{
		format: f,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go t.dispatch()
	return t
}

// Format implements [Device].
func (t *Timeline) Format() audio.Format { return t.format }

// Now implements [Device].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durationOf(t.clock)
}

// Active implements [Device].
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Schedule implements [Device].
func (t *Timeline) Schedule(buf audio.Buffer, at time.Duration, ended func()) (Voice, error) {
	if buf.Format != t.format {
		return nil, fmt.Errorf("device: buffer format %s does not match device format %s", buf.Format, t.format)
	}
	if len(buf.Data)%t.format.FrameSize() != 0 {
		return nil, &audio.ErrMisaligned{Bytes: len(buf.Data), Format: buf.Format}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	start := t.format.Frames(at)
	if start < t.clock {
		start = t.clock
	}
	v := &voice{t: t, start: start, data: buf.Data, ended: ended}

	// Keep voices ordered by start so ended callbacks fire in timeline order.
	i, _ := slices.BinarySearchFunc(t.voices, start, func(v *voice, s int64) int {
		if v.start <= s {
			return -1
		}
		return 1
	})
	t.voices = slices.Insert(t.voices, i, v)
	return v, nil
}

// Read renders the next len(p) bytes of output (rounded down to whole frames)
// and advances the clock accordingly. Read never blocks and never returns an
// error; gaps between voices render as silence.
func (t *Timeline) Read(p []byte) (int, error) {
	fs := t.format.FrameSize()
	n := len(p) / fs * fs
	clear(p[:n])
	t.render(p[:n], int64(n/fs))
	return n, nil
}

// Advance moves the clock forward by d without producing output.
func (t *Timeline) Advance(d time.Duration) {
	if frames := t.format.Frames(d); frames > 0 {
		t.render(nil, frames)
	}
}

// AdvanceFrames moves the clock forward by n frames without producing output.
func (t *Timeline) AdvanceFrames(n int64) {
	if n > 0 {
		t.render(nil, n)
	}
}

// Closed reports whether Close was called.
func (t *Timeline) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Clear stops every voice and returns how many were removed.
func (t *Timeline) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.voices)
	t.voices = nil
	return n
}

// Close implements [Device]. Pending ended callbacks are discarded.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.voices = nil
	t.pending = nil
	t.mu.Unlock()

	close(t.done)
	return nil
}

// render mixes voices overlapping [clock, clock+frames) into out (which may
// be nil) and retires the voices that finished.
func (t *Timeline) render(out []byte, frames int64) {
	fs := int64(t.format.FrameSize())

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	from, to := t.clock, t.clock+frames
	kept := t.voices[:0]
	for _, v := range t.voices {
		if out != nil {
			lo, hi := max(v.start, from), min(v.end(), to)
			if lo < hi {
				mix16(out[(lo-from)*fs:(hi-from)*fs], v.data[(lo-v.start)*fs:(hi-v.start)*fs])
			}
		}
		if v.end() <= to {
			if v.ended != nil {
				t.pending = append(t.pending, v.ended)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.clock = to

	if len(t.pending) > 0 {
		select {
		case t.notify <- struct{}{}:
		default:
		}
	}
}

func (t *Timeline) remove(target *voice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.voices = slices.DeleteFunc(t.voices, func(v *voice) bool { return v == target })
}

func (t *Timeline) dispatch() {
	for {
		select {
		case <-t.done:
			return
		case <-t.notify:
		}

		for {
			t.mu.Lock()
			if len(t.pending) == 0 || t.closed {
				t.mu.Unlock()
				break
			}
			fn := t.pending[0]
			t.pending = t.pending[1:]
			t.mu.Unlock()

			fn()
		}
	}
}

func (t *Timeline) durationOf(frames int64) time.Duration {
	return t.format.Offset(frames)
}

// mix16 adds src into dst sample by sample with int16 saturation.
func mix16(dst, src []byte) {
	for i := 0; i+1 < len(dst) && i+1 < len(src); i += 2 {
		a := int32(int16(dst[i]) | int16(dst[i+1])<<8)
		b := int32(int16(src[i]) | int16(src[i+1])<<8)
		s := a + b
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		dst[i] = byte(s)
		dst[i+1] = byte(s >> 8)
	}
}
