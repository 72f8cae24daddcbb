// Package playback schedules decoded audio on an output device with
// sample-accurate, gap-free chaining.
//
// A [Scheduler] owns one [device.Device] and drains a [Queue] into it. Each
// buffer is scheduled to begin exactly where the previous one ends on the
// device clock. At most one buffer is scheduled ahead of the one currently
// sounding, so a cancel has very little to tear down.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio"
	"github.com/MrWong99/speakstream/pkg/audio/device"
)

const (
	// DefaultDrainGrace is how long the scheduler waits in the draining state
	// for another buffer before it presumes the run complete.
	DefaultDrainGrace = 2 * time.Second

	// lookahead is the number of buffers scheduled beyond the sounding one.
	lookahead = 1
)

var (
	// ErrClosed is returned after [Scheduler.Close].
	ErrClosed = errors.New("playback: scheduler closed")

	// ErrBusy is returned by [Scheduler.Start] when a run is already active.
	ErrBusy = errors.New("playback: scheduler busy")

	// ErrIdle is returned by [Scheduler.Push] when no run is active.
	ErrIdle = errors.New("playback: scheduler idle")
)

// Result reports how a run ended.
type Result struct {
	Outcome Outcome

	// Err is set for OutcomeFailed.
	Err error

	// Played counts buffers that finished sounding during the run.
	Played int

	// PlayedDuration is the total length of the played buffers.
	PlayedDuration time.Duration
}

// Hooks receives events for a single run. Hooks are invoked without any
// scheduler lock held and may call back into the scheduler.
type Hooks struct {
	// OnBufferEnd is called after each buffer finishes sounding.
	OnBufferEnd func(buf audio.Buffer)

	// OnDone is called exactly once when the run returns to idle.
	OnDone func(Result)
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithDrainGrace sets the draining-to-idle grace period.
func WithDrainGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithQueue makes the scheduler drain q instead of a private queue.
func WithQueue(q *Queue) Option {
	return func(s *Scheduler) {
		if q != nil {
			s.queue = q
		}
	}
}

type scheduled struct {
	voice device.Voice
	buf   audio.Buffer
}

// Scheduler drives an output device from a [Queue].
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	dev   device.Device
	queue *Queue
	grace time.Duration

	mu       sync.Mutex
	state    State
	run      uint64 // incremented whenever a run ends; stale device events carry an old value
	hooks    Hooks
	voices   []scheduled
	next     int64 // device frame where the next buffer starts
	sealed   bool
	drainSeq uint64
	timer    *time.Timer
	played   int
	playedD  time.Duration
	closed   bool
}

// New creates a [Scheduler] that exclusively owns dev. [Scheduler.Close]
// closes dev.
func New(dev device.Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:   dev,
		queue: NewQueue(),
		grace: DefaultDrainGrace,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Device returns the output device driven by the scheduler.
func (s *Scheduler) Device() device.Device { return s.dev }

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns how many buffers are scheduled or sounding on the device.
func (s *Scheduler) Active() int {
	return s.dev.Active()
}

// Queued returns how many buffers wait in the queue.
func (s *Scheduler) Queued() int {
	return s.queue.Len()
}

// Start begins a new run and moves idle to loading. h receives the run's
// events.
func (s *Scheduler) Start(h Hooks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.state != StateIdle {
		return ErrBusy
	}
	s.state = StateLoading
	s.hooks = h
	s.sealed = false
	s.played = 0
	s.playedD = 0
	s.voices = nil
	s.queue.Clear()
	return nil
}

// Push enqueues buf for the active run. In the loading and draining states
// the buffer starts playing immediately; while playing it is chained after
// the buffers already scheduled.
func (s *Scheduler) Push(buf audio.Buffer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateIdle {
		s.mu.Unlock()
		return ErrIdle
	}
	s.queue.Push(buf)
	if s.state == StateDraining {
		s.stopTimerLocked()
	}
	done := s.fillLocked()
	s.mu.Unlock()

	done()
	return nil
}

// Finish marks the active run as complete: no more buffers will be pushed.
// The run goes idle as soon as the last scheduled buffer ends, without
// waiting for the drain grace period.
func (s *Scheduler) Finish() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.sealed = true
	done := func() {}
	if len(s.voices) == 0 && s.queue.Len() == 0 {
		done = s.endLocked(OutcomeDrained, nil)
	}
	s.mu.Unlock()

	done()
}

// Cancel stops output immediately: every scheduled voice is stopped, the
// queue is cleared and the scheduler returns to idle before Cancel returns.
// It reports whether a run was active; cancelling while idle is a no-op.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return false
	}
	done := s.endLocked(OutcomeCancelled, nil)
	s.mu.Unlock()

	done()
	return true
}

// Close cancels any active run and closes the device. Close is idempotent.
func (s *Scheduler) Close() error {
	s.Cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.dev.Close()
}

// fillLocked schedules queued buffers until the lookahead is full. It returns
// a function delivering any resulting hook, to be called after unlocking.
func (s *Scheduler) fillLocked() func() {
	for len(s.voices) <= lookahead {
		buf, ok := s.queue.PopNext()
		if !ok {
			break
		}

		// Chain at the end of the previous buffer; after an underrun the
		// device clock is already past that point and the buffer starts now.
		f := s.dev.Format()
		start := max(s.next, f.Frames(s.dev.Now()))
		at := f.Offset(start)
		run := s.run
		v, err := s.dev.Schedule(buf, at, func() { s.ended(run, buf) })
		if err != nil {
			return s.endLocked(OutcomeFailed, fmt.Errorf("playback: schedule buffer %d: %w", buf.Seq, err))
		}
		s.voices = append(s.voices, scheduled{voice: v, buf: buf})
		s.next = start + buf.Frames()
		s.state = StatePlaying
	}
	return func() {}
}

// ended handles the device's buffer-finished event.
func (s *Scheduler) ended(run uint64, buf audio.Buffer) {
	s.mu.Lock()
	if run != s.run || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.voices = slices.DeleteFunc(s.voices, func(v scheduled) bool { return v.buf.Seq == buf.Seq })
	s.played++
	s.playedD += buf.Duration()
	onEnd := s.hooks.OnBufferEnd

	done := s.fillLocked()
	if s.state == StatePlaying && len(s.voices) == 0 {
		if s.sealed {
			done = s.endLocked(OutcomeDrained, nil)
		} else {
			s.state = StateDraining
			s.armTimerLocked()
		}
	}
	s.mu.Unlock()

	if onEnd != nil {
		onEnd(buf)
	}
	done()
}

func (s *Scheduler) armTimerLocked() {
	s.drainSeq++
	seq, run := s.drainSeq, s.run
	s.timer = time.AfterFunc(s.grace, func() { s.drainTimeout(run, seq) })
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.drainSeq++
}

func (s *Scheduler) drainTimeout(run, seq uint64) {
	s.mu.Lock()
	if run != s.run || seq != s.drainSeq || s.state != StateDraining {
		s.mu.Unlock()
		return
	}
	slog.Debug("playback: drain grace period elapsed", "grace", s.grace, "played", s.played)
	done := s.endLocked(OutcomeDrained, nil)
	s.mu.Unlock()

	done()
}

// endLocked tears the run down and returns to idle. It returns a function that
// delivers OnDone, to be called after unlocking.
func (s *Scheduler) endLocked(outcome Outcome, err error) func() {
	for _, v := range s.voices {
		v.voice.Stop()
	}
	s.voices = nil
	s.queue.Clear()
	s.stopTimerLocked()
	s.run++
	s.state = StateIdle
	s.next = 0

	res := Result{Outcome: outcome, Err: err, Played: s.played, PlayedDuration: s.playedD}
	onDone := s.hooks.OnDone
	s.hooks = Hooks{}

	if err != nil {
		slog.Warn("playback: run failed", "err", err, "played", res.Played)
	}
	return func() {
		if onDone != nil {
			onDone(res)
		}
	}
}
