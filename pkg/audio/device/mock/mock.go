// Package mock provides a scriptable [device.Device] for unit tests.
//
// The mock never advances its clock on its own. Tests move time with
// [Device.SetNow] and end voices explicitly with [Device.End], which makes
// scheduler behaviour fully deterministic.
//
//	dev := mock.New(audio.Format{SampleRate: 16000, Channels: 1})
//	// ... schedule through the code under test ...
//	dev.End(0) // fires the first voice's ended callback
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio"
	"github.com/MrWong99/speakstream/pkg/audio/device"
)

// Compile-time interface assertion.
var _ device.Device = (*Device)(nil)

// ScheduleCall records one [Device.Schedule] invocation.
type ScheduleCall struct {
	Buffer audio.Buffer
	At     time.Duration
	Ended  func()

	voice *Voice
}

// Voice is the mock [device.Voice].
type Voice struct {
	d       *Device
	stopped bool
	ended   bool
}

// Stop implements [device.Voice].
func (v *Voice) Stop() {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	v.stopped = true
}

// Device is a mock implementation of [device.Device].
type Device struct {
	mu sync.Mutex

	format audio.Format
	now    time.Duration

	// ScheduleErr, when non-nil, is returned by every Schedule call.
	ScheduleErr error

	// ScheduleCalls records every successful Schedule call in order.
	ScheduleCalls []ScheduleCall

	// CloseCount records how many times Close was called.
	CloseCount int
}

// New returns a mock device with the given format and a clock at zero.
func New(f audio.Format) *Device {
	return &Device{format: f}
}

// Format implements [device.Device].
func (d *Device) Format() audio.Format { return d.format }

// Now implements [device.Device].
func (d *Device) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetNow moves the mock clock.
func (d *Device) SetNow(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = t
}

// Schedule implements [device.Device].
func (d *Device) Schedule(buf audio.Buffer, at time.Duration, ended func()) (device.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleErr != nil {
		return nil, d.ScheduleErr
	}
	v := &Voice{d: d}
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{Buffer: buf, At: at, Ended: ended, voice: v})
	return v, nil
}

// Active implements [device.Device]. It counts voices that were neither
// stopped nor ended.
func (d *Device) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.ScheduleCalls {
		if !c.voice.stopped && !c.voice.ended {
			n++
		}
	}
	return n
}

// Close implements [device.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCount++
	return nil
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CloseCount > 0
}

// Calls returns a copy of the recorded Schedule calls.
func (d *Device) Calls() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ScheduleCall(nil), d.ScheduleCalls...)
}

// Stopped reports whether the i-th scheduled voice was stopped.
func (d *Device) Stopped(i int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ScheduleCalls[i].voice.stopped
}

// End marks the i-th scheduled voice as finished and invokes its ended
// callback synchronously, unless the voice was stopped. It reports whether
// the callback ran.
func (d *Device) End(i int) bool {
	d.mu.Lock()
	c := d.ScheduleCalls[i]
	if c.voice.stopped || c.voice.ended {
		d.mu.Unlock()
		return false
	}
	c.voice.ended = true
	d.mu.Unlock()

	if c.Ended != nil {
		c.Ended()
	}
	return true
}
