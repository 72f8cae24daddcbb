package device

import (
	"sync"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio"
)

// DefaultTick is the default render quantum.
const DefaultTick = 10 * time.Millisecond

// Compile-time interface assertion.
var _ Device = (*NullDevice)(nil)

// NullOption configures a [NullDevice].
type NullOption func(*NullDevice)

// WithTick sets how often the clock advances. The clock tracks wall time, so
// the tick only changes granularity, not speed.
func WithTick(d time.Duration) NullOption {
	return func(n *NullDevice) {
		if d > 0 {
			n.tick = d
		}
	}
}

// NullDevice is a [Device] that renders in real time and discards the output.
type NullDevice struct {
	*Timeline

	tick      time.Duration
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewNull creates a [NullDevice] and starts its clock.
func NewNull(f audio.Format, opts ...NullOption) *NullDevice {
	n := &NullDevice{
		Timeline: NewTimeline(f),
		tick:     DefaultTick,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	go n.run()
	return n
}

// Close implements [Device].
func (n *NullDevice) Close() error {
	n.closeOnce.Do(func() {
		close(n.stop)
		<-n.stopped
	})
	return n.Timeline.Close()
}

func (n *NullDevice) run() {
	defer close(n.stopped)

	ticker := time.NewTicker(n.tick)
	defer ticker.Stop()

	started := time.Now()
	var rendered int64
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			target := n.format.Frames(time.Since(started))
			n.AdvanceFrames(target - rendered)
			rendered = target
		}
	}
}
