package playback_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/speakstream/pkg/audio"
	"github.com/MrWong99/speakstream/pkg/audio/device"
	"github.com/MrWong99/speakstream/pkg/audio/device/mock"
	"github.com/MrWong99/speakstream/pkg/audio/playback"
)

var format = audio.Format{SampleRate: 16000, Channels: 1}

var errTest = errors.New("test error")

// makeBuffer returns a buffer of the given length in milliseconds.
func makeBuffer(seq, ms int) audio.Buffer {
	return audio.Buffer{Seq: seq, Format: format, Data: make([]byte, ms*32)}
}

// recorder collects hook events for one run.
type recorder struct {
	mu    sync.Mutex
	ended []int
	done  chan playback.Result
}

func newRecorder() *recorder {
	return &recorder{done: make(chan playback.Result, 1)}
}

func (r *recorder) hooks() playback.Hooks {
	return playback.Hooks{
		OnBufferEnd: func(b audio.Buffer) {
			r.mu.Lock()
			r.ended = append(r.ended, b.Seq)
			r.mu.Unlock()
		},
		OnDone: func(res playback.Result) { r.done <- res },
	}
}

func (r *recorder) endedSeqs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ended...)
}

func (r *recorder) wait(t *testing.T) playback.Result {
	t.Helper()
	select {
	case res := <-r.done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDone")
		return playback.Result{}
	}
}

func (r *recorder) assertNotDone(t *testing.T) {
	t.Helper()
	select {
	case res := <-r.done:
		t.Fatalf("unexpected OnDone: %+v", res)
	default:
	}
}

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()
	q := playback.NewQueue()
	if _, ok := q.PopNext(); ok {
		t.Fatal("PopNext on empty queue should report false")
	}
	for i := range 5 {
		q.Push(makeBuffer(i, 10))
	}
	if q.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", q.Len())
	}
	if q.Duration() != 50*time.Millisecond {
		t.Errorf("Duration() = %v, want 50ms", q.Duration())
	}
	for want := range 3 {
		b, ok := q.PopNext()
		if !ok || b.Seq != want {
			t.Fatalf("PopNext = %d, %v; want %d", b.Seq, ok, want)
		}
	}
	if n := q.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Clear = %d", q.Len())
	}
}

func TestScheduler_ZeroGapChaining(t *testing.T) {
	t.Parallel()
	dev := mock.New(format)
	s := playback.New(dev)
	rec := newRecorder()

	if err := s.Start(rec.hooks()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != playback.StateLoading {
		t.Fatalf("State() = %s, want loading", s.State())
	}

	for i, ms := range []int{100, 50, 30} {
		if err := s.Push(makeBuffer(i, ms)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if s.State() != playback.StatePlaying {
		t.Fatalf("State() = %s, want playing", s.State())
	}

	// Only the sounding buffer plus one lookahead are on the device.
	calls := dev.Calls()
	if len(calls) != 2 {
		t.Fatalf("scheduled %d buffers, want 2", len(calls))
	}
	if calls[0].At != 0 || calls[1].At != 100*time.Millisecond {
		t.Errorf("start positions = %v, %v; want 0, 100ms", calls[0].At, calls[1].At)
	}
	if s.Queued() != 1 {
		t.Errorf("Queued() = %d, want 1", s.Queued())
	}

	dev.SetNow(100 * time.Millisecond)
	dev.End(0)
	calls = dev.Calls()
	if len(calls) != 3 {
		t.Fatalf("scheduled %d buffers after first ended, want 3", len(calls))
	}
	if calls[2].At != 150*time.Millisecond {
		t.Errorf("third buffer at %v, want 150ms", calls[2].At)
	}
	for i, c := range calls {
		if c.Buffer.Seq != i {
			t.Errorf("call %d scheduled seq %d", i, c.Buffer.Seq)
		}
	}

	dev.End(1)
	s.Finish()
	rec.assertNotDone(t)
	dev.End(2)

	res := rec.wait(t)
	if res.Outcome != playback.OutcomeDrained {
		t.Errorf("Outcome = %s, want drained", res.Outcome)
	}
	if res.Played != 3 || res.PlayedDuration != 180*time.Millisecond {
		t.Errorf("Played = %d (%v), want 3 (180ms)", res.Played, res.PlayedDuration)
	}
	if got := rec.endedSeqs(); len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Errorf("ended order = %v, want [0 1 2]", got)
	}
	if s.State() != playback.StateIdle {
		t.Errorf("State() = %s, want idle", s.State())
	}
}

func TestScheduler_FrameExactChaining44k(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 44100, Channels: 1}
	tl := device.NewTimeline(f)
	s := playback.New(tl)
	defer s.Close()

	// 1000 frames last 22675736.96ns at 44.1 kHz, which is not a whole
	// number of nanoseconds.
	constant := func(seq int) audio.Buffer {
		data := make([]byte, 1000*2)
		for i := 0; i < len(data); i += 2 {
			binary.LittleEndian.PutUint16(data[i:], 1000)
		}
		return audio.Buffer{Seq: seq, Format: f, Data: data}
	}

	if err := s.Start(playback.Hooks{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := range 2 {
		if err := s.Push(constant(i)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}

	out := make([]byte, 2001*2)
	if _, err := tl.Read(out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, tc := range []struct {
		frame int
		want  int16
	}{
		{0, 1000}, {998, 1000}, {999, 1000}, {1000, 1000}, {1999, 1000}, {2000, 0},
	} {
		if got := int16(binary.LittleEndian.Uint16(out[tc.frame*2:])); got != tc.want {
			t.Errorf("frame %d = %d, want %d", tc.frame, got, tc.want)
		}
	}
}

func TestScheduler_DrainingThenPush(t *testing.T) {
	t.Parallel()
	dev := mock.New(format)
	s := playback.New(dev, playback.WithDrainGrace(time.Hour))
	rec := newRecorder()
	s.Start(rec.hooks())

	s.Push(makeBuffer(0, 20))
	dev.End(0)
	if s.State() != playback.StateDraining {
		t.Fatalf("State() = %s, want draining", s.State())
	}

	// Underrun: the device clock moved past the end of the last buffer.
	dev.SetNow(time.Second)
	s.Push(makeBuffer(1, 20))
	if s.State() != playback.StatePlaying {
		t.Fatalf("State() = %s, want playing", s.State())
	}
	if at := dev.Calls()[1].At; at != time.Second {
		t.Errorf("buffer after underrun at %v, want 1s", at)
	}
	rec.assertNotDone(t)
	s.Cancel()
}

func TestScheduler_DrainGraceTimeout(t *testing.T) {
	t.Parallel()
	dev := mock.New(format)
	s := playback.New(dev, playback.WithDrainGrace(20*time.Millisecond))
	rec := newRecorder()
	s.Start(rec.hooks())

	s.Push(makeBuffer(0, 10))
	dev.End(0)

	res := rec.wait(t)
	if res.Outcome != playback.OutcomeDrained || res.Played != 1 {
		t.Errorf("result = %+v, want drained with 1 played", res)
	}
	if s.State() != playback.StateIdle {
		t.Errorf("State() = %s, want idle", s.State())
	}
}

func TestScheduler_PushResetsGrace(t *testing.T) {
	t.Parallel()
	dev := mock.New(format)
	s := playback.New(dev, playback.WithDrainGrace(60*time.Millisecond))
	rec := newRecorder()
	s.Start(rec.hooks())

	s.Push(makeBuffer(0, 10))
	dev.End(0)
	time.Sleep(40 * time.Millisecond)
	s.Push(makeBuffer(1, 10))
	time.Sleep(40 * time.Millisecond)

	// The first grace timer would have fired by now had Push not reset it.
	rec.assertNotDone(t)
	if s.State() != playback.StatePlaying {
		t.Fatalf("State() = %s, want playing", s.State())
	}
	dev.End(1)
	if res := rec.wait(t); res.Played != 2 {
		t.Errorf("Played = %d, want 2", res.Played)
	}
}

func TestScheduler_FinishWhileLoading(t *testing.T) {
	t.Parallel()
	s := playback.New(mock.New(format))
	rec := newRecorder()
	s.Start(rec.hooks())
	s.Finish()

	res := rec.wait(t)
	if res.Outcome != playback.OutcomeDrained || res.Played != 0 {
		t.Errorf("result = %+v, want drained with nothing played", res)
	}
}

func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()
	dev := mock.New(format)
	s := playback.New(dev)
	rec := newRecorder()
	s.Start(rec.hooks())

	for i := range 4 {
		s.Push(makeBuffer(i, 50))
	}
	if !s.Cancel() {
		t.Fatal("Cancel() = false, want true for an active run")
	}

	if dev.Active() != 0 || s.Active() != 0 {
		t.Errorf("Active() = %d after Cancel, want 0", dev.Active())
	}
	if s.Queued() != 0 {
		t.Errorf("Queued() = %d after Cancel, want 0", s.Queued())
	}
	if s.State() != playback.StateIdle {
		t.Errorf("State() = %s, want idle", s.State())
	}
	if !dev.Stopped(0) || !dev.Stopped(1) {
		t.Error("scheduled voices should be stopped")
	}
	if res := rec.wait(t); res.Outcome != playback.OutcomeCancelled {
		t.Errorf("Outcome = %s, want cancelled", res.Outcome)
	}

	// Idempotent: a second cancel is a no-op and produces no further events.
	if s.Cancel() {
		t.Error("second Cancel() = true, want false")
	}
	if dev.End(0) {
		t.Error("a stopped voice must not end")
	}
	rec.assertNotDone(t)
	if got := rec.endedSeqs(); len(got) != 0 {
		t.Errorf("OnBufferEnd fired after cancel: %v", got)
	}
}

func TestScheduler_StaleEndedIgnored(t *testing.T) {
	t.Parallel()
	dev := mock.New(format)
	s := playback.New(dev)

	first := newRecorder()
	s.Start(first.hooks())
	s.Push(makeBuffer(0, 10))
	calls := dev.Calls()
	s.Cancel()
	first.wait(t)

	second := newRecorder()
	s.Start(second.hooks())
	s.Push(makeBuffer(0, 10))

	// Deliver the old run's ended callback directly, bypassing the mock's
	// stopped check, the way a late device event would arrive.
	calls[0].Ended()
	if got := second.endedSeqs(); len(got) != 0 {
		t.Errorf("stale ended event reached the new run: %v", got)
	}
	if s.State() != playback.StatePlaying {
		t.Errorf("State() = %s, want playing", s.State())
	}
	s.Cancel()
}

func TestScheduler_DeviceFailure(t *testing.T) {
	t.Parallel()
	dev := mock.New(format)
	dev.ScheduleErr = errTest
	s := playback.New(dev)
	rec := newRecorder()
	s.Start(rec.hooks())
	s.Push(makeBuffer(0, 10))

	res := rec.wait(t)
	if res.Outcome != playback.OutcomeFailed || !errors.Is(res.Err, errTest) {
		t.Errorf("result = %+v, want failed wrapping errTest", res)
	}
	if s.State() != playback.StateIdle || s.Queued() != 0 {
		t.Errorf("scheduler not idle and empty after failure: %s, %d queued", s.State(), s.Queued())
	}
}

func TestScheduler_Errors(t *testing.T) {
	t.Parallel()
	dev := mock.New(format)
	s := playback.New(dev)

	if err := s.Push(makeBuffer(0, 10)); !errors.Is(err, playback.ErrIdle) {
		t.Errorf("Push while idle: got %v, want ErrIdle", err)
	}
	s.Start(playback.Hooks{})
	if err := s.Start(playback.Hooks{}); !errors.Is(err, playback.ErrBusy) {
		t.Errorf("second Start: got %v, want ErrBusy", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.Close()
	if dev.CloseCount != 1 {
		t.Errorf("device closed %d times, want 1", dev.CloseCount)
	}
	if err := s.Start(playback.Hooks{}); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Start after Close: got %v, want ErrClosed", err)
	}
	if err := s.Push(makeBuffer(0, 10)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Push after Close: got %v, want ErrClosed", err)
	}
}

func TestScheduler_NullDevice(t *testing.T) {
	t.Parallel()
	dev := device.NewNull(format, device.WithTick(time.Millisecond))
	s := playback.New(dev)
	defer s.Close()

	rec := newRecorder()
	s.Start(rec.hooks())
	for i := range 5 {
		s.Push(makeBuffer(i, 10))
	}
	s.Finish()

	res := rec.wait(t)
	if res.Outcome != playback.OutcomeDrained || res.Played != 5 {
		t.Fatalf("result = %+v, want drained with 5 played", res)
	}
	got := rec.endedSeqs()
	for i, seq := range got {
		if seq != i {
			t.Fatalf("playback order = %v, want ascending", got)
		}
	}
	if dev.Active() != 0 {
		t.Errorf("Active() = %d, want 0", dev.Active())
	}
}

func TestStateStrings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		got, want string
	}{
		{playback.StateIdle.String(), "idle"},
		{playback.StateLoading.String(), "loading"},
		{playback.StatePlaying.String(), "playing"},
		{playback.StateDraining.String(), "draining"},
		{playback.State(42).String(), "State(42)"},
		{playback.OutcomeCancelled.String(), "cancelled"},
		{playback.OutcomeFailed.String(), "failed"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}
