// Package speech turns text into audible speech. It fetches synthesized audio
// from a TTS provider as a stream of chunks, decodes every chunk as it
// arrives and hands the buffers to a playback scheduler while the rest of
// the response is still downloading.
//
// The [Orchestrator] is the entry point. It runs at most one session at a
// time: a new [Orchestrator.Speak] cancels the session before it. Every
// session carries a generation token so that stragglers of a superseded
// session never reach the caller.
//
// Decode failures of single chunks are counted and skipped. Network and
// provider failures, and a first chunk that cannot be decoded, end the
// session with an [ErrorRecord]. Nothing is retried.
package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/speakstream/internal/observe"
	"github.com/MrWong99/speakstream/pkg/audio"
	"github.com/MrWong99/speakstream/pkg/audio/decode"
	"github.com/MrWong99/speakstream/pkg/audio/playback"
	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// ErrClosed is returned by [Orchestrator.Speak] after [Orchestrator.Close].
var ErrClosed = errors.New("speech: orchestrator closed")

// Decoder turns one encoded chunk into PCM. *decode.Registry implements it.
type Decoder interface {
	Decode(chunk audio.Chunk) (audio.Buffer, error)
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithRecorder sets the metrics recorder. By default each Orchestrator gets
// its own.
func WithRecorder(r *Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.rec = r
		}
	}
}

// WithObserver adds an observer that sees the events of every session.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithDecoder replaces the process-wide [decode.Shared] registry.
func WithDecoder(d Decoder) Option {
	return func(o *Orchestrator) {
		if d != nil {
			o.decoder = d
		}
	}
}

// WithTextFilter rewrites every text before it is sent to the provider.
func WithTextFilter(fn func(string) string) Option {
	return func(o *Orchestrator) { o.filter = fn }
}

type delivery struct {
	s  *session
	ev Event
}

// Orchestrator drives Fetcher, decoder and scheduler for one speech session
// at a time.
//
// All methods are safe for concurrent use.
type Orchestrator struct {
	fetcher   *Fetcher
	decoder   Decoder
	sched     *playback.Scheduler
	rec       *Recorder
	observers []Observer
	filter    func(string) string

	// schedMu serialises scheduler calls. It is acquired before mu; the
	// scheduler hooks only ever take mu.
	schedMu sync.Mutex

	mu     sync.Mutex
	gen    uint64
	active *session
	queue  []delivery
	closed bool

	notify     chan struct{}
	stop       chan struct{}
	dispatched chan struct{}
	closeOnce  sync.Once
}

// New returns an Orchestrator reading from fetcher and playing through
// sched. The caller keeps ownership of sched.
func New(fetcher *Fetcher, sched *playback.Scheduler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:    fetcher,
		decoder:    decode.Shared(),
		sched:      sched,
		notify:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rec == nil {
		o.rec = NewRecorder()
	}
	go o.dispatch()
	return o
}

// Recorder returns the metrics recorder.
func (o *Orchestrator) Recorder() *Recorder { return o.rec }

// Scheduler returns the playback scheduler.
func (o *Orchestrator) Scheduler() *playback.Scheduler { return o.sched }

// Generation returns the generation token of the most recent session.
func (o *Orchestrator) Generation() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen
}

// Current returns the id and status of the active session, if any.
func (o *Orchestrator) Current() (id string, status Status, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return "", StatusPending, false
	}
	return o.active.id, o.active.status, true
}

// Speak speaks text with the given voice. See [Orchestrator.SpeakRequest].
func (o *Orchestrator) Speak(ctx context.Context, text, voiceID string, cb Callbacks) (*Handle, error) {
	return o.SpeakRequest(ctx, SpeechRequest{Text: text, VoiceID: voiceID}, cb)
}

// SpeakRequest cancels the active session, if any, and starts a new one for
// req. It returns as soon as the session is started; the outcome is reported
// through cb. An invalid request is rejected with an [*ErrorRecord] before
// anything is cancelled.
//
// Cancelling ctx cancels the session.
func (o *Orchestrator) SpeakRequest(ctx context.Context, req SpeechRequest, cb Callbacks) (*Handle, error) {
	if o.filter != nil {
		req.Text = o.filter(req.Text)
	}
	if err := (tts.Request{Text: req.Text}).Validate(); err != nil {
		return nil, &ErrorRecord{
			Category:    CategoryUnknown,
			Message:     err.Error(),
			TimestampMS: time.Now().UnixMilli(),
			Err:         err,
		}
	}

	o.schedMu.Lock()
	defer o.schedMu.Unlock()

	// Silence the superseded run before its session reports the cancel.
	o.sched.Cancel()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if prev := o.active; prev != nil {
		slog.Debug("speech: superseding session", "session", prev.id, "status", prev.status.String())
		o.finishLocked(prev, StatusCancelled, nil)
	}
	o.gen++
	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:      uuid.NewString(),
		gen:     o.gen,
		req:     req,
		cb:      cb,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		run:     1,
	}
	s.unwatch = context.AfterFunc(ctx, func() { o.cancelSession(s) })
	o.active = s
	o.rec.RecordRequestStart()
	o.emitLocked(s, Event{Type: EventStart, Text: req.Text, VoiceID: req.VoiceID})
	o.mu.Unlock()

	if err := o.sched.Start(o.hooks(s, 1)); err != nil {
		o.abortHeld(s, err)
		return &Handle{o: o, s: s}, nil
	}

	go o.run(sctx, s)
	return &Handle{o: o, s: s}, nil
}

// Cancel cancels the active session. It reports whether there was one.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return false
	}
	return o.cancelSession(s)
}

// Close cancels the active session, delivers the remaining callbacks and
// stops the delivery goroutine. It must not be called from a callback. The
// scheduler is left open.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.schedMu.Lock()
		o.mu.Lock()
		o.closed = true
		s := o.active
		o.mu.Unlock()
		if s != nil && o.silenceHeld(s) {
			o.mu.Lock()
			if !s.status.Terminal() {
				o.finishLocked(s, StatusCancelled, nil)
			}
			o.mu.Unlock()
		}
		o.schedMu.Unlock()
		close(o.stop)
	})
	<-o.dispatched
	return nil
}

// run is the fetch loop of one session. It consumes chunks strictly in
// arrival order: decode, then push, then the next chunk.
func (o *Orchestrator) run(ctx context.Context, s *session) {
	ctx, span := observe.StartSessionSpan(ctx, s.id, s.req.VoiceID, s.gen)
	defer span.End()
	log := observe.SessionLogger(ctx, s.id)

	fail := func(err error) {
		observe.FailSpan(span, err)
		o.fail(s, err)
	}

	seq, err := o.fetcher.Open(ctx, s.req)
	if err != nil {
		fail(err)
		return
	}
	defer seq.Close()
	info := seq.Info()
	log.Debug("speech: stream opened", "content_type", info.ContentType, "transport", string(info.Transport))
	observe.SetStreamInfo(span, info.ContentType, string(info.Transport))

	conv := &audio.FormatConverter{Target: o.sched.Device().Format()}
	for {
		chunk, err := seq.Next()
		if !o.track(s, seq) {
			return
		}
		observe.SetProgress(span, seq.BytesReceived(), seq.ChunkCount())
		if errors.Is(err, io.EOF) {
			o.fetchDone(s)
			return
		}
		if err != nil {
			fail(err)
			return
		}
		if chunk.Seq == 0 {
			o.firstByte(s, seq.FirstByte())
		}

		buf, err := o.decode(conv, chunk)
		if err != nil {
			if chunk.Seq == 0 {
				fail(err)
				return
			}
			log.Warn("speech: skipping undecodable chunk", "seq", chunk.Seq, "err", err)
			o.skip(s, err)
			continue
		}
		if len(buf.Data) == 0 {
			continue
		}
		if !o.push(s, buf) {
			return
		}
	}
}

func (o *Orchestrator) decode(conv *audio.FormatConverter, chunk audio.Chunk) (audio.Buffer, error) {
	buf, err := o.decoder.Decode(chunk)
	if err != nil {
		return audio.Buffer{}, err
	}
	out, err := conv.Convert(buf)
	if err != nil {
		return audio.Buffer{}, &decode.Error{Seq: chunk.Seq, ContentType: chunk.ContentType, Err: err}
	}
	return out, nil
}

// liveLocked reports whether s is the active, unfinished session.
func (o *Orchestrator) liveLocked(s *session) bool {
	return o.active == s && !s.status.Terminal()
}

// track copies the fetch counters into s. It reports false once s has ended.
func (o *Orchestrator) track(s *session, seq *Sequence) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.liveLocked(s) {
		return false
	}
	s.bytes = seq.BytesReceived()
	s.chunks = seq.ChunkCount()
	return true
}

func (o *Orchestrator) firstByte(s *session, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.liveLocked(s) {
		return
	}
	s.status = StatusStreaming
	o.rec.RecordFirstByte(elapsed)
	o.emitLocked(s, Event{Type: EventFirstByte})
}

// skip counts a chunk that failed to decode. The session plays on.
func (o *Orchestrator) skip(s *session, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.liveLocked(s) {
		return
	}
	rec := NewErrorRecord(err, s.bytes, s.chunks)
	rec.Category = CategoryDecode
	rec.SessionID = s.id
	o.rec.RecordError(*rec)
	o.emitLocked(s, Event{Type: EventChunkError, Error: rec})
}

// push hands buf to the scheduler. A run that drained during a network stall
// is restarted. It reports false once s has ended.
func (o *Orchestrator) push(s *session, buf audio.Buffer) bool {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()

	o.mu.Lock()
	if !o.liveLocked(s) {
		o.mu.Unlock()
		return false
	}
	s.decoded += buf.Duration()
	o.mu.Unlock()

	err := o.sched.Push(buf)
	if errors.Is(err, playback.ErrIdle) {
		o.mu.Lock()
		s.run++
		run := s.run
		o.mu.Unlock()
		slog.Debug("speech: restarting drained playback", "session", s.id, "run", run)
		if err = o.sched.Start(o.hooks(s, run)); err == nil {
			err = o.sched.Push(buf)
		}
	}
	if err != nil {
		o.abortHeld(s, err)
		return false
	}
	return true
}

// fetchDone handles the clean end of the provider stream.
func (o *Orchestrator) fetchDone(s *session) {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()

	o.mu.Lock()
	if !o.liveLocked(s) {
		o.mu.Unlock()
		return
	}
	if s.bytes == 0 {
		o.mu.Unlock()
		o.abortHeld(s, &ErrorRecord{
			Category:    CategoryProvider,
			Message:     "no audio received",
			TimestampMS: time.Now().UnixMilli(),
		})
		return
	}
	s.fetchDone = true
	s.status = StatusDraining
	o.mu.Unlock()

	o.sched.Finish()
	if o.sched.State() != playback.StateIdle {
		// The last buffer is still sounding; OnDone completes the session.
		return
	}
	o.mu.Lock()
	if o.liveLocked(s) {
		o.finishLocked(s, StatusCompleted, nil)
	}
	o.mu.Unlock()
}

// fail ends s with err, or cancels it when err is a cancellation.
func (o *Orchestrator) fail(s *session, err error) {
	if isCancel(err) {
		o.cancelSession(s)
		return
	}
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	o.abortHeld(s, err)
}

// abortHeld silences the scheduler and ends s as errored. schedMu must be
// held.
func (o *Orchestrator) abortHeld(s *session, err error) {
	if !o.silenceHeld(s) {
		return
	}
	o.mu.Lock()
	if !s.status.Terminal() {
		o.finishLocked(s, StatusErrored, NewErrorRecord(err, s.bytes, s.chunks))
	}
	o.mu.Unlock()
}

func (o *Orchestrator) cancelSession(s *session) bool {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()

	if !o.silenceHeld(s) {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	o.finishLocked(s, StatusCancelled, nil)
	return true
}

// silenceHeld stops every buffer of s before its final callback is queued.
// It reports false if s has already ended. schedMu must be held.
func (o *Orchestrator) silenceHeld(s *session) bool {
	o.mu.Lock()
	if s.status.Terminal() {
		o.mu.Unlock()
		return false
	}
	active := o.active == s
	o.mu.Unlock()

	if active {
		o.sched.Cancel()
	}
	return true
}

// hooks returns the scheduler hooks for one run of s. Events of any other run
// are ignored.
func (o *Orchestrator) hooks(s *session, run uint64) playback.Hooks {
	return playback.Hooks{
		OnBufferEnd: func(buf audio.Buffer) {
			o.mu.Lock()
			defer o.mu.Unlock()
			if !o.liveLocked(s) || s.run != run {
				return
			}
			s.played += buf.Duration()
			if s.decoded <= 0 {
				return
			}
			f := min(float64(s.played)/float64(s.decoded), 1)
			if !s.fetchDone {
				// More audio may follow; 1 is reserved for the end.
				f = min(f, 0.99)
			}
			if f > s.fraction {
				s.fraction = f
				o.emitLocked(s, Event{Type: EventProgress, Fraction: f})
			}
		},
		OnDone: func(res playback.Result) {
			o.mu.Lock()
			defer o.mu.Unlock()
			if !o.liveLocked(s) || s.run != run {
				return
			}
			switch res.Outcome {
			case playback.OutcomeDrained:
				if s.fetchDone {
					o.finishLocked(s, StatusCompleted, nil)
				}
			case playback.OutcomeFailed:
				rec := NewErrorRecord(res.Err, s.bytes, s.chunks)
				rec.Category = CategoryPlayback
				o.finishLocked(s, StatusErrored, rec)
			}
		},
	}
}

// finishLocked moves s to its terminal status, records it and queues the
// final callback.
func (o *Orchestrator) finishLocked(s *session, status Status, rec *ErrorRecord) {
	s.status = status
	s.cancel()
	s.unwatch()
	if o.active == s {
		o.active = nil
	}

	elapsed := time.Since(s.started)
	var ev Event
	switch status {
	case StatusCompleted:
		o.rec.RecordCompletion(s.bytes, elapsed, s.chunks)
		if s.fraction < 1 {
			s.fraction = 1
			o.emitLocked(s, Event{Type: EventProgress, Fraction: 1})
		}
		d := s.played
		if d <= 0 {
			d = elapsed
		}
		ev = Event{Type: EventComplete, Bytes: s.bytes, Duration: d.Milliseconds()}
	case StatusCancelled:
		ev = Event{Type: EventCancel}
	case StatusErrored:
		rec.SessionID = s.id
		o.rec.RecordError(*rec)
		ev = Event{Type: EventError, Error: rec}
	}
	o.rec.RecordSessionEnd(status)

	slog.Info("speech: session ended",
		"session", s.id,
		"status", status.String(),
		"bytes", s.bytes,
		"chunks", s.chunks,
		"elapsed", elapsed,
	)
	o.emitLocked(s, ev)
}

func (o *Orchestrator) emitLocked(s *session, ev Event) {
	ev.SessionID = s.id
	ev.Time = time.Now()
	o.queue = append(o.queue, delivery{s: s, ev: ev})
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// dispatch delivers queued events one at a time in FIFO order.
func (o *Orchestrator) dispatch() {
	defer close(o.dispatched)
	for {
		select {
		case <-o.notify:
			o.deliverPending()
		case <-o.stop:
			o.deliverPending()
			return
		}
	}
}

func (o *Orchestrator) deliverPending() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		d := o.queue[0]
		o.queue[0] = delivery{}
		o.queue = o.queue[1:]
		// A cancelled session only reports its start and its cancel.
		stale := d.s.status == StatusCancelled && !d.ev.Type.Terminal() && d.ev.Type != EventStart
		o.mu.Unlock()

		if stale {
			continue
		}
		d.s.cb.deliver(d.ev)
		for _, obs := range o.observers {
			obs(d.ev)
		}
		if d.ev.Type.Terminal() {
			close(d.s.done)
		}
	}
}
