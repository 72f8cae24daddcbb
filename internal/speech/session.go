package speech

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle position of a speech session.
type Status int

const (
	StatusPending Status = iota
	StatusStreaming
	StatusDraining
	StatusCompleted
	StatusCancelled
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStreaming:
		return "streaming"
	case StatusDraining:
		return "draining"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusErrored:
		return "errored"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s >= StatusCompleted
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Callbacks receives the lifecycle of one speech session. Every field is
// optional. Callbacks run on a single delivery goroutine in the order the
// events happened, never concurrently and never with a lock held, so they may
// call back into the [Orchestrator].
//
// Exactly one of OnComplete, OnError or OnCancel is called per session.
type Callbacks struct {
	OnStart     func()
	OnFirstByte func()

	// OnProgress reports the played share of the audio decoded so far. The
	// fraction never decreases and reaches 1 just before OnComplete.
	OnProgress func(fraction float64)

	// OnComplete reports the bytes received from the provider and the
	// duration of the audio played.
	OnComplete func(totalBytes int64, durationMS int64)

	OnError  func(ErrorRecord)
	OnCancel func()
}

// EventType names a session event.
type EventType string

const (
	EventStart     EventType = "start"
	EventFirstByte EventType = "first_byte"
	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventCancel    EventType = "cancel"

	// EventChunkError reports a chunk that failed to decode and was skipped.
	// It has no matching callback.
	EventChunkError EventType = "chunk_error"
)

// Terminal reports whether t ends a session.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError || t == EventCancel
}

// Event is the observer view of a callback.
type Event struct {
	Type      EventType    `json:"type"`
	SessionID string       `json:"session_id"`
	Time      time.Time    `json:"time"`
	Text      string       `json:"text,omitempty"`
	VoiceID   string       `json:"voice_id,omitempty"`
	Fraction  float64      `json:"fraction,omitempty"`
	Bytes     int64        `json:"total_bytes,omitempty"`
	Duration  int64        `json:"duration_ms,omitempty"`
	Error     *ErrorRecord `json:"error,omitempty"`
}

// Observer receives every event of every session, after the session's own
// callback. Observers run on the delivery goroutine and must not block.
type Observer func(Event)

// deliver invokes the callback matching ev.
func (c *Callbacks) deliver(ev Event) {
	switch ev.Type {
	case EventStart:
		if c.OnStart != nil {
			c.OnStart()
		}
	case EventFirstByte:
		if c.OnFirstByte != nil {
			c.OnFirstByte()
		}
	case EventProgress:
		if c.OnProgress != nil {
			c.OnProgress(ev.Fraction)
		}
	case EventComplete:
		if c.OnComplete != nil {
			c.OnComplete(ev.Bytes, ev.Duration)
		}
	case EventError:
		if c.OnError != nil && ev.Error != nil {
			c.OnError(*ev.Error)
		}
	case EventCancel:
		if c.OnCancel != nil {
			c.OnCancel()
		}
	}
}

// session is the mutable state of one Speak call. Fields from status on are
// guarded by Orchestrator.mu.
type session struct {
	id      string
	gen     uint64
	req     SpeechRequest
	cb      Callbacks
	started time.Time
	cancel  context.CancelFunc
	unwatch func() bool // stops cancelling s with the caller's context
	done    chan struct{}

	status    Status
	run       uint64 // scheduler run currently owned by the session
	bytes     int64
	chunks    int
	decoded   time.Duration
	played    time.Duration
	fraction  float64
	fetchDone bool
}

// Handle controls one speech session.
type Handle struct {
	o *Orchestrator
	s *session
}

// ID returns the session identifier.
func (h *Handle) ID() string { return h.s.id }

// Generation returns the generation token assigned to the session.
func (h *Handle) Generation() uint64 { return h.s.gen }

// Cancel stops the session. It reports whether this call cancelled it;
// cancelling a finished or already cancelled session is a no-op.
func (h *Handle) Cancel() bool {
	return h.o.cancelSession(h.s)
}

// Status returns the session's current status.
func (h *Handle) Status() Status {
	h.o.mu.Lock()
	defer h.o.mu.Unlock()
	return h.s.status
}

// Done is closed after the session's final callback has returned.
func (h *Handle) Done() <-chan struct{} { return h.s.done }

// Wait blocks until the session has ended or ctx is done and returns the
// final status.
func (h *Handle) Wait(ctx context.Context) (Status, error) {
	select {
	case <-h.s.done:
		return h.Status(), nil
	case <-ctx.Done():
		return h.Status(), ctx.Err()
	}
}
