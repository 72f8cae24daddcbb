package speech

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/speakstream/internal/observe"
)

// DefaultErrorHistory is the number of ErrorRecords a [Recorder] keeps.
const DefaultErrorHistory = 100

// Snapshot is a point-in-time copy of the recorder's counters. Durations are
// cumulative milliseconds.
type Snapshot struct {
	RequestCount     int64              `json:"request_count"`
	CompletedCount   int64              `json:"completed_count"`
	CancelledCount   int64              `json:"cancelled_count"`
	ErrorCount       int64              `json:"error_count"`
	ErrorsByCategory map[Category]int64 `json:"errors_by_category"`
	TotalLatencyMS   int64              `json:"total_latency_ms"`
	TotalFirstByteMS int64              `json:"total_first_byte_ms"`
	FirstByteCount   int64              `json:"first_byte_count"`
	TotalBytes       int64              `json:"total_bytes"`
	ChunkCount       int64              `json:"chunk_count"`
	ActiveSessions   int64              `json:"active_sessions"`

	// Derived at read time.
	ErrorRate      float64 `json:"error_rate"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	AvgFirstByteMS float64 `json:"avg_first_byte_ms"`
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithErrorHistory sets how many ErrorRecords are kept.
func WithErrorHistory(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.history = make([]ErrorRecord, n)
		}
	}
}

// WithMetrics mirrors every recorded event into OpenTelemetry instruments.
func WithMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// Recorder accumulates pipeline counters for the lifetime of the process and
// keeps a bounded history of recent ErrorRecords. Counters only grow until
// [Recorder.Reset].
//
// A Recorder is safe for concurrent use.
type Recorder struct {
	metrics *observe.Metrics

	mu      sync.Mutex
	snap    Snapshot
	history []ErrorRecord // ring buffer
	start   int
	n       int
}

// NewRecorder returns an empty Recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{}
	for _, o := range opts {
		o(r)
	}
	if r.history == nil {
		r.history = make([]ErrorRecord, DefaultErrorHistory)
	}
	r.snap.ErrorsByCategory = make(map[Category]int64)
	return r
}

// RecordRequestStart counts a new speech request.
func (r *Recorder) RecordRequestStart() {
	r.mu.Lock()
	r.snap.RequestCount++
	r.snap.ActiveSessions++
	r.mu.Unlock()

	if r.metrics != nil {
		ctx := context.Background()
		r.metrics.TTSRequests.Add(ctx, 1)
		r.metrics.ActiveSessions.Add(ctx, 1)
	}
}

// RecordFirstByte records the time from request start to the first audio
// byte.
func (r *Recorder) RecordFirstByte(elapsed time.Duration) {
	r.mu.Lock()
	r.snap.TotalFirstByteMS += elapsed.Milliseconds()
	r.snap.FirstByteCount++
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.TTSFirstByte.Record(context.Background(), elapsed.Seconds())
	}
}

// RecordCompletion records a session that played to the end.
func (r *Recorder) RecordCompletion(totalBytes int64, elapsed time.Duration, chunks int) {
	r.mu.Lock()
	r.snap.CompletedCount++
	r.snap.TotalLatencyMS += elapsed.Milliseconds()
	r.snap.TotalBytes += totalBytes
	r.snap.ChunkCount += int64(chunks)
	r.mu.Unlock()

	if r.metrics != nil {
		ctx := context.Background()
		r.metrics.TTSDuration.Record(ctx, elapsed.Seconds())
		r.metrics.TTSBytes.Add(ctx, totalBytes)
		r.metrics.TTSChunks.Add(ctx, int64(chunks))
	}
}

// RecordError counts rec under its category and appends it to the history,
// evicting the oldest record once the history is full.
func (r *Recorder) RecordError(rec ErrorRecord) {
	rec.Err = nil // history outlives the request; keep it free of live references

	r.mu.Lock()
	r.snap.ErrorCount++
	r.snap.ErrorsByCategory[rec.Category]++
	if r.n < len(r.history) {
		r.history[(r.start+r.n)%len(r.history)] = rec
		r.n++
	} else {
		r.history[r.start] = rec
		r.start = (r.start + 1) % len(r.history)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.TTSErrors.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("category", string(rec.Category))))
	}
}

// RecordSessionEnd records how a session ended. It pairs with
// [Recorder.RecordRequestStart].
func (r *Recorder) RecordSessionEnd(status Status) {
	r.mu.Lock()
	if r.snap.ActiveSessions > 0 {
		r.snap.ActiveSessions--
	}
	if status == StatusCancelled {
		r.snap.CancelledCount++
	}
	r.mu.Unlock()

	if r.metrics != nil {
		ctx := context.Background()
		r.metrics.ActiveSessions.Add(ctx, -1)
		r.metrics.SessionOutcomes.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", status.String())))
	}
}

// Snapshot returns a copy of the counters with the derived rates filled in.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	s := r.snap
	s.ErrorsByCategory = make(map[Category]int64, len(Categories))
	for _, c := range Categories {
		s.ErrorsByCategory[c] = r.snap.ErrorsByCategory[c]
	}
	r.mu.Unlock()

	s.ErrorRate = float64(s.ErrorCount) / float64(max(s.RequestCount, 1))
	if s.CompletedCount > 0 {
		s.AvgLatencyMS = float64(s.TotalLatencyMS) / float64(s.CompletedCount)
	}
	if s.FirstByteCount > 0 {
		s.AvgFirstByteMS = float64(s.TotalFirstByteMS) / float64(s.FirstByteCount)
	}
	return s
}

// Errors returns up to limit of the most recent ErrorRecords, newest first.
// A limit of zero or less returns the whole history.
func (r *Recorder) Errors(limit int) []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]ErrorRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.start + r.n - 1 - i) % len(r.history)
		out = append(out, r.history[idx])
	}
	return out
}

// Reset zeroes every counter and clears the error history. Sessions still
// running keep counting as active.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := r.snap.ActiveSessions
	r.snap = Snapshot{ErrorsByCategory: make(map[Category]int64), ActiveSessions: active}
	clear(r.history)
	r.start, r.n = 0, 0
}
