// Package errlog persists speech ErrorRecords in a SQLite database (or a
// PostgreSQL one, when given a postgres:// URL) so failures survive restarts
// and can be inspected after the in-memory history rolled over.
//
// Records reach the store through [Store.Observe], an orchestrator observer
// that only enqueues; [Store.Run] drains the queue into the database.
package errlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MrWong99/speakstream/internal/speech"
)

const (
	// DefaultQueueSize bounds the number of records waiting to be written.
	DefaultQueueSize = 256

	// maxBatch caps how many queued records share one transaction.
	maxBatch = 64
)

// Store is a SQL-backed ErrorRecord log. It is safe for concurrent use.
type Store struct {
	db    *sql.DB
	d     dialect
	queue chan speech.ErrorRecord
	keep  int
}

// Option configures a [Store].
type Option func(*Store)

// WithQueueSize sets the capacity of the write queue.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queue = make(chan speech.ErrorRecord, n)
		}
	}
}

// WithRetention keeps at most n records; older ones are pruned after each
// batch. Zero keeps everything.
func WithRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.keep = n
		}
	}
}

// Open opens the store at target. A postgres:// or postgresql:// URL
// connects to PostgreSQL; anything else is a SQLite file path, created if
// needed.
func Open(ctx context.Context, target string, opts ...Option) (*Store, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	if isPostgres(target) {
		d = postgresDialect
		db, err = sql.Open(d.driver, target)
		if err != nil {
			return nil, fmt.Errorf("errlog: open postgres: %w", err)
		}
	} else {
		if dir := filepath.Dir(target); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("errlog: create data dir: %w", err)
			}
		}
		d = sqliteDialect
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", target)
		db, err = sql.Open(d.driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("errlog: open sqlite: %w", err)
		}
		// One writer; SQLite serialises writes anyway.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("errlog: ping %s: %w", d.driver, err)
	}

	s := &Store{db: db, d: d, queue: make(chan speech.ErrorRecord, DefaultQueueSize)}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("errlog: init schema: %w", err)
		}
	}
	return nil
}

// Close writes records still queued and releases the database. Call it
// after [Store.Run] returned.
func (s *Store) Close() error {
	s.flush(context.Background())
	return s.db.Close()
}

// Append writes recs synchronously in one transaction, then prunes down to
// the retention limit once.
func (s *Store) Append(ctx context.Context, recs ...speech.ErrorRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("errlog: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.d.rebind(
		`INSERT INTO error_records(session_id, category, message, timestamp_ms, bytes_received, chunk_count)
		 VALUES(?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("errlog: prepare append: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, rec.SessionID, string(rec.Category), rec.Message,
			rec.TimestampMS, rec.BytesReceived, rec.ChunkCount); err != nil {
			return fmt.Errorf("errlog: append: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("errlog: commit: %w", err)
	}
	if s.keep > 0 {
		return s.Prune(ctx, s.keep)
	}
	return nil
}

// Observe is a speech observer. It enqueues the ErrorRecord of error and
// chunk_error events and never blocks; when the queue is full the record is
// dropped with a warning.
func (s *Store) Observe(ev speech.Event) {
	if ev.Error == nil || (ev.Type != speech.EventError && ev.Type != speech.EventChunkError) {
		return
	}
	select {
	case s.queue <- *ev.Error:
	default:
		slog.Warn("errlog: queue full, dropping record", "session", ev.SessionID, "category", ev.Error.Category)
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is
// left. Records that queued up while a write was in flight go out together
// as one batch. Write failures are logged and do not stop the loop.
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-s.queue:
			s.write(ctx, s.collect(rec))
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}

// collect returns first plus whatever is queued, up to maxBatch records.
func (s *Store) collect(first speech.ErrorRecord) []speech.ErrorRecord {
	batch := []speech.ErrorRecord{first}
	for len(batch) < maxBatch {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

// flush writes every queued record.
func (s *Store) flush(ctx context.Context) {
	for {
		select {
		case rec := <-s.queue:
			s.write(ctx, s.collect(rec))
		default:
			return
		}
	}
}

func (s *Store) write(ctx context.Context, batch []speech.ErrorRecord) {
	if err := s.Append(ctx, batch...); err != nil {
		slog.Warn("errlog: write failed", "records", len(batch), "session", batch[0].SessionID, "err", err)
	}
}

// Filter narrows [Store.Recent].
type Filter struct {
	SessionID string
	Category  speech.Category
	// SinceMS excludes records older than this Unix millisecond timestamp.
	SinceMS int64
}

// Recent returns up to limit records matching f, newest first. A limit of
// zero or less returns 100.
func (s *Store) Recent(ctx context.Context, f Filter, limit int) ([]speech.ErrorRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT session_id, category, message, timestamp_ms, bytes_received, chunk_count
	      FROM error_records WHERE timestamp_ms >= ?`
	args := []any{f.SinceMS}
	if f.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Category != "" {
		q += ` AND category = ?`
		args = append(args, string(f.Category))
	}
	q += ` ORDER BY timestamp_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("errlog: query: %w", err)
	}
	defer rows.Close()

	var out []speech.ErrorRecord
	for rows.Next() {
		var (
			rec speech.ErrorRecord
			cat string
		)
		if err := rows.Scan(&rec.SessionID, &cat, &rec.Message, &rec.TimestampMS, &rec.BytesReceived, &rec.ChunkCount); err != nil {
			return nil, fmt.Errorf("errlog: scan: %w", err)
		}
		rec.Category = speech.Category(cat)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByCategory returns the number of stored records per category.
func (s *Store) CountByCategory(ctx context.Context) (map[speech.Category]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM error_records GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("errlog: count: %w", err)
	}
	defer rows.Close()

	out := make(map[speech.Category]int64, len(speech.Categories))
	for _, c := range speech.Categories {
		out[c] = 0
	}
	for rows.Next() {
		var (
			cat string
			n   int64
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("errlog: scan: %w", err)
		}
		out[speech.Category(cat)] = n
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep records.
func (s *Store) Prune(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`DELETE FROM error_records WHERE id NOT IN (
		     SELECT id FROM error_records ORDER BY timestamp_ms DESC, id DESC LIMIT ?
		 )`), keep)
	if err != nil {
		return fmt.Errorf("errlog: prune: %w", err)
	}
	return nil
}
