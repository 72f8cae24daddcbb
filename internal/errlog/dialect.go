package errlog

import (
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// dialect holds the per-database differences. Queries are written with '?'
// placeholders and rebound for drivers that number them.
type dialect struct {
	driver   string
	schema   []string
	numbered bool
}

var sqliteDialect = dialect{
	driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS error_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL,
    message TEXT NOT NULL,
    timestamp_ms INTEGER NOT NULL,
    bytes_received INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0
)`,
		`CREATE INDEX IF NOT EXISTS idx_error_records_ts ON error_records(timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_error_records_session ON error_records(session_id)`,
	},
}

var postgresDialect = dialect{
	driver:   "pgx",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS error_records (
    id BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL,
    message TEXT NOT NULL,
    timestamp_ms BIGINT NOT NULL,
    bytes_received BIGINT NOT NULL DEFAULT 0,
    chunk_count BIGINT NOT NULL DEFAULT 0
)`,
		`CREATE INDEX IF NOT EXISTS idx_error_records_ts ON error_records(timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_error_records_session ON error_records(session_id)`,
	},
}

// isPostgres reports whether target is a PostgreSQL connection URL rather
// than a file path.
func isPostgres(target string) bool {
	return strings.HasPrefix(target, "postgres://") || strings.HasPrefix(target, "postgresql://")
}

// rebind rewrites '?' placeholders to $1, $2, ... when the dialect needs it.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
