package store

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
type dialect struct {
	name       string
	driver     string
	primaryKey string
	positional bool // $1 placeholders instead of ?
}

var (
	sqliteDialect = dialect{
		name:       "sqlite",
		driver:     "sqlite",
		primaryKey: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name:       "postgres",
		driver:     "postgres",
		primaryKey: "BIGSERIAL PRIMARY KEY",
		positional: true,
	}
)

// rebind rewrites ? placeholders for drivers that need positional ones.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
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

// parseDSN picks the dialect and returns the driver connection string.
// Accepted forms: postgres://…, postgresql://…, sqlite://path, file:path, a bare path.
func parseDSN(dsn string, busyTimeout time.Duration) (dialect, string, error) {
	switch {
	case dsn == "":
		return dialect{}, "", errors.New("empty database dsn")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgresDialect, dsn, nil
	}

	path := dsn
	query := url.Values{}
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path = strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "file:"):
		path = strings.TrimPrefix(dsn, "file:")
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		parsed, err := url.ParseQuery(path[i+1:])
		if err != nil {
			return dialect{}, "", fmt.Errorf("parse sqlite dsn options: %w", err)
		}
		query = parsed
		path = path[:i]
	}
	if path == "" {
		return dialect{}, "", errors.New("sqlite dsn has no path")
	}

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	query.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	query.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	// Writers take the database lock at BEGIN so a read-then-write claim cannot interleave.
	if query.Get("_txlock") == "" {
		query.Set("_txlock", "immediate")
	}
	return sqliteDialect, "file:" + path + "?" + query.Encode(), nil
}

// isUniqueViolation reports a unique or primary key constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// isTransientTxError reports lock contention worth retrying the whole transaction for.
func isTransientTxError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return true
		}
		return false
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		primary := sqErr.Code() & 0xff
		return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
	}
	return false
}
