package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects the database/sql driver and SQL flavor.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ErrUnknownDialect is returned for dialects other than sqlite and postgres.
var ErrUnknownDialect = errors.New("unknown sql dialect")

// ParseDialect validates a configured dialect name.
func ParseDialect(raw string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(raw))); d {
	case DialectSQLite, DialectPostgres:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDialect, raw)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// Rebind rewrites ? placeholders into the dialect's positional form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
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

// IsUniqueViolation reports whether err is a primary key or unique constraint
// failure from either driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
