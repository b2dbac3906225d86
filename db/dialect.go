package db

import (
	"strconv"
	"strings"

	"github.com/teranos/pulsejob/errors"
)

// Dialect identifies the SQL driver behind a *sql.DB and smooths over the
// differences the job store cares about: driver name, placeholder syntax and
// which embedded migration set applies.
type Dialect string

const (
	// SQLite3 is the cgo driver github.com/mattn/go-sqlite3.
	SQLite3 Dialect = "sqlite3"
	// SQLite is the pure-Go driver modernc.org/sqlite.
	SQLite Dialect = "sqlite"
	// Postgres is github.com/lib/pq.
	Postgres Dialect = "postgres"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite3":
		return SQLite3, nil
	case "sqlite", "modernc":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	}
	return "", errors.Newf("unsupported database driver %q", driver)
}

// DriverName returns the name registered with database/sql.
func (d Dialect) DriverName() string {
	return string(d)
}

// IsSQLite reports whether the dialect is one of the SQLite drivers.
func (d Dialect) IsSQLite() bool {
	return d == SQLite3 || d == SQLite
}

func (d Dialect) migrationDir() string {
	if d == Postgres {
		return "migrations/postgres"
	}
	return "migrations/sqlite"
}

// Rebind rewrites '?' placeholders into the dialect's native form.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
