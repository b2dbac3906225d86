package db

import (
	"database/sql"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/logger"
)

// SQLiteBusyTimeoutMS is how long SQLite waits on a locked database before failing.
const SQLiteBusyTimeoutMS = 5000

// Open opens a database for the given dialect. SQLite databases are tuned for
// the job store: WAL journal, busy timeout and a single pooled connection so
// compare-and-swap updates never contend on the file lock.
// If log is provided, logs database operations; otherwise operates silently.
func Open(dialect Dialect, dsn string, log *zap.SugaredLogger) (*sql.DB, error) {
	if log != nil {
		log = logger.AddDBSymbol(log)
		log.Debugw("Opening database", "driver", dialect, "dsn", redactDSN(dialect, dsn))
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", dialect)
	}

	if dialect.IsSQLite() {
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, errors.Wrapf(err, "failed to apply %q", pragma)
			}
		}
	} else if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to reach %s database", dialect)
	}

	if log != nil {
		log.Infow("Database opened successfully",
			"driver", dialect,
			"wal_mode", dialect.IsSQLite(),
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and brings its schema up to date.
func OpenWithMigrations(dialect Dialect, dsn string, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(dialect, dsn, log)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := Migrate(db, dialect, log); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return db, nil
}

func redactDSN(dialect Dialect, dsn string) string {
	if dialect == Postgres {
		return "<redacted>"
	}
	return dsn
}
