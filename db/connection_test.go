package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/pulsejob/logger"
)

func TestOpen(t *testing.T) {
	for _, dialect := range []Dialect{SQLite3, SQLite} {
		t.Run(string(dialect), func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "test.db")

			db, err := Open(dialect, dbPath, nil)
			require.NoError(t, err)
			defer db.Close()

			var journalMode string
			require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
			assert.Equal(t, "wal", journalMode)

			var busyTimeout int
			require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
			assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)

			assert.Equal(t, 1, db.Stats().MaxOpenConnections)

			_, err = os.Stat(dbPath)
			assert.NoError(t, err, "database file should be created")
		})
	}

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open(SQLite3, "/invalid/nonexistent/path/db.sqlite", nil)
		if err == nil && db != nil {
			err = db.Ping()
			db.Close()
		}
		assert.Error(t, err)
	})

	t.Run("closed database errors are recognised", func(t *testing.T) {
		db, err := Open(SQLite3, filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		_, err = db.Exec("PRAGMA journal_mode")
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
		assert.True(t, IsDatabaseClosed(fmt.Errorf("poll: %w", ErrDatabaseClosed)))
		assert.False(t, IsDatabaseClosed(nil))
	})
}

func TestOpen_WithLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	db, err := OpenWithMigrations(SQLite3, filepath.Join(t.TempDir(), "test.db"), zap.New(core).Sugar())
	require.NoError(t, err)
	require.NotNil(t, db)
	defer db.Close()

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		assert.Equal(t, "⊔", entry.ContextMap()[logger.FieldSymbol], entry.Message)
	}
}

func TestOpenWithMigrations(t *testing.T) {
	db, err := OpenWithMigrations(SQLite, filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	var exists int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='jobs'").Scan(&exists)
	require.NoError(t, err)
	assert.Equal(t, 1, exists)
}
