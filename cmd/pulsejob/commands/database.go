package commands

import (
	"database/sql"

	"github.com/teranos/pulsejob/am"
	"github.com/teranos/pulsejob/db"
	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/logger"
)

// openDatabase opens and migrates the configured job database.
func openDatabase(cfg *am.Config) (*sql.DB, db.Dialect, error) {
	dialect, err := db.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, "", err
	}
	dsn := cfg.GetDatabaseDSN()
	database, err := db.OpenWithMigrations(dialect, dsn, logger.ComponentLogger("db"))
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to open %s database", dialect)
	}
	return database, dialect, nil
}

// loadConfig loads and validates configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}
