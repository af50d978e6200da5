// Package storage opens the backing database and keeps its schema current.
// Two backends are supported: Postgres (lib/pq) for deployments and the pure
// Go SQLite driver for tests and single-host setups. The schema and all
// repository queries are written to run unchanged on both.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the database, verifies the connection and runs migrations.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if driver == DriverSQLite {
		// The sqlite backend is also used by concurrent tests; a single
		// connection avoids SQLITE_BUSY on simultaneous writers.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

// OpenTest opens an in-memory sqlite database with the schema applied.
// Callers own the returned handle and should Close it.
func OpenTest() (*sql.DB, error) {
	return Open(DriverSQLite, ":memory:")
}
