package database

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// Connect to and setup the database.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// Set the maximum number of open connections to 1.
	// This helps simplify the logic for handling concurrent requests, while
	// still keeping reasonable (or even improving) performance.
	// Reference: https://stackoverflow.com/a/35805826
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	// Mirror writes race with the background reconcile task; give writers a
	// grace period instead of failing immediately on a locked database.
	if _, err = db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, err
	}

	return db, nil
}
