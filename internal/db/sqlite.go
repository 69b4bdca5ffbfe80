package db

import (
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// NewSQLiteConnection opens a local single-instance outbox database.
// SQLite allows one writer at a time, so the pool is pinned to one connection.
func NewSQLiteConnection(path string) (*sqlx.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	return open("sqlite", dsn, Opts{MaxOpenConns: 1, MaxIdleConns: 1})
}
