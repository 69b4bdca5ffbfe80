package db

import (
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// NewMySQLConnection opens the production outbox database.
// The DSN must carry parseTime=true so DATETIME columns scan into time.Time.
func NewMySQLConnection(dsn string, opts Opts) (*sqlx.DB, error) {
	return open("mysql", dsn, opts)
}
