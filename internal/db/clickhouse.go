package db

import (
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the delivery audit database, e.g.
// clickhouse://default:@localhost:9000/hr_audit?dial_timeout=5s&compress=true
func NewClickHouseConnection(dsn string, opts Opts) (*sqlx.DB, error) {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 3 * time.Second
	}
	return open("clickhouse", dsn, opts)
}
