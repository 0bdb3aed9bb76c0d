// Package db persists the trade journal in an embedded sqlite database.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id          TEXT PRIMARY KEY,
    ticket      INTEGER NOT NULL,
    symbol      TEXT    NOT NULL,
    side        TEXT    NOT NULL,
    volume      REAL    NOT NULL,
    entry_price REAL    NOT NULL,
    stop_loss   REAL    NOT NULL DEFAULT 0,
    take_profit REAL    NOT NULL DEFAULT 0,
    magic       INTEGER NOT NULL DEFAULT 0,
    strategy    TEXT    NOT NULL DEFAULT '',
    open_time   INTEGER NOT NULL,
    exit_price  REAL,
    close_time  INTEGER,
    profit      REAL,
    close_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_trades_ticket ON trades(ticket);
CREATE INDEX IF NOT EXISTS idx_trades_open_time ON trades(open_time);

CREATE TABLE IF NOT EXISTS stop_moves (
    ticket    INTEGER NOT NULL,
    stop_loss REAL    NOT NULL,
    moved_at  INTEGER NOT NULL
);
`

// Open opens (creating if needed) the journal database at path and applies
// the schema. sqlite allows one writer; the journal has a single writer
// goroutine, so the default settings suffice.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return conn, nil
}
