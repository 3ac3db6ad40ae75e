package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    entry_price REAL NOT NULL,
    quantity REAL NOT NULL,
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    margin REAL DEFAULT 0,
    entry_fee REAL DEFAULT 0,
    signal_time TEXT NOT NULL,
    execution_time TEXT NOT NULL,
    status TEXT NOT NULL,
    exit_price REAL DEFAULT 0,
    exit_fee REAL DEFAULT 0,
    closed_at TEXT,
    close_reason TEXT DEFAULT '',
    realized_pnl REAL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

CREATE TABLE IF NOT EXISTS daily_snapshots (
    date TEXT PRIMARY KEY,
    equity REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS account (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    balance REAL NOT NULL,
    day_start_equity REAL NOT NULL,
    day TEXT NOT NULL,
    consecutive_losses INTEGER DEFAULT 0,
    cool_down_until TEXT,
    peak_equity REAL DEFAULT 0,
    worst_daily_loss_pct REAL DEFAULT 0,
    breaker_tripped INTEGER DEFAULT 0,
    trip_reason TEXT DEFAULT '',
    trip_value REAL DEFAULT 0,
    trip_limit REAL DEFAULT 0,
    tripped_at TEXT,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS breaker_events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    reason TEXT DEFAULT '',
    value REAL DEFAULT 0,
    limit_pct REAL DEFAULT 0,
    equity REAL DEFAULT 0,
    operator TEXT DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_events_type ON risk_events(type);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release.
	if err := ensureColumn(d.DB, "trades", "close_reason", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	for _, c := range []struct{ name, def string }{
		{"peak_equity", "REAL DEFAULT 0"},
		{"worst_daily_loss_pct", "REAL DEFAULT 0"},
		{"breaker_tripped", "INTEGER DEFAULT 0"},
		{"trip_reason", "TEXT DEFAULT ''"},
		{"trip_value", "REAL DEFAULT 0"},
		{"trip_limit", "REAL DEFAULT 0"},
		{"tripped_at", "TEXT"},
	} {
		if err := ensureColumn(d.DB, "account", c.name, c.def); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
