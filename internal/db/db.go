package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tank_readings (
			ts DATETIME NOT NULL,
			tank_id TEXT NOT NULL,
			source_index INTEGER NOT NULL,
			level_mm REAL NOT NULL,
			temperature_c REAL,
			volume_liters REAL NOT NULL,
			mass_tons REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			quantity REAL NOT NULL,
			initial_volume REAL NOT NULL,
			target_volume REAL NOT NULL,
			started_ts DATETIME NOT NULL,
			ended_ts_nullable DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS alarm_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			volume REAL NOT NULL,
			progress REAL NOT NULL,
			overshoot REAL NOT NULL,
			ts DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS notification_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alarm_event_id INTEGER NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT,
			sent_ts_nullable DATETIME,
			FOREIGN KEY(alarm_event_id) REFERENCES alarm_events(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tank_readings_tank_ts ON tank_readings(tank_id, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tank_readings_ts ON tank_readings(ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_events_ts ON alarm_events(ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started_ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}
