// Package store persists probe snapshots to sqlite so the CLI can show
// history and trends. Probes themselves never touch the store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zsprackett/quotawatch/internal/quota"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id                INTEGER PRIMARY KEY,
			provider          TEXT NOT NULL,
			captured_at       INTEGER NOT NULL,
			primary_remaining REAL NOT NULL,
			account_email     TEXT NOT NULL DEFAULT '',
			account_tier      TEXT NOT NULL DEFAULT '',
			login_method      TEXT NOT NULL DEFAULT '',
			payload           TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create snapshots: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_snapshots_provider_ts ON snapshots(provider, captured_at DESC)`); err != nil {
		return fmt.Errorf("index snapshots: %w", err)
	}
	return nil
}

// InsertSnapshot stores one probe result. The full snapshot rides along as
// JSON; the indexed columns exist for cheap history queries.
func (d *DB) InsertSnapshot(snap *quota.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	primary := 0.0
	if p := snap.Primary(); p != nil {
		primary = p.PercentRemaining
	}
	_, err = d.sql.Exec(`
		INSERT INTO snapshots (provider, captured_at, primary_remaining, account_email, account_tier, login_method, payload)
		VALUES (?,?,?,?,?,?,?)`,
		snap.ProviderID, snap.CapturedAt.UnixMilli(), primary,
		snap.AccountEmail, string(snap.AccountTier), snap.LoginMethod, string(payload),
	)
	return err
}

// LatestSnapshot returns the most recent snapshot for a provider, or nil
// when none has been recorded yet.
func (d *DB) LatestSnapshot(provider string) (*quota.Snapshot, error) {
	row := d.sql.QueryRow(`
		SELECT payload FROM snapshots
		WHERE provider = ?
		ORDER BY captured_at DESC, id DESC
		LIMIT 1`, provider)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return decodeSnapshot(payload)
}

// History returns snapshots for a provider newest first, capped at limit.
func (d *DB) History(provider string, limit int) ([]*quota.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.sql.Query(`
		SELECT payload FROM snapshots
		WHERE provider = ?
		ORDER BY captured_at DESC, id DESC
		LIMIT ?`, provider, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*quota.Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Providers lists every provider that has at least one snapshot.
func (d *DB) Providers() ([]string, error) {
	rows, err := d.sql.Query(`SELECT DISTINCT provider FROM snapshots ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Prune drops snapshots older than the cutoff and reports how many rows
// went away.
func (d *DB) Prune(olderThan time.Time) (int64, error) {
	res, err := d.sql.Exec(`DELETE FROM snapshots WHERE captured_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.sql.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func decodeSnapshot(payload string) (*quota.Snapshot, error) {
	var snap quota.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
