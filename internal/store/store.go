// Package store provides durable persistence on SQLite.
//
// One database file holds the copy-attempt ledger and everything the
// executor reads: attempts, simulated fills, ledger entries, portfolio and
// price snapshots, followed users, and runtime config overrides. The schema
// migrates in code at open time. Share and notional quantities are stored as
// decimal strings so arbitrary-precision values round-trip exactly.
package store

import (
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	sql *sql.DB
}

// Open opens (or creates) the database under dataDir and runs migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "copytrader.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{sql: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sql.Close()
}

func (s *Store) migrate() error {
	version := 0
	s.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS followed_users (
				id      INTEGER PRIMARY KEY AUTOINCREMENT,
				address TEXT NOT NULL UNIQUE,
				label   TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE IF NOT EXISTS copy_attempts (
				seq                          INTEGER PRIMARY KEY AUTOINCREMENT,
				id                           TEXT NOT NULL UNIQUE,
				portfolio_scope              TEXT NOT NULL,
				followed_user_id             INTEGER NOT NULL DEFAULT 0,
				group_key                    TEXT NOT NULL,
				decision                     TEXT NOT NULL,
				reason_codes                 TEXT NOT NULL DEFAULT '[]',
				source_type                  TEXT NOT NULL,
				buffered_trade_count         INTEGER NOT NULL DEFAULT 0,
				asset_id                     TEXT NOT NULL DEFAULT '',
				market_id                    TEXT NOT NULL DEFAULT '',
				side                         TEXT NOT NULL DEFAULT '',
				group_notional_micros        TEXT NOT NULL DEFAULT '0',
				group_share_micros           TEXT NOT NULL DEFAULT '0',
				target_notional_micros       TEXT NOT NULL DEFAULT '0',
				filled_notional_micros       TEXT NOT NULL DEFAULT '0',
				filled_share_micros          TEXT NOT NULL DEFAULT '0',
				vwap_price_micros            INTEGER NOT NULL DEFAULT 0,
				filled_ratio_bps             INTEGER NOT NULL DEFAULT 0,
				their_reference_price_micros INTEGER NOT NULL DEFAULT 0,
				mid_price_micros_at_decision INTEGER NOT NULL DEFAULT 0,
				created_at                   TEXT NOT NULL
			);
			CREATE UNIQUE INDEX IF NOT EXISTS ux_attempts_scope_user_group
				ON copy_attempts(portfolio_scope, followed_user_id, group_key);
			CREATE INDEX IF NOT EXISTS idx_attempts_asset ON copy_attempts(asset_id);
			CREATE INDEX IF NOT EXISTS idx_attempts_created ON copy_attempts(created_at);

			CREATE TABLE IF NOT EXISTS executable_fills (
				id                   TEXT PRIMARY KEY,
				copy_attempt_id      TEXT NOT NULL REFERENCES copy_attempts(id) ON DELETE CASCADE,
				filled_share_micros  TEXT NOT NULL,
				fill_price_micros    INTEGER NOT NULL,
				fill_notional_micros TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_fills_attempt ON executable_fills(copy_attempt_id);

			CREATE TABLE IF NOT EXISTS ledger_entries (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				portfolio_scope    TEXT NOT NULL,
				followed_user_id   INTEGER NOT NULL DEFAULT 0,
				market_id          TEXT NOT NULL DEFAULT '',
				asset_id           TEXT NOT NULL,
				entry_type         TEXT NOT NULL,
				share_delta_micros TEXT NOT NULL,
				cash_delta_micros  TEXT NOT NULL,
				price_micros       INTEGER NOT NULL DEFAULT 0,
				ref_id             TEXT NOT NULL,
				created_at         TEXT NOT NULL,
				UNIQUE(portfolio_scope, ref_id, entry_type)
			);
			CREATE INDEX IF NOT EXISTS idx_ledger_scope_user ON ledger_entries(portfolio_scope, followed_user_id);
			CREATE INDEX IF NOT EXISTS idx_ledger_asset ON ledger_entries(asset_id);

			CREATE TABLE IF NOT EXISTS portfolio_snapshots (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				portfolio_scope  TEXT NOT NULL,
				followed_user_id INTEGER NOT NULL DEFAULT 0,
				bucket_time      TEXT NOT NULL,
				equity_micros    TEXT NOT NULL,
				exposure_micros  TEXT NOT NULL DEFAULT '0',
				cash_micros      TEXT NOT NULL DEFAULT '0'
			);
			CREATE INDEX IF NOT EXISTS idx_snapshots_scope_user_time
				ON portfolio_snapshots(portfolio_scope, followed_user_id, bucket_time);

			CREATE TABLE IF NOT EXISTS market_price_snapshots (
				id                    INTEGER PRIMARY KEY AUTOINCREMENT,
				asset_id              TEXT NOT NULL,
				bucket_time           TEXT NOT NULL,
				midpoint_price_micros INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_prices_asset_time
				ON market_price_snapshots(asset_id, bucket_time);

			CREATE TABLE IF NOT EXISTS config_overrides (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			INSERT INTO schema_version(version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

// bigStr renders a big.Int column value, nil as zero.
func bigStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseBig reads a big.Int column value.
func parseBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
