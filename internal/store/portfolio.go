package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"polymarket-copy/pkg/types"
)

// Position is one asset's net ledger position for a (scope, leader).
type Position struct {
	AssetID         string
	MarketID        string
	ShareMicros     *big.Int // signed: positive long, negative short
	CostBasisMicros *big.Int // signed sum of cash deltas, negated
}

// LatestSnapshot returns the most recent portfolio snapshot for a scope and
// leader, or nil when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, scope types.PortfolioScope, userID int64) (*types.PortfolioSnapshot, error) {
	return s.snapshotWhere(ctx, scope, userID, "", nil)
}

// SnapshotAtOrBefore returns the most recent snapshot at or before t.
func (s *Store) SnapshotAtOrBefore(ctx context.Context, scope types.PortfolioScope, userID int64, t time.Time) (*types.PortfolioSnapshot, error) {
	return s.snapshotWhere(ctx, scope, userID, " AND bucket_time <= ?", []any{t.UTC().Format(timeFormat)})
}

func (s *Store) snapshotWhere(ctx context.Context, scope types.PortfolioScope, userID int64, extra string, extraArgs []any) (*types.PortfolioSnapshot, error) {
	args := append([]any{string(scope), userID}, extraArgs...)
	row := s.sql.QueryRowContext(ctx, `
		SELECT bucket_time, equity_micros, exposure_micros, cash_micros
		FROM portfolio_snapshots
		WHERE portfolio_scope = ? AND followed_user_id = ?`+extra+`
		ORDER BY bucket_time DESC LIMIT 1`, args...)

	var bucket, equity, exposure, cash string
	err := row.Scan(&bucket, &equity, &exposure, &cash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	snap := &types.PortfolioSnapshot{
		PortfolioScope: scope,
		FollowedUserID: userID,
		EquityMicros:   parseBig(equity),
		ExposureMicros: parseBig(exposure),
		CashMicros:     parseBig(cash),
	}
	snap.BucketTime, _ = time.Parse(timeFormat, bucket)
	return snap, nil
}

// PeakEquity returns the maximum equity across all snapshots for the scope,
// or nil when no snapshots exist (drawdown is then definitionally zero).
func (s *Store) PeakEquity(ctx context.Context, scope types.PortfolioScope, userID int64) (*big.Int, error) {
	rows, err := s.sql.QueryContext(ctx, `
		SELECT equity_micros FROM portfolio_snapshots
		WHERE portfolio_scope = ? AND followed_user_id = ?`, string(scope), userID)
	if err != nil {
		return nil, fmt.Errorf("peak equity: %w", err)
	}
	defer rows.Close()

	var peak *big.Int
	for rows.Next() {
		var equity string
		if err := rows.Scan(&equity); err != nil {
			return nil, fmt.Errorf("scan equity: %w", err)
		}
		v := parseBig(equity)
		if peak == nil || v.Cmp(peak) > 0 {
			peak = v
		}
	}
	return peak, rows.Err()
}

// InsertSnapshot records one portfolio snapshot. Snapshots are produced
// externally; this write path exists for that job and for tests.
func (s *Store) InsertSnapshot(ctx context.Context, snap types.PortfolioSnapshot) error {
	_, err := s.sql.ExecContext(ctx, `
		INSERT INTO portfolio_snapshots (portfolio_scope, followed_user_id, bucket_time, equity_micros, exposure_micros, cash_micros)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(snap.PortfolioScope), snap.FollowedUserID, snap.BucketTime.UTC().Format(timeFormat),
		bigStr(snap.EquityMicros), bigStr(snap.ExposureMicros), bigStr(snap.CashMicros))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestMarkPrice returns the most recent midpoint price snapshot for an
// asset. ok is false when the asset has never been priced.
func (s *Store) LatestMarkPrice(ctx context.Context, assetID string) (int64, bool, error) {
	row := s.sql.QueryRowContext(ctx, `
		SELECT midpoint_price_micros FROM market_price_snapshots
		WHERE asset_id = ? ORDER BY bucket_time DESC LIMIT 1`, assetID)
	var price int64
	err := row.Scan(&price)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest mark price: %w", err)
	}
	return price, true, nil
}

// InsertMarkPrice records one midpoint price snapshot.
func (s *Store) InsertMarkPrice(ctx context.Context, snap types.MarketPriceSnapshot) error {
	_, err := s.sql.ExecContext(ctx, `
		INSERT INTO market_price_snapshots (asset_id, bucket_time, midpoint_price_micros)
		VALUES (?, ?, ?)`,
		snap.AssetID, snap.BucketTime.UTC().Format(timeFormat), snap.MidpointPriceMicros)
	if err != nil {
		return fmt.Errorf("insert mark price: %w", err)
	}
	return nil
}

// Positions sums ledger share deltas per asset for a (scope, leader).
func (s *Store) Positions(ctx context.Context, scope types.PortfolioScope, userID int64) ([]Position, error) {
	rows, err := s.sql.QueryContext(ctx, `
		SELECT asset_id, market_id, share_delta_micros, cash_delta_micros
		FROM ledger_entries
		WHERE portfolio_scope = ? AND followed_user_id = ?
		ORDER BY id`, string(scope), userID)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	defer rows.Close()

	byAsset := make(map[string]*Position)
	var order []string
	for rows.Next() {
		var assetID, marketID, share, cash string
		if err := rows.Scan(&assetID, &marketID, &share, &cash); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p, ok := byAsset[assetID]
		if !ok {
			p = &Position{AssetID: assetID, MarketID: marketID, ShareMicros: new(big.Int), CostBasisMicros: new(big.Int)}
			byAsset[assetID] = p
			order = append(order, assetID)
		}
		p.ShareMicros.Add(p.ShareMicros, parseBig(share))
		p.CostBasisMicros.Sub(p.CostBasisMicros, parseBig(cash))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(order))
	for _, id := range order {
		out = append(out, *byAsset[id])
	}
	return out, nil
}

// LeaderPosition is one (leader, asset) net position within a scope.
type LeaderPosition struct {
	FollowedUserID int64
	AssetID        string
	MarketID       string
	ShareMicros    *big.Int
}

// PositionsByLeader sums ledger share deltas per (leader, asset) across the
// whole scope. The global portfolio's exposure view aggregates over these.
func (s *Store) PositionsByLeader(ctx context.Context, scope types.PortfolioScope) ([]LeaderPosition, error) {
	rows, err := s.sql.QueryContext(ctx, `
		SELECT followed_user_id, asset_id, market_id, share_delta_micros
		FROM ledger_entries
		WHERE portfolio_scope = ?
		ORDER BY id`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("positions by leader: %w", err)
	}
	defer rows.Close()

	type key struct {
		user  int64
		asset string
	}
	byKey := make(map[key]*LeaderPosition)
	var order []key
	for rows.Next() {
		var userID int64
		var assetID, marketID, share string
		if err := rows.Scan(&userID, &assetID, &marketID, &share); err != nil {
			return nil, fmt.Errorf("scan leader position: %w", err)
		}
		k := key{user: userID, asset: assetID}
		p, ok := byKey[k]
		if !ok {
			p = &LeaderPosition{FollowedUserID: userID, AssetID: assetID, MarketID: marketID, ShareMicros: new(big.Int)}
			byKey[k] = p
			order = append(order, k)
		}
		p.ShareMicros.Add(p.ShareMicros, parseBig(share))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]LeaderPosition, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out, nil
}

// PositionShares returns the signed net share position for one asset.
func (s *Store) PositionShares(ctx context.Context, scope types.PortfolioScope, userID int64, assetID string) (*big.Int, error) {
	rows, err := s.sql.QueryContext(ctx, `
		SELECT share_delta_micros FROM ledger_entries
		WHERE portfolio_scope = ? AND followed_user_id = ? AND asset_id = ?`,
		string(scope), userID, assetID)
	if err != nil {
		return nil, fmt.Errorf("position shares: %w", err)
	}
	defer rows.Close()

	total := new(big.Int)
	for rows.Next() {
		var share string
		if err := rows.Scan(&share); err != nil {
			return nil, fmt.Errorf("scan share delta: %w", err)
		}
		total.Add(total, parseBig(share))
	}
	return total, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Followed users
// ————————————————————————————————————————————————————————————————————————

// UpsertFollowedUser registers a leader wallet, returning its id.
func (s *Store) UpsertFollowedUser(ctx context.Context, address common.Address, label string) (int64, error) {
	_, err := s.sql.ExecContext(ctx, `
		INSERT INTO followed_users (address, label) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET label = excluded.label`,
		address.Hex(), label)
	if err != nil {
		return 0, fmt.Errorf("upsert followed user: %w", err)
	}
	var id int64
	if err := s.sql.QueryRowContext(ctx,
		`SELECT id FROM followed_users WHERE address = ?`, address.Hex()).Scan(&id); err != nil {
		return 0, fmt.Errorf("followed user id: %w", err)
	}
	return id, nil
}

// AttemptCountsByUser returns the number of persisted copy attempts per
// leader id. Key 0 counts the global scope's null-leader rows.
func (s *Store) AttemptCountsByUser(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.sql.QueryContext(ctx, `
		SELECT followed_user_id, COUNT(*) FROM copy_attempts GROUP BY followed_user_id`)
	if err != nil {
		return nil, fmt.Errorf("attempt counts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var userID, count int64
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, fmt.Errorf("scan attempt count: %w", err)
		}
		out[userID] = count
	}
	return out, rows.Err()
}

// ListFollowedUsers returns all registered leaders.
func (s *Store) ListFollowedUsers(ctx context.Context) ([]types.FollowedUser, error) {
	rows, err := s.sql.QueryContext(ctx, `SELECT id, address, label FROM followed_users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list followed users: %w", err)
	}
	defer rows.Close()

	var out []types.FollowedUser
	for rows.Next() {
		var u types.FollowedUser
		var addr string
		if err := rows.Scan(&u.ID, &addr, &u.Label); err != nil {
			return nil, fmt.Errorf("scan followed user: %w", err)
		}
		u.Address = common.HexToAddress(addr)
		out = append(out, u)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Config persistence
// ————————————————————————————————————————————————————————————————————————

const configKey = "runtime_config"

// SaveConfig persists the runtime config snapshot blob.
func (s *Store) SaveConfig(ctx context.Context, blob []byte) error {
	_, err := s.sql.ExecContext(ctx, `
		INSERT INTO config_overrides (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		configKey, string(blob))
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// LoadConfig returns the persisted snapshot blob, nil when none exists.
func (s *Store) LoadConfig(ctx context.Context) ([]byte, error) {
	var value string
	err := s.sql.QueryRowContext(ctx,
		`SELECT value FROM config_overrides WHERE key = ?`, configKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return []byte(value), nil
}
