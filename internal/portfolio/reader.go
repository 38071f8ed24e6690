// Package portfolio derives the risk view the executor evaluates caps
// against. Nothing here is stored: every decision recomputes equity,
// exposures, and loss windows from the latest snapshots plus the ledger.
package portfolio

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"polymarket-copy/internal/config"
	"polymarket-copy/internal/store"
	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

// Mark price assumed for assets with no stored price snapshot.
const defaultMarkPriceMicros = 500_000

// Shadow portfolios have no bankroll of their own; risk math against them
// uses a deliberately large equity so caps never bind.
const shadowEquityMicros = 1_000_000_000_000 // $1M

// Reader computes PortfolioState on demand.
type Reader struct {
	store  *store.Store
	cfg    *config.Manager
	logger *slog.Logger
}

// NewReader creates a portfolio state reader.
func NewReader(st *store.Store, cfg *config.Manager, logger *slog.Logger) *Reader {
	return &Reader{store: st, cfg: cfg, logger: logger.With("component", "portfolio")}
}

// State derives the full risk view for one (scope, leader).
func (r *Reader) State(ctx context.Context, scope types.PortfolioScope, userID int64) (*types.PortfolioState, error) {
	equity, err := r.equity(ctx, scope, userID)
	if err != nil {
		return nil, err
	}

	st := &types.PortfolioState{
		EquityMicros:        equity,
		TotalExposureMicros: micros.Zero(),
		ExposureByMarket:    make(map[string]*big.Int),
		ExposureByLeader:    make(map[int64]*big.Int),
		DailyPnlMicros:      micros.Zero(),
		WeeklyPnlMicros:     micros.Zero(),
	}

	positions, err := r.store.PositionsByLeader(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if scope != types.ScopeExecGlobal && p.FollowedUserID != userID {
			continue
		}
		value, err := r.markValue(ctx, p.AssetID, p.ShareMicros)
		if err != nil {
			return nil, err
		}
		st.TotalExposureMicros.Add(st.TotalExposureMicros, value)
		addTo(st.ExposureByMarket, p.MarketID, value)
		addToInt64(st.ExposureByLeader, p.FollowedUserID, value)
	}

	peak, err := r.store.PeakEquity(ctx, scope, userID)
	if err != nil {
		return nil, err
	}
	if peak == nil || peak.Cmp(equity) < 0 {
		// No snapshot history: peak defaults to current equity, so the
		// drawdown check cannot trip from a cold start.
		peak = micros.Clone(equity)
	}
	st.PeakEquityMicros = peak

	now := time.Now()
	st.DailyPnlMicros, err = r.pnlSince(ctx, scope, userID, equity, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	st.WeeklyPnlMicros, err = r.pnlSince(ctx, scope, userID, equity, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	return st, nil
}

// equity reads the latest snapshot, falling back to the configured bankroll
// (executable scopes) or the shadow default.
func (r *Reader) equity(ctx context.Context, scope types.PortfolioScope, userID int64) (*big.Int, error) {
	snap, err := r.store.LatestSnapshot(ctx, scope, userID)
	if err != nil {
		return nil, err
	}
	if snap != nil && snap.EquityMicros != nil {
		return micros.Clone(snap.EquityMicros), nil
	}
	if scope == types.ScopeShadowUser {
		return big.NewInt(shadowEquityMicros), nil
	}
	return big.NewInt(r.cfg.System().InitialBankrollMicros), nil
}

// markValue returns |shares * markPrice / 1e6| at the latest stored price,
// defaulting the price when the asset has never been priced.
func (r *Reader) markValue(ctx context.Context, assetID string, shares *big.Int) (*big.Int, error) {
	price, ok, err := r.store.LatestMarkPrice(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		price = defaultMarkPriceMicros
	}
	return new(big.Int).Abs(micros.Notional(shares, price)), nil
}

// pnlSince is equity now minus the latest snapshot at or before the window
// start; zero when no such snapshot exists.
func (r *Reader) pnlSince(ctx context.Context, scope types.PortfolioScope, userID int64, equity *big.Int, since time.Time) (*big.Int, error) {
	snap, err := r.store.SnapshotAtOrBefore(ctx, scope, userID, since)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.EquityMicros == nil {
		return micros.Zero(), nil
	}
	return new(big.Int).Sub(equity, snap.EquityMicros), nil
}

// PnlWindows computes equity deltas over the dashboard windows. Keys are
// "1h", "24h", "7d", "30d"; a window with no anchoring snapshot reads zero.
func (r *Reader) PnlWindows(ctx context.Context, scope types.PortfolioScope, userID int64, equity *big.Int) (map[string]*big.Int, error) {
	now := time.Now()
	windows := map[string]time.Duration{
		"1h":  time.Hour,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30d": 30 * 24 * time.Hour,
	}
	out := make(map[string]*big.Int, len(windows))
	for key, d := range windows {
		pnl, err := r.pnlSince(ctx, scope, userID, equity, now.Add(-d))
		if err != nil {
			return nil, err
		}
		out[key] = pnl
	}
	return out, nil
}

// LeaderShadowExposure reads the leader's own exposure from the latest
// SHADOW_USER snapshot; zero when none exists. Budgeted-dynamic sizing
// derives its rate from this.
func (r *Reader) LeaderShadowExposure(ctx context.Context, leaderID int64) (*big.Int, error) {
	snap, err := r.store.LatestSnapshot(ctx, types.ScopeShadowUser, leaderID)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.ExposureMicros == nil {
		return micros.Zero(), nil
	}
	return micros.Clone(snap.ExposureMicros), nil
}

// CopierLeaderExposure values the copier's own open position attributable to
// one leader within a scope. Budget headroom is measured against this.
func (r *Reader) CopierLeaderExposure(ctx context.Context, scope types.PortfolioScope, leaderID int64) (*big.Int, error) {
	positions, err := r.store.PositionsByLeader(ctx, scope)
	if err != nil {
		return nil, err
	}
	total := micros.Zero()
	for _, p := range positions {
		if p.FollowedUserID != leaderID {
			continue
		}
		value, err := r.markValue(ctx, p.AssetID, p.ShareMicros)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// PositionShares exposes the signed ledger position for the reducing-exposure
// test in the executor.
func (r *Reader) PositionShares(ctx context.Context, scope types.PortfolioScope, leaderID int64, assetID string) (*big.Int, error) {
	return r.store.PositionShares(ctx, scope, leaderID, assetID)
}

func addTo(m map[string]*big.Int, key string, v *big.Int) {
	if cur, ok := m[key]; ok {
		cur.Add(cur, v)
		return
	}
	m[key] = micros.Clone(v)
}

func addToInt64(m map[int64]*big.Int, key int64, v *big.Int) {
	if cur, ok := m[key]; ok {
		cur.Add(cur, v)
		return
	}
	m[key] = micros.Clone(v)
}
