package executor

import (
	"context"
	"math/big"

	"polymarket-copy/internal/config"
	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

// sizingResult carries the clamped target and which clamps fired, for
// logging and diagnostics.
type sizingResult struct {
	targetMicros      *big.Int
	clampedByBankroll bool
	clampedToMin      bool
	clampedToMax      bool
	clampedRateMin    bool
	clampedRateMax    bool
	budgetCapped      bool
	belowMin          bool // bankroll clamp left the target under the minimum: SKIP
}

// budgetedActive reports whether budgeted-dynamic sizing applies.
func budgetedActive(s config.Sizing) bool {
	return s.SizingMode == config.SizingBudgetedDynamic && s.BudgetedDynamicEnabled
}

// size computes the raw target for a group, then applies the trade-level
// clamps. Buffer groups skip the rate step entirely: the buffer has already
// produced the intended notional.
func (e *Executor) size(ctx context.Context, group types.TradeEventGroup, s config.Sizing, equity *big.Int) (*sizingResult, error) {
	r := &sizingResult{}

	switch {
	case group.SourceType == types.SourceBuffer:
		r.targetMicros = micros.Clone(group.TotalNotionalMicros)

	case budgetedActive(s):
		leaderExposure, err := e.portfolio.LeaderShadowExposure(ctx, group.FollowedUserID)
		if err != nil {
			return nil, err
		}
		r.targetMicros = e.budgetedTarget(group.TotalNotionalMicros, leaderExposure, s, r)

	default:
		r.targetMicros = micros.ApplyBps(group.TotalNotionalMicros, s.CopyPctNotionalBps)
	}

	e.applyClamps(r, s, equity)
	return r, nil
}

// budgetedTarget scales the leader notional by r = clamp(B / E_L, rMin, rMax),
// or rMax when the leader's exposure is unknown or zero.
func (e *Executor) budgetedTarget(leaderNotional, leaderExposure *big.Int, s config.Sizing, r *sizingResult) *big.Int {
	atMin := micros.ApplyBps(leaderNotional, s.BudgetRMinBps)
	atMax := micros.ApplyBps(leaderNotional, s.BudgetRMaxBps)
	if leaderExposure.Sign() <= 0 {
		r.clampedRateMax = true
		return atMax
	}

	// leaderNotional * B / E_L, computed exactly before clamping.
	raw := new(big.Int).Mul(leaderNotional, big.NewInt(s.BudgetUsdcMicros))
	raw = micros.DivRound(raw, leaderExposure)

	if raw.Cmp(atMin) < 0 {
		r.clampedRateMin = true
		return atMin
	}
	if raw.Cmp(atMax) > 0 {
		r.clampedRateMax = true
		return atMax
	}
	return raw
}

// applyClamps runs the trade-level clamps in order: the bankroll fraction,
// then the absolute maximum. The minimum never inflates a small raw target;
// it rejects a trade only when the bankroll clamp shrank it below the
// minimum (the bankroll cannot afford the smallest allowed trade).
func (e *Executor) applyClamps(r *sizingResult, s config.Sizing, equity *big.Int) {
	t := r.targetMicros

	bankrollCap := micros.ApplyBps(equity, s.MaxTradeBankrollBps)
	if s.MaxTradeBankrollBps > 0 && t.Cmp(bankrollCap) > 0 {
		t = micros.Clone(bankrollCap)
		r.clampedByBankroll = true
	}

	maxTrade := big.NewInt(s.MaxTradeNotionalMicros)
	if s.MaxTradeNotionalMicros > 0 && t.Cmp(maxTrade) > 0 {
		t = micros.Clone(maxTrade)
		r.clampedToMax = true
	}

	if t.Cmp(big.NewInt(s.MinTradeNotionalMicros)) < 0 {
		r.clampedToMin = true
		if r.clampedByBankroll {
			r.belowMin = true
		}
	}

	r.targetMicros = t
}

// enforceBudget applies HARD budget headroom for non-reducing trades.
// Returns the (possibly shrunk) target and whether the trade must be
// skipped outright.
func (e *Executor) enforceBudget(ctx context.Context, scope types.PortfolioScope, group types.TradeEventGroup, s config.Sizing, target *big.Int, r *sizingResult) (*big.Int, bool, error) {
	exposure, err := e.portfolio.CopierLeaderExposure(ctx, scope, group.FollowedUserID)
	if err != nil {
		return nil, false, err
	}
	headroom := new(big.Int).Sub(big.NewInt(s.BudgetUsdcMicros), exposure)

	if headroom.Sign() <= 0 {
		return target, true, nil
	}
	if target.Cmp(headroom) > 0 {
		if headroom.Cmp(big.NewInt(s.MinTradeNotionalMicros)) < 0 {
			return target, true, nil
		}
		r.budgetCapped = true
		return headroom, false, nil
	}
	return target, false, nil
}
