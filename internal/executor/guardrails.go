package executor

import (
	"math/big"

	"polymarket-copy/internal/config"
	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

// reasonSet collects skip reasons in evaluation order, de-duplicated.
type reasonSet struct {
	codes []types.ReasonCode
	seen  map[types.ReasonCode]bool
}

func newReasonSet() *reasonSet {
	return &reasonSet{seen: make(map[types.ReasonCode]bool)}
}

func (rs *reasonSet) add(code types.ReasonCode) {
	if rs.seen[code] {
		return
	}
	rs.seen[code] = true
	rs.codes = append(rs.codes, code)
}

func (rs *reasonSet) empty() bool { return len(rs.codes) == 0 }

// guardrailInput is everything the check sequence needs.
type guardrailInput struct {
	scope    types.PortfolioScope
	group    types.TradeEventGroup
	g        config.Guardrails
	state    *types.PortfolioState
	book     *types.Book
	sim      *simResult
	target   *big.Int
	reducing bool
}

// checkGuardrails runs the protection sequence in its fixed order, collecting
// every violated rule. Circuit breakers and exposure caps are bypassed for
// trades that reduce the existing position.
func checkGuardrails(in guardrailInput, rs *reasonSet) {
	g, sim := in.g, in.sim

	// Max buy cost per share: optional, global portfolio only.
	if in.scope == types.ScopeExecGlobal && g.MaxBuyCostPerShareMicros > 0 &&
		in.group.Side == types.BUY && sim.filledShareMicros.Sign() > 0 &&
		sim.vwapFilledMicros > g.MaxBuyCostPerShareMicros {
		rs.add(types.ReasonMaxBuyCostExceeded)
	}

	if in.book.SpreadMicros > g.MaxSpreadMicros {
		rs.add(types.ReasonSpreadTooWide)
	}

	required := micros.ApplyBps(in.target, g.MinDepthMultiplierBps)
	if sim.availableNotional.Cmp(required) < 0 {
		rs.add(types.ReasonInsufficientDepth)
	}

	// Price protection evaluates the achieved VWAP, or, when the bounds
	// stopped the walk before any fill, the best available level, so the
	// skip reasons still name what was wrong with the price.
	checkPrice := sim.vwapFilledMicros
	havePrice := sim.filledShareMicros.Sign() > 0
	if !havePrice {
		if in.group.Side == types.BUY && len(in.book.Asks) > 0 {
			checkPrice = in.book.BestAskMicros
			havePrice = true
		} else if in.group.Side == types.SELL && len(in.book.Bids) > 0 {
			checkPrice = in.book.BestBidMicros
			havePrice = true
		}
	}
	if havePrice {
		theirRef := in.group.VWAPPriceMicros
		mid := in.book.MidPriceMicros
		if in.group.Side == types.BUY {
			if checkPrice > theirRef+g.MaxWorseningVsTheirFillMicros {
				rs.add(types.ReasonPriceWorseThanTheirFill)
			}
			if checkPrice > mid+g.MaxOverMidMicros {
				rs.add(types.ReasonPriceTooFarOverMid)
			}
		} else {
			if checkPrice < theirRef-g.MaxWorseningVsTheirFillMicros {
				rs.add(types.ReasonPriceWorseThanTheirFill)
			}
			if checkPrice < mid-g.MaxOverMidMicros {
				rs.add(types.ReasonPriceTooFarOverMid)
			}
		}
	}

	if !in.reducing {
		checkCircuitBreakers(in, rs)
		checkExposureCaps(in, rs)
	}

	if sim.filledShareMicros.Sign() == 0 {
		rs.add(types.ReasonNoLiquidityWithinBounds)
	}
}

// checkCircuitBreakers trips on loss-window breaches, drawdown, or a
// non-positive equity.
func checkCircuitBreakers(in guardrailInput, rs *reasonSet) {
	st, g := in.state, in.g

	if st.EquityMicros.Sign() <= 0 {
		rs.add(types.ReasonCircuitBreakerTripped)
		return
	}

	dailyLimit := new(big.Int).Neg(micros.ApplyBps(st.EquityMicros, g.DailyLossLimitBps))
	if st.DailyPnlMicros.Cmp(dailyLimit) < 0 {
		rs.add(types.ReasonCircuitBreakerTripped)
	}
	weeklyLimit := new(big.Int).Neg(micros.ApplyBps(st.EquityMicros, g.WeeklyLossLimitBps))
	if st.WeeklyPnlMicros.Cmp(weeklyLimit) < 0 {
		rs.add(types.ReasonCircuitBreakerTripped)
	}

	if st.PeakEquityMicros != nil && st.PeakEquityMicros.Sign() > 0 {
		drawdown := new(big.Int).Sub(st.PeakEquityMicros, st.EquityMicros)
		limit := micros.ApplyBps(st.PeakEquityMicros, g.MaxDrawdownLimitBps)
		if drawdown.Cmp(limit) > 0 {
			rs.add(types.ReasonCircuitBreakerTripped)
		}
	}
}

// checkExposureCaps verifies the trade's added exposure against the total,
// per-market, and (global scope only) per-leader caps.
func checkExposureCaps(in guardrailInput, rs *reasonSet) {
	st, g := in.state, in.g
	capCode := types.ReasonRiskCapUser
	if in.scope == types.ScopeExecGlobal {
		capCode = types.ReasonRiskCapGlobal
	}

	newExposure := in.target

	totalCap := micros.ApplyBps(st.EquityMicros, g.MaxTotalExposureBps)
	if new(big.Int).Add(st.TotalExposureMicros, newExposure).Cmp(totalCap) > 0 {
		rs.add(capCode)
	}

	marketCap := micros.ApplyBps(st.EquityMicros, g.MaxExposurePerMarketBps)
	perMarket := st.ExposureByMarket[in.group.MarketID]
	if perMarket == nil {
		perMarket = micros.Zero()
	}
	if new(big.Int).Add(perMarket, newExposure).Cmp(marketCap) > 0 {
		rs.add(capCode)
	}

	if in.scope == types.ScopeExecGlobal {
		leaderCap := micros.ApplyBps(st.EquityMicros, g.MaxExposurePerUserBps)
		perLeader := st.ExposureByLeader[in.group.FollowedUserID]
		if perLeader == nil {
			perLeader = micros.Zero()
		}
		if new(big.Int).Add(perLeader, newExposure).Cmp(leaderCap) > 0 {
			rs.add(capCode)
		}
	}
}
