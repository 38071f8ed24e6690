package executor

import (
	"math/big"

	"github.com/google/uuid"

	"polymarket-copy/internal/config"
	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

// simResult is the outcome of walking the book against a target.
type simResult struct {
	fills                []types.ExecutableFill
	filledShareMicros    *big.Int
	filledNotionalMicros *big.Int
	availableNotional    *big.Int // depth within bounds, consumed or not
	vwapFilledMicros     int64
	targetShareMicros    *big.Int
	filledRatioBps       int64
	boundPriceMicros     int64 // the computed max (BUY) or min (SELL) price
}

// priceBounds computes the walk limit against the book's real mid, not the
// leader's VWAP. BUY caps how far above the leader's fill and the mid we
// will pay; SELL mirrors below.
func priceBounds(side types.Side, theirRef, mid int64, g config.Guardrails) int64 {
	if side == types.BUY {
		bound := theirRef + g.MaxWorseningVsTheirFillMicros
		if m := mid + g.MaxOverMidMicros; m < bound {
			bound = m
		}
		return bound
	}
	bound := theirRef - g.MaxWorseningVsTheirFillMicros
	if m := mid - g.MaxOverMidMicros; m > bound {
		bound = m
	}
	return bound
}

// simulate walks the book, taking liquidity level by level until the target
// notional is spent or the price bound is crossed. Levels are already
// sorted: asks ascending for BUY, bids descending for SELL.
func simulate(book *types.Book, side types.Side, targetMicros *big.Int, theirRef int64, g config.Guardrails) *simResult {
	r := &simResult{
		filledShareMicros:    micros.Zero(),
		filledNotionalMicros: micros.Zero(),
		availableNotional:    micros.Zero(),
		boundPriceMicros:     priceBounds(side, theirRef, book.MidPriceMicros, g),
	}

	r.targetShareMicros = micros.Shares(targetMicros, theirRef)
	// The budget is notional: at each level we take as many shares as the
	// remaining spend affords at that level's price. Both directions floor,
	// so the walk never overspends and the fill VWAP can never round past a
	// level price.
	remainingNotional := micros.Clone(targetMicros)

	levels := book.Asks
	if side == types.SELL {
		levels = book.Bids
	}

	for _, level := range levels {
		if side == types.BUY && level.PriceMicros > r.boundPriceMicros {
			break
		}
		if side == types.SELL && level.PriceMicros < r.boundPriceMicros {
			break
		}
		r.availableNotional.Add(r.availableNotional, notionalFloor(level.SizeMicros, level.PriceMicros))

		if remainingNotional.Sign() <= 0 {
			continue // keep summing depth within bounds
		}
		take := sharesFloor(remainingNotional, level.PriceMicros)
		if take.Cmp(level.SizeMicros) > 0 {
			take = micros.Clone(level.SizeMicros)
		}
		if take.Sign() <= 0 {
			remainingNotional.SetInt64(0)
			continue
		}
		notional := notionalFloor(take, level.PriceMicros)
		r.fills = append(r.fills, types.ExecutableFill{
			ID:                 uuid.New().String(),
			FilledShareMicros:  take,
			FillPriceMicros:    level.PriceMicros,
			FillNotionalMicros: notional,
		})
		r.filledShareMicros.Add(r.filledShareMicros, take)
		r.filledNotionalMicros.Add(r.filledNotionalMicros, notional)
		remainingNotional.Sub(remainingNotional, notional)
	}

	r.vwapFilledMicros = micros.VWAP(r.filledNotionalMicros, r.filledShareMicros)
	r.filledRatioBps = micros.RatioBps(r.filledShareMicros, r.targetShareMicros)
	return r
}

var microsPerUnit = big.NewInt(micros.PerUnit)

// sharesFloor is notional * 1e6 / price, truncated.
func sharesFloor(notionalMicros *big.Int, priceMicros int64) *big.Int {
	if priceMicros < 1 {
		priceMicros = 1
	}
	n := new(big.Int).Mul(notionalMicros, microsPerUnit)
	return n.Quo(n, big.NewInt(priceMicros))
}

// notionalFloor is shares * price / 1e6, truncated.
func notionalFloor(shareMicros *big.Int, priceMicros int64) *big.Int {
	n := new(big.Int).Mul(shareMicros, big.NewInt(priceMicros))
	return n.Quo(n, microsPerUnit)
}
