// Package book provides live order book state for subscribed outcome tokens.
//
// Each token's book is a pair of price → size level maps updated from two
// sources: WebSocket deltas (primary) and REST snapshots (fallback). After
// every update the levels are rebuilt into a normalized types.Book with
// sorted sides and derived best bid/ask, mid, and spread. The Cache owns all
// book records, evicts by LRU and TTL, and tracks subscription intent for the
// WebSocket feed.
package book

import (
	"math/big"
	"sort"
	"time"

	"polymarket-copy/pkg/types"
)

// Default best prices for an empty side, in micros.
const (
	emptyBestBid = 0
	emptyBestAsk = 1_000_000
)

// levels maps priceMicros to sizeMicros for one side of a book.
type levels map[int64]*big.Int

// apply sets each given level to its size, removing levels with zero size.
// Untouched levels remain.
func (l levels) apply(updates []types.PriceLevel) {
	for _, u := range updates {
		if u.SizeMicros == nil || u.SizeMicros.Sign() <= 0 {
			delete(l, u.PriceMicros)
			continue
		}
		l[u.PriceMicros] = new(big.Int).Set(u.SizeMicros)
	}
}

// tokenBook is the mutable book state for one token. All access is
// serialized by the owning Cache.
type tokenBook struct {
	tokenID string
	bids    levels
	asks    levels
	norm    types.Book // rebuilt after every update
}

func newTokenBook(tokenID string) *tokenBook {
	return &tokenBook{
		tokenID: tokenID,
		bids:    make(levels),
		asks:    make(levels),
		norm: types.Book{
			TokenID:        tokenID,
			BestBidMicros:  emptyBestBid,
			BestAskMicros:  emptyBestAsk,
			MidPriceMicros: (emptyBestBid + emptyBestAsk) / 2,
			SpreadMicros:   emptyBestAsk - emptyBestBid,
		},
	}
}

// applyDelta applies incremental level updates and rebuilds the snapshot.
func (tb *tokenBook) applyDelta(bids, asks []types.PriceLevel, source types.BookSource, now time.Time) {
	tb.bids.apply(bids)
	tb.asks.apply(asks)
	tb.rebuild(source, now)
}

// replace swaps in a full snapshot (REST responses carry the whole book).
func (tb *tokenBook) replace(bids, asks []types.PriceLevel, source types.BookSource, now time.Time) {
	tb.bids = make(levels, len(bids))
	tb.asks = make(levels, len(asks))
	tb.bids.apply(bids)
	tb.asks.apply(asks)
	tb.rebuild(source, now)
}

// rebuild recomputes the normalized snapshot: drop prices outside (0, 1e6),
// sort bids descending and asks ascending, derive best/mid/spread.
func (tb *tokenBook) rebuild(source types.BookSource, now time.Time) {
	bids := sortedSide(tb.bids, true)
	asks := sortedSide(tb.asks, false)

	bestBid := int64(emptyBestBid)
	if len(bids) > 0 {
		bestBid = bids[0].PriceMicros
	}
	bestAsk := int64(emptyBestAsk)
	if len(asks) > 0 {
		bestAsk = asks[0].PriceMicros
	}

	tb.norm = types.Book{
		TokenID:        tb.tokenID,
		Bids:           bids,
		Asks:           asks,
		BestBidMicros:  bestBid,
		BestAskMicros:  bestAsk,
		MidPriceMicros: (bestBid + bestAsk + 1) / 2,
		SpreadMicros:   bestAsk - bestBid,
		UpdatedAt:      now,
		Source:         source,
	}
}

func sortedSide(side levels, descending bool) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(side))
	for price, size := range side {
		if price <= 0 || price >= 1_000_000 {
			continue
		}
		out = append(out, types.PriceLevel{PriceMicros: price, SizeMicros: new(big.Int).Set(size)})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].PriceMicros > out[j].PriceMicros
		}
		return out[i].PriceMicros < out[j].PriceMicros
	})
	return out
}

// snapshot returns a copy safe to hand to callers.
func (tb *tokenBook) snapshot() types.Book {
	b := tb.norm
	b.Bids = append([]types.PriceLevel(nil), tb.norm.Bids...)
	b.Asks = append([]types.PriceLevel(nil), tb.norm.Asks...)
	return b
}
