package executor

import (
	"math/big"
	"testing"

	"polymarket-copy/internal/config"
	"polymarket-copy/pkg/types"
)

func multiLevelBook(asks ...[2]int64) *types.Book {
	b := &types.Book{
		BestBidMicros: 490_000,
		Bids:          []types.PriceLevel{{PriceMicros: 490_000, SizeMicros: big.NewInt(1_000_000_000)}},
	}
	for _, a := range asks {
		b.Asks = append(b.Asks, types.PriceLevel{PriceMicros: a[0], SizeMicros: big.NewInt(a[1])})
	}
	b.BestAskMicros = b.Asks[0].PriceMicros
	b.MidPriceMicros = (b.BestBidMicros + b.BestAskMicros + 1) / 2
	b.SpreadMicros = b.BestAskMicros - b.BestBidMicros
	return b
}

func TestSimulateSingleLevel(t *testing.T) {
	t.Parallel()
	book := multiLevelBook([2]int64{510_000, 20_000_000})

	sim := simulate(book, types.BUY, big.NewInt(50_000), 500_000, config.DefaultGuardrails())

	if sim.filledShareMicros.Int64() != 98_039 {
		t.Errorf("filled shares = %d, want 98039", sim.filledShareMicros.Int64())
	}
	if sim.filledNotionalMicros.Int64() != 49_999 {
		t.Errorf("filled notional = %d, want 49999", sim.filledNotionalMicros.Int64())
	}
	if len(sim.fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(sim.fills))
	}
	if sim.fills[0].FillPriceMicros != 510_000 {
		t.Errorf("fill price = %d", sim.fills[0].FillPriceMicros)
	}
}

func TestSimulateWalksLevelsInOrder(t *testing.T) {
	t.Parallel()
	// 2 shares at 0.50, then depth at 0.505.
	book := multiLevelBook([2]int64{500_000, 2_000_000}, [2]int64{505_000, 100_000_000})

	sim := simulate(book, types.BUY, big.NewInt(2_010_000), 500_000, config.DefaultGuardrails())

	if len(sim.fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(sim.fills))
	}
	if sim.fills[0].FillPriceMicros != 500_000 || sim.fills[1].FillPriceMicros != 505_000 {
		t.Errorf("fill prices = %d, %d", sim.fills[0].FillPriceMicros, sim.fills[1].FillPriceMicros)
	}
	// First level consumed whole.
	if sim.fills[0].FilledShareMicros.Int64() != 2_000_000 {
		t.Errorf("level 1 take = %d, want 2000000", sim.fills[0].FilledShareMicros.Int64())
	}

	// Accounting identity across fills.
	shares := new(big.Int)
	notional := new(big.Int)
	for _, f := range sim.fills {
		shares.Add(shares, f.FilledShareMicros)
		notional.Add(notional, f.FillNotionalMicros)
	}
	if shares.Cmp(sim.filledShareMicros) != 0 {
		t.Errorf("share sum %s != filled %s", shares, sim.filledShareMicros)
	}
	if notional.Cmp(sim.filledNotionalMicros) != 0 {
		t.Errorf("notional sum %s != filled %s", notional, sim.filledNotionalMicros)
	}
}

// Property 5: no fill ever lands outside the computed bound.
func TestSimulateStopsAtBound(t *testing.T) {
	t.Parallel()
	g := config.DefaultGuardrails()
	// Bound for BUY at theirRef 500000 is min(510000, mid+15000).
	book := multiLevelBook([2]int64{505_000, 1_000_000}, [2]int64{520_000, 100_000_000})

	sim := simulate(book, types.BUY, big.NewInt(10_000_000), 500_000, g)

	for _, f := range sim.fills {
		if f.FillPriceMicros > sim.boundPriceMicros {
			t.Errorf("fill at %d outside bound %d", f.FillPriceMicros, sim.boundPriceMicros)
		}
	}
	if len(sim.fills) != 1 {
		t.Errorf("fills = %d, want only the in-bound level", len(sim.fills))
	}
	// Depth within bounds excludes the out-of-bound level too.
	if sim.availableNotional.Int64() != 505_000 {
		t.Errorf("available = %d, want 505000", sim.availableNotional.Int64())
	}
}

func TestSimulateSellWalksBidsDescending(t *testing.T) {
	t.Parallel()
	book := &types.Book{
		Bids: []types.PriceLevel{
			{PriceMicros: 495_000, SizeMicros: big.NewInt(1_000_000)},
			{PriceMicros: 492_000, SizeMicros: big.NewInt(100_000_000)},
		},
		Asks:          []types.PriceLevel{{PriceMicros: 505_000, SizeMicros: big.NewInt(1_000_000_000)}},
		BestBidMicros: 495_000,
		BestAskMicros: 505_000,
	}
	book.MidPriceMicros = (book.BestBidMicros + book.BestAskMicros + 1) / 2
	book.SpreadMicros = book.BestAskMicros - book.BestBidMicros

	sim := simulate(book, types.SELL, big.NewInt(1_000_000), 500_000, config.DefaultGuardrails())

	if len(sim.fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(sim.fills))
	}
	if sim.fills[0].FillPriceMicros != 495_000 {
		t.Errorf("first sell fill at %d, want the best bid 495000", sim.fills[0].FillPriceMicros)
	}
	// Bound for SELL: max(500000-10000, mid-15000) = max(490000, 485000).
	if sim.boundPriceMicros != 490_000 {
		t.Errorf("bound = %d, want 490000", sim.boundPriceMicros)
	}
}

func TestSimulateZeroDepth(t *testing.T) {
	t.Parallel()
	book := &types.Book{
		BestBidMicros:  0,
		BestAskMicros:  1_000_000,
		MidPriceMicros: 500_000,
		SpreadMicros:   1_000_000,
	}

	sim := simulate(book, types.BUY, big.NewInt(50_000), 500_000, config.DefaultGuardrails())
	if sim.filledShareMicros.Sign() != 0 || len(sim.fills) != 0 {
		t.Errorf("empty book produced fills: %+v", sim.fills)
	}
	if sim.vwapFilledMicros != 0 {
		t.Errorf("vwap = %d, want 0", sim.vwapFilledMicros)
	}
	if sim.filledRatioBps != 0 {
		t.Errorf("ratio = %d, want 0", sim.filledRatioBps)
	}
}
