package executor

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"polymarket-copy/internal/config"
	"polymarket-copy/internal/portfolio"
	"polymarket-copy/internal/store"
	"polymarket-copy/pkg/types"
)

// fakeBooks serves a fixed book for every token.
type fakeBooks struct {
	book *types.Book
}

func (f *fakeBooks) GetBook(ctx context.Context, tokenID string, freshness, wait time.Duration) (*types.Book, bool) {
	if f.book == nil {
		return nil, true
	}
	b := *f.book
	b.TokenID = tokenID
	return &b, false
}

func mkBook(bidPrice, bidSize, askPrice, askSize int64) *types.Book {
	b := &types.Book{
		BestBidMicros: 0,
		BestAskMicros: 1_000_000,
	}
	if bidSize > 0 {
		b.Bids = []types.PriceLevel{{PriceMicros: bidPrice, SizeMicros: big.NewInt(bidSize)}}
		b.BestBidMicros = bidPrice
	}
	if askSize > 0 {
		b.Asks = []types.PriceLevel{{PriceMicros: askPrice, SizeMicros: big.NewInt(askSize)}}
		b.BestAskMicros = askPrice
	}
	b.MidPriceMicros = (b.BestBidMicros + b.BestAskMicros + 1) / 2
	b.SpreadMicros = b.BestAskMicros - b.BestBidMicros
	b.UpdatedAt = time.Now()
	b.Source = types.BookSourceWS
	return b
}

type testEnv struct {
	exec  *Executor
	store *store.Store
	mgr   *config.Manager
	books *fakeBooks
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mgr := config.NewManager(config.DefaultGuardrails(), config.DefaultSizing(), config.DefaultBuffering(), config.DefaultSystem())
	pf := portfolio.NewReader(st, mgr, slog.Default())
	books := &fakeBooks{}
	return &testEnv{
		exec:  New(mgr, pf, books, st, slog.Default()),
		store: st,
		mgr:   mgr,
		books: books,
	}
}

func mkGroup(leader int64, side types.Side, price, shares, notional int64) types.TradeEventGroup {
	ws := types.WindowStart(time.Now(), 2*time.Second)
	return types.TradeEventGroup{
		GroupKey:            types.GroupKey(leader, "tok-1", side, ws),
		FollowedUserID:      leader,
		AssetID:             "tok-1",
		MarketID:            "mkt-1",
		Side:                side,
		TotalNotionalMicros: big.NewInt(notional),
		TotalShareMicros:    big.NewInt(shares),
		VWAPPriceMicros:     price,
		SourceType:          types.SourceAggregator,
		WindowStart:         ws,
	}
}

func latestAttempt(t *testing.T, st *store.Store, scope types.PortfolioScope) store.AttemptRow {
	t.Helper()
	rows, _, err := st.ListAttempts(context.Background(), 50, 0, "")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	for _, r := range rows {
		if r.PortfolioScope == scope {
			return r
		}
	}
	t.Fatalf("no attempt for scope %s", scope)
	return store.AttemptRow{}
}

func hasReason(r store.AttemptRow, code types.ReasonCode) bool {
	for _, c := range r.ReasonCodes {
		if c == code {
			return true
		}
	}
	return false
}

// S1: leader BUY $5 at 0.50, book offers 0.51 deep. Copy 1% executes at 0.51.
func TestStraightExecute(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.books.book = mkBook(490_000, 20_000_000, 510_000, 20_000_000)

	group := mkGroup(1, types.BUY, 500_000, 10_000_000, 5_000_000)
	if err := env.exec.Process(context.Background(), types.ScopeExecGlobal, group); err != nil {
		t.Fatalf("process: %v", err)
	}

	a := latestAttempt(t, env.store, types.ScopeExecGlobal)
	if a.Decision != types.DecisionExecute {
		t.Fatalf("decision = %s (%v), want EXECUTE", a.Decision, a.ReasonCodes)
	}
	if a.TargetNotionalMicros.Int64() != 50_000 {
		t.Errorf("target = %d, want 50000", a.TargetNotionalMicros.Int64())
	}
	if a.FilledShareMicros.Int64() != 98_039 {
		t.Errorf("filled shares = %d, want 98039", a.FilledShareMicros.Int64())
	}
	if len(a.ReasonCodes) != 0 {
		t.Errorf("reasons = %v, want empty", a.ReasonCodes)
	}

	fills, err := env.store.FillsForAttempt(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 1 || fills[0].FillPriceMicros != 510_000 {
		t.Fatalf("fills = %+v, want one at 510000", fills)
	}

	// Fill accounting: fill sums match the attempt, and the ledger entry
	// carries the side-correct sign.
	entry, err := env.store.LedgerEntryByRef(context.Background(), types.ScopeExecGlobal, "copy:"+a.ID, types.EntryTradeFill)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if entry == nil {
		t.Fatal("no ledger entry for EXECUTE")
	}
	if entry.ShareDeltaMicros.Cmp(a.FilledShareMicros) != 0 {
		t.Errorf("ledger shares = %s, want %s", entry.ShareDeltaMicros, a.FilledShareMicros)
	}
	wantCash := new(big.Int).Neg(a.FilledNotionalMicros)
	if entry.CashDeltaMicros.Cmp(wantCash) != 0 {
		t.Errorf("ledger cash = %s, want %s", entry.CashDeltaMicros, wantCash)
	}
}

// S2: the only ask is 3 cents over the leader's fill. Nothing fills within
// bounds and the price reasons name the violation.
func TestPriceWorseThanTheirFill(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.books.book = mkBook(490_000, 20_000_000, 530_000, 20_000_000)

	group := mkGroup(1, types.BUY, 500_000, 10_000_000, 5_000_000)
	if err := env.exec.Process(context.Background(), types.ScopeExecGlobal, group); err != nil {
		t.Fatalf("process: %v", err)
	}

	a := latestAttempt(t, env.store, types.ScopeExecGlobal)
	if a.Decision != types.DecisionSkip {
		t.Fatalf("decision = %s, want SKIP", a.Decision)
	}
	if !hasReason(a, types.ReasonPriceWorseThanTheirFill) {
		t.Errorf("reasons = %v, want PRICE_WORSE_THAN_THEIR_FILL", a.ReasonCodes)
	}
	if !hasReason(a, types.ReasonPriceTooFarOverMid) {
		t.Errorf("reasons = %v, want PRICE_TOO_FAR_OVER_MID", a.ReasonCodes)
	}
	if a.FilledShareMicros.Sign() != 0 || a.FilledNotionalMicros.Sign() != 0 {
		t.Errorf("SKIP must fill nothing, got %s shares", a.FilledShareMicros)
	}
}

// S3: 3 cent spread against a 2 cent limit.
func TestSpreadTooWide(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.books.book = mkBook(400_000, 20_000_000, 430_000, 20_000_000)

	group := mkGroup(1, types.BUY, 420_000, 10_000_000, 4_200_000)
	if err := env.exec.Process(context.Background(), types.ScopeExecGlobal, group); err != nil {
		t.Fatalf("process: %v", err)
	}

	a := latestAttempt(t, env.store, types.ScopeExecGlobal)
	if a.Decision != types.DecisionSkip {
		t.Fatalf("decision = %s, want SKIP", a.Decision)
	}
	if !hasReason(a, types.ReasonSpreadTooWide) {
		t.Errorf("reasons = %v, want SPREAD_TOO_WIDE", a.ReasonCodes)
	}
}

// S5: budgeted-dynamic HARD with the leader's budget nearly exhausted.
// Headroom under the trade minimum skips outright.
func TestBudgetHardCap(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.books.book = mkBook(490_000, 200_000_000, 510_000, 200_000_000)

	ctx := context.Background()
	mode := config.SizingBudgetedDynamic
	enabled := true
	budget := int64(40_000_000) // $40
	if err := env.mgr.ApplyGlobal(config.GlobalPatch{Sizing: &config.SizingPatch{
		SizingMode:             &mode,
		BudgetedDynamicEnabled: &enabled,
		BudgetUsdcMicros:       &budget,
	}}); err != nil {
		t.Fatalf("config: %v", err)
	}

	// The leader's own book: $4000 exposure, so B/E_L is exactly the 1% rMax.
	if err := env.store.InsertSnapshot(ctx, types.PortfolioSnapshot{
		PortfolioScope: types.ScopeShadowUser,
		FollowedUserID: 1,
		BucketTime:     time.Now(),
		EquityMicros:   big.NewInt(4_000_000_000),
		ExposureMicros: big.NewInt(4_000_000_000),
	}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Copier already has $39.50 of exposure to this leader: 79 shares
	// marked at the 0.50 default.
	if err := env.store.InsertLedgerEntry(ctx, types.LedgerEntry{
		PortfolioScope:   types.ScopeExecGlobal,
		FollowedUserID:   1,
		MarketID:         "mkt-old",
		AssetID:          "tok-old",
		EntryType:        types.EntryTradeFill,
		ShareDeltaMicros: big.NewInt(79_000_000),
		CashDeltaMicros:  big.NewInt(-39_500_000),
		PriceMicros:      500_000,
		RefID:            "seed:1",
		CreatedAt:        time.Now(),
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	// Leader trades $600: at the 1% max rate the target is $6, above the
	// $5 minimum, but headroom is only $0.50.
	group := mkGroup(1, types.BUY, 500_000, 1_200_000_000, 600_000_000)
	if err := env.exec.Process(ctx, types.ScopeExecGlobal, group); err != nil {
		t.Fatalf("process: %v", err)
	}

	a := latestAttempt(t, env.store, types.ScopeExecGlobal)
	if a.Decision != types.DecisionSkip {
		t.Fatalf("decision = %s, want SKIP", a.Decision)
	}
	if !hasReason(a, types.ReasonBudgetHardCapExceeded) {
		t.Errorf("reasons = %v, want BUDGET_HARD_CAP_EXCEEDED", a.ReasonCodes)
	}
}

// S6: fully saturated exposure caps never deny a trade that reduces the
// position.
func TestReducingExposureBypass(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.books.book = mkBook(490_000, 500_000_000, 510_000, 500_000_000)

	ctx := context.Background()
	// Long 200 shares of tok-1: at the 0.50 default mark that is $100 of
	// exposure against $1000 equity, saturating the 5% per-market cap.
	if err := env.store.InsertLedgerEntry(ctx, types.LedgerEntry{
		PortfolioScope:   types.ScopeExecGlobal,
		FollowedUserID:   1,
		MarketID:         "mkt-1",
		AssetID:          "tok-1",
		EntryType:        types.EntryTradeFill,
		ShareDeltaMicros: big.NewInt(200_000_000),
		CashDeltaMicros:  big.NewInt(-100_000_000),
		PriceMicros:      500_000,
		RefID:            "seed:long",
		CreatedAt:        time.Now(),
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	// A BUY of the same size would trip the per-market cap.
	buy := mkGroup(1, types.BUY, 500_000, 10_000_000_000, 5_000_000_000)
	if err := env.exec.Process(ctx, types.ScopeExecGlobal, buy); err != nil {
		t.Fatalf("process buy: %v", err)
	}
	if a := latestAttempt(t, env.store, types.ScopeExecGlobal); !hasReason(a, types.ReasonRiskCapGlobal) {
		t.Fatalf("saturating BUY reasons = %v, want RISK_CAP_GLOBAL", a.ReasonCodes)
	}

	// The leader SELLs: reducing, so caps and breakers are bypassed.
	sell := mkGroup(1, types.SELL, 500_000, 10_000_000_000, 5_000_000_000)
	if err := env.exec.Process(ctx, types.ScopeExecGlobal, sell); err != nil {
		t.Fatalf("process sell: %v", err)
	}
	rows, _, err := env.store.ListAttempts(ctx, 10, 0, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var sellRow *store.AttemptRow
	for i := range rows {
		if rows[i].Side == types.SELL {
			sellRow = &rows[i]
		}
	}
	if sellRow == nil {
		t.Fatal("no SELL attempt")
	}
	if sellRow.Decision != types.DecisionExecute {
		t.Fatalf("SELL decision = %s (%v), want EXECUTE", sellRow.Decision, sellRow.ReasonCodes)
	}
}

// Property 4: re-running a group leaves one attempt, one fill set, one entry.
func TestIdempotentRerun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.books.book = mkBook(490_000, 20_000_000, 510_000, 20_000_000)

	ctx := context.Background()
	group := mkGroup(1, types.BUY, 500_000, 10_000_000, 5_000_000)
	for i := 0; i < 3; i++ {
		if err := env.exec.Process(ctx, types.ScopeExecGlobal, group); err != nil {
			t.Fatalf("process run %d: %v", i, err)
		}
	}

	rows, total, err := env.store.ListAttempts(ctx, 50, 0, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("attempts = %d, want exactly 1", total)
	}
	fills, err := env.store.FillsForAttempt(ctx, rows[0].ID)
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 1 {
		t.Errorf("fills = %d, want 1 after re-runs", len(fills))
	}
}

func TestMinLeaderNotionalFilter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.books.book = mkBook(490_000, 20_000_000, 510_000, 20_000_000)

	minLeader := int64(10_000_000) // $10
	if err := env.mgr.ApplyGlobal(config.GlobalPatch{Sizing: &config.SizingPatch{
		MinLeaderTradeNotionalMicros: &minLeader,
	}}); err != nil {
		t.Fatalf("config: %v", err)
	}

	group := mkGroup(1, types.BUY, 500_000, 10_000_000, 5_000_000)
	if err := env.exec.Process(context.Background(), types.ScopeExecGlobal, group); err != nil {
		t.Fatalf("process: %v", err)
	}
	a := latestAttempt(t, env.store, types.ScopeExecGlobal)
	if !hasReason(a, types.ReasonLeaderTradeBelowMin) {
		t.Errorf("reasons = %v, want LEADER_TRADE_BELOW_MIN_NOTIONAL", a.ReasonCodes)
	}
}

func TestMissingBookSkips(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.books.book = nil

	group := mkGroup(1, types.BUY, 500_000, 10_000_000, 5_000_000)
	if err := env.exec.Process(context.Background(), types.ScopeExecGlobal, group); err != nil {
		t.Fatalf("process: %v", err)
	}
	a := latestAttempt(t, env.store, types.ScopeExecGlobal)
	if a.Decision != types.DecisionSkip || !hasReason(a, types.ReasonNoLiquidityWithinBounds) {
		t.Errorf("decision = %s %v, want SKIP NO_LIQUIDITY_WITHIN_BOUNDS", a.Decision, a.ReasonCodes)
	}
}

func TestBufferGroupSkipsRateSizing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.books.book = mkBook(490_000, 200_000_000, 510_000, 200_000_000)

	// A $6 buffered flush targets $6 directly, not 1% of it.
	group := mkGroup(1, types.BUY, 500_000, 12_000_000, 6_000_000)
	group.SourceType = types.SourceBuffer
	group.BufferedTradeCount = 4

	if err := env.exec.Process(context.Background(), types.ScopeExecGlobal, group); err != nil {
		t.Fatalf("process: %v", err)
	}
	a := latestAttempt(t, env.store, types.ScopeExecGlobal)
	if a.Decision != types.DecisionExecute {
		t.Fatalf("decision = %s (%v), want EXECUTE", a.Decision, a.ReasonCodes)
	}
	if a.TargetNotionalMicros.Int64() != 6_000_000 {
		t.Errorf("target = %d, want the buffered notional 6000000", a.TargetNotionalMicros.Int64())
	}
	if a.BufferedTradeCount != 4 {
		t.Errorf("buffered count = %d, want 4", a.BufferedTradeCount)
	}
}

func TestMirrorShadow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ctx := context.Background()
	group := mkGroup(1, types.BUY, 500_000, 10_000_000, 5_000_000)
	if err := env.exec.MirrorShadow(ctx, group); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	a := latestAttempt(t, env.store, types.ScopeShadowUser)
	if a.Decision != types.DecisionExecute {
		t.Fatalf("decision = %s, want EXECUTE", a.Decision)
	}
	if a.FilledNotionalMicros.Int64() != 5_000_000 {
		t.Errorf("mirrored notional = %d, want 5000000", a.FilledNotionalMicros.Int64())
	}

	pos, err := env.store.PositionShares(ctx, types.ScopeShadowUser, 1, "tok-1")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Int64() != 10_000_000 {
		t.Errorf("shadow position = %d, want 10000000", pos.Int64())
	}
}
