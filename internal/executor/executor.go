// Package executor decides, for one trade group and one portfolio scope,
// whether the proxy portfolio would have copied the trade.
//
// The pipeline order is fixed: timing realism, portfolio read, the
// min-leader-notional filter, sizing and clamps, HARD budget headroom, book
// fetch, fill simulation against the live book, then the guardrail sequence.
// EXECUTE means the collected reason set is empty; anything else persists as
// a SKIP with its reasons. The executor is stateless between calls, so any
// number may run in parallel across groups; per-(scope, groupKey) uniqueness
// is the store's upsert.
package executor

import (
	"context"
	"log/slog"
	"math/big"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"polymarket-copy/internal/aggregator"
	"polymarket-copy/internal/config"
	"polymarket-copy/internal/portfolio"
	"polymarket-copy/internal/store"
	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

// Book lookup budget per decision.
const (
	bookFreshness = 2000 * time.Millisecond
	bookWait      = 500 * time.Millisecond
)

// BookGetter is the slice of the book service the executor needs.
type BookGetter interface {
	GetBook(ctx context.Context, tokenID string, freshness, wait time.Duration) (*types.Book, bool)
}

// Executor runs the decision pipeline.
type Executor struct {
	cfg       *config.Manager
	portfolio *portfolio.Reader
	books     BookGetter
	store     *store.Store
	logger    *slog.Logger
}

// New wires an executor.
func New(cfg *config.Manager, pf *portfolio.Reader, books BookGetter, st *store.Store, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		portfolio: pf,
		books:     books,
		store:     st,
		logger:    logger.With("component", "executor"),
	}
}

// outcome is one evaluated decision before persistence.
type outcome struct {
	attempt types.CopyAttempt
	fills   []types.ExecutableFill
	entry   *types.LedgerEntry
}

// Process evaluates and persists one group for one scope.
func (e *Executor) Process(ctx context.Context, scope types.PortfolioScope, group types.TradeEventGroup) error {
	out, err := e.evaluate(ctx, scope, group, true)
	if err != nil {
		return err
	}
	return e.persist(ctx, group, out)
}

// evaluate runs the pipeline without writing. sleep disables the timing
// realism stage for replay runs.
func (e *Executor) evaluate(ctx context.Context, scope types.PortfolioScope, group types.TradeEventGroup, sleep bool) (*outcome, error) {
	g := e.cfg.GuardrailsFor(group.FollowedUserID)
	s := e.cfg.SizingFor(group.FollowedUserID)

	if sleep {
		e.decisionDelay(ctx, g)
	}

	scopeUser := group.FollowedUserID
	if scope == types.ScopeExecGlobal {
		scopeUser = 0
	}
	state, err := e.portfolio.State(ctx, scope, scopeUser)
	if err != nil {
		return nil, err
	}

	// Leader-size filter: buffered groups already passed their own minimum.
	if group.SourceType != types.SourceBuffer && s.MinLeaderTradeNotionalMicros > 0 &&
		group.TotalNotionalMicros.Cmp(big.NewInt(s.MinLeaderTradeNotionalMicros)) < 0 {
		return e.skip(scope, group, micros.Zero(), 0, types.ReasonLeaderTradeBelowMin), nil
	}

	sized, err := e.size(ctx, group, s, state.EquityMicros)
	if err != nil {
		return nil, err
	}
	if sized.belowMin {
		return e.skip(scope, group, sized.targetMicros, 0, types.ReasonBelowMinTradeNotional), nil
	}
	target := sized.targetMicros

	reducing, err := e.isReducing(ctx, scope, group)
	if err != nil {
		return nil, err
	}

	if budgetedActive(s) && s.BudgetEnforcement == config.EnforceHard && !reducing {
		capped, skipHard, err := e.enforceBudget(ctx, scope, group, s, target, sized)
		if err != nil {
			return nil, err
		}
		if skipHard {
			return e.skip(scope, group, target, 0, types.ReasonBudgetHardCapExceeded), nil
		}
		target = capped
	}

	tokenID := group.TokenID()
	if tokenID == "" {
		return e.skip(scope, group, target, 0, types.ReasonNoLiquidityWithinBounds), nil
	}
	book, _ := e.books.GetBook(ctx, tokenID, bookFreshness, bookWait)
	if book == nil {
		return e.skip(scope, group, target, 0, types.ReasonNoLiquidityWithinBounds), nil
	}

	sim := simulate(book, group.Side, target, group.VWAPPriceMicros, g)

	rs := newReasonSet()
	checkGuardrails(guardrailInput{
		scope:    scope,
		group:    group,
		g:        g,
		state:    state,
		book:     book,
		sim:      sim,
		target:   target,
		reducing: reducing,
	}, rs)

	attempt := types.CopyAttempt{
		ID:                        uuid.New().String(),
		PortfolioScope:            scope,
		FollowedUserID:            scopeUser,
		GroupKey:                  group.GroupKey,
		SourceType:                group.SourceType,
		BufferedTradeCount:        group.BufferedTradeCount,
		AssetID:                   group.AssetID,
		MarketID:                  group.MarketID,
		Side:                      group.Side,
		TargetNotionalMicros:      target,
		TheirReferencePriceMicros: group.VWAPPriceMicros,
		MidPriceMicrosAtDecision:  book.MidPriceMicros,
		CreatedAt:                 time.Now(),
	}

	if !rs.empty() {
		attempt.Decision = types.DecisionSkip
		attempt.ReasonCodes = rs.codes
		attempt.FilledNotionalMicros = micros.Zero()
		attempt.FilledShareMicros = micros.Zero()
		return &outcome{attempt: attempt}, nil
	}

	attempt.Decision = types.DecisionExecute
	attempt.FilledNotionalMicros = sim.filledNotionalMicros
	attempt.FilledShareMicros = sim.filledShareMicros
	attempt.VWAPPriceMicros = sim.vwapFilledMicros
	attempt.FilledRatioBps = sim.filledRatioBps

	shareDelta := micros.Clone(sim.filledShareMicros)
	cashDelta := new(big.Int).Neg(sim.filledNotionalMicros)
	if group.Side == types.SELL {
		shareDelta.Neg(shareDelta)
		cashDelta.Neg(cashDelta)
	}
	entry := &types.LedgerEntry{
		PortfolioScope:   scope,
		FollowedUserID:   group.FollowedUserID,
		MarketID:         group.MarketID,
		AssetID:          group.AssetID,
		EntryType:        types.EntryTradeFill,
		ShareDeltaMicros: shareDelta,
		CashDeltaMicros:  cashDelta,
		PriceMicros:      sim.vwapFilledMicros,
		CreatedAt:        attempt.CreatedAt,
	}

	return &outcome{attempt: attempt, fills: sim.fills, entry: entry}, nil
}

// skip builds a SKIP outcome with one reason.
func (e *Executor) skip(scope types.PortfolioScope, group types.TradeEventGroup, target *big.Int, mid int64, reason types.ReasonCode) *outcome {
	scopeUser := group.FollowedUserID
	if scope == types.ScopeExecGlobal {
		scopeUser = 0
	}
	return &outcome{attempt: types.CopyAttempt{
		ID:                        uuid.New().String(),
		PortfolioScope:            scope,
		FollowedUserID:            scopeUser,
		GroupKey:                  group.GroupKey,
		Decision:                  types.DecisionSkip,
		ReasonCodes:               []types.ReasonCode{reason},
		SourceType:                group.SourceType,
		BufferedTradeCount:        group.BufferedTradeCount,
		AssetID:                   group.AssetID,
		MarketID:                  group.MarketID,
		Side:                      group.Side,
		TargetNotionalMicros:      micros.Clone(target),
		FilledNotionalMicros:      micros.Zero(),
		FilledShareMicros:         micros.Zero(),
		TheirReferencePriceMicros: group.VWAPPriceMicros,
		MidPriceMicrosAtDecision:  mid,
		CreatedAt:                 time.Now(),
	}}
}

func (e *Executor) persist(ctx context.Context, group types.TradeEventGroup, out *outcome) error {
	for i := range out.fills {
		out.fills[i].CopyAttemptID = out.attempt.ID
	}
	id, err := e.store.SaveDecision(ctx, store.Decision{
		Attempt:             &out.attempt,
		GroupNotionalMicros: bigString(group.TotalNotionalMicros),
		GroupShareMicros:    bigString(group.TotalShareMicros),
		Fills:               out.fills,
		Entry:               out.entry,
	})
	if err != nil {
		return err
	}
	e.logger.Info("copy decision",
		"scope", out.attempt.PortfolioScope,
		"group", group.GroupKey,
		"decision", out.attempt.Decision,
		"reasons", out.attempt.ReasonCodes,
		"target", micros.FormatBig(out.attempt.TargetNotionalMicros),
		"filled", micros.FormatBig(out.attempt.FilledNotionalMicros),
		"attempt", id,
	)
	return nil
}

// decisionDelay applies the configured latency plus uniform jitter.
func (e *Executor) decisionDelay(ctx context.Context, g config.Guardrails) {
	total := time.Duration(g.DecisionLatencyMs) * time.Millisecond
	if g.JitterMsMax > 0 {
		total += time.Duration(rand.Int63n(g.JitterMsMax+1)) * time.Millisecond
	}
	if total <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(total):
	}
}

// isReducing reports whether the trade strictly shrinks the current position
// for (scope, leader, asset): a SELL against a long or a BUY against a short.
func (e *Executor) isReducing(ctx context.Context, scope types.PortfolioScope, group types.TradeEventGroup) (bool, error) {
	pos, err := e.portfolio.PositionShares(ctx, scope, group.FollowedUserID, group.AssetID)
	if err != nil {
		return false, err
	}
	switch group.Side {
	case types.SELL:
		return pos.Sign() > 0, nil
	case types.BUY:
		return pos.Sign() < 0, nil
	}
	return false, nil
}

// ————————————————————————————————————————————————————————————————————————
// Non-pipeline writes
// ————————————————————————————————————————————————————————————————————————

// SkipUndersized persists the SKIP decision for a buffer flush that never
// reached the minimum executable notional.
func (e *Executor) SkipUndersized(ctx context.Context, scope types.PortfolioScope, group types.TradeEventGroup) error {
	out := e.skip(scope, group, group.TotalNotionalMicros, 0, types.ReasonBelowMinExecNotional)
	return e.persist(ctx, group, out)
}

// SkipActivity records an activity group (merge/split/redeem) as SKIP;
// activity copying produces no fills in this version.
func (e *Executor) SkipActivity(ctx context.Context, scope types.PortfolioScope, ag aggregator.ActivityGroup) error {
	scopeUser := ag.FollowedUserID
	if scope == types.ScopeExecGlobal {
		scopeUser = 0
	}
	assetID := ""
	if len(ag.AssetIDs) > 0 {
		assetID = ag.AssetIDs[0]
	}
	attempt := types.CopyAttempt{
		ID:                   uuid.New().String(),
		PortfolioScope:       scope,
		FollowedUserID:       scopeUser,
		GroupKey:             ag.GroupKey,
		Decision:             types.DecisionSkip,
		ReasonCodes:          []types.ReasonCode{types.ReasonMergeSplitNotApplicable},
		SourceType:           types.SourceImmediate,
		AssetID:              assetID,
		MarketID:             ag.MarketID,
		TargetNotionalMicros: micros.Zero(),
		FilledNotionalMicros: micros.Zero(),
		FilledShareMicros:    micros.Zero(),
		CreatedAt:            time.Now(),
	}
	_, err := e.store.SaveDecision(ctx, store.Decision{
		Attempt:             &attempt,
		GroupNotionalMicros: "0",
		GroupShareMicros:    "0",
	})
	return err
}

// MirrorShadow books the leader's own trade 1:1 into the SHADOW_USER scope
// so the shadow ledger tracks the leader's position for exposure valuation.
// No sizing or book simulation applies: the mirror records what the leader
// actually did.
func (e *Executor) MirrorShadow(ctx context.Context, group types.TradeEventGroup) error {
	attempt := types.CopyAttempt{
		ID:                        uuid.New().String(),
		PortfolioScope:            types.ScopeShadowUser,
		FollowedUserID:            group.FollowedUserID,
		GroupKey:                  group.GroupKey,
		Decision:                  types.DecisionExecute,
		SourceType:                group.SourceType,
		BufferedTradeCount:        group.BufferedTradeCount,
		AssetID:                   group.AssetID,
		MarketID:                  group.MarketID,
		Side:                      group.Side,
		TargetNotionalMicros:      micros.Clone(group.TotalNotionalMicros),
		FilledNotionalMicros:      micros.Clone(group.TotalNotionalMicros),
		FilledShareMicros:         micros.Clone(group.TotalShareMicros),
		VWAPPriceMicros:           group.VWAPPriceMicros,
		FilledRatioBps:            micros.BpsDenom,
		TheirReferencePriceMicros: group.VWAPPriceMicros,
		CreatedAt:                 time.Now(),
	}

	shareDelta := micros.Clone(group.TotalShareMicros)
	cashDelta := new(big.Int).Neg(group.TotalNotionalMicros)
	if group.Side == types.SELL {
		shareDelta.Neg(shareDelta)
		cashDelta = micros.Clone(group.TotalNotionalMicros)
	}
	entry := &types.LedgerEntry{
		PortfolioScope:   types.ScopeShadowUser,
		FollowedUserID:   group.FollowedUserID,
		MarketID:         group.MarketID,
		AssetID:          group.AssetID,
		EntryType:        types.EntryTradeFill,
		ShareDeltaMicros: shareDelta,
		CashDeltaMicros:  cashDelta,
		PriceMicros:      group.VWAPPriceMicros,
		CreatedAt:        attempt.CreatedAt,
	}

	_, err := e.store.SaveDecision(ctx, store.Decision{
		Attempt:             &attempt,
		GroupNotionalMicros: group.TotalNotionalMicros.String(),
		GroupShareMicros:    group.TotalShareMicros.String(),
		Entry:               entry,
	})
	return err
}

// ReplayResult summarizes a config-test replay.
type ReplayResult struct {
	Total    int `json:"total"`
	Executed int `json:"executed"`
	Skipped  int `json:"skipped"`
}

// Replay re-runs the last day of global-scope groups through the pipeline
// under the current configuration, without persisting anything.
func (e *Executor) Replay(ctx context.Context, since time.Time) (*ReplayResult, error) {
	rows, err := e.store.AttemptsSince(ctx, types.ScopeExecGlobal, since)
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{}
	for _, row := range rows {
		group := types.TradeEventGroup{
			GroupKey:            row.GroupKey,
			FollowedUserID:      leaderFromGroupKey(row.GroupKey),
			AssetID:             row.AssetID,
			MarketID:            row.MarketID,
			Side:                row.Side,
			TotalNotionalMicros: parseDecimalString(row.GroupNotionalMicros),
			TotalShareMicros:    parseDecimalString(row.GroupShareMicros),
			VWAPPriceMicros:     row.TheirReferencePriceMicros,
			SourceType:          row.SourceType,
			BufferedTradeCount:  row.BufferedTradeCount,
		}
		if group.TotalNotionalMicros.Sign() == 0 {
			group.TotalNotionalMicros = micros.Clone(row.TargetNotionalMicros)
		}
		out, err := e.evaluate(ctx, types.ScopeExecGlobal, group, false)
		if err != nil {
			e.logger.Warn("replay evaluation failed", "group", row.GroupKey, "error", err)
			continue
		}
		res.Total++
		if out.attempt.Decision == types.DecisionExecute {
			res.Executed++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

func parseDecimalString(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return micros.Zero()
	}
	return v
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// leaderFromGroupKey recovers the leader id from the
// "<followedUserId>:<tokenId>:<side>:<windowStartIso>" key.
func leaderFromGroupKey(key string) int64 {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			id, err := strconv.ParseInt(key[:i], 10, 64)
			if err != nil {
				return 0
			}
			return id
		}
	}
	return 0
}
