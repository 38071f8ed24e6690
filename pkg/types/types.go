// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the copier — trade events, event
// groups, normalized order books, copy attempts, and WebSocket payloads. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a fill: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// PortfolioScope identifies which proxy portfolio a decision is evaluated
// against. EXEC_GLOBAL is the single executable portfolio, EXEC_USER is the
// per-leader sub-portfolio used for attribution, and SHADOW_USER is the
// non-executing mirror used to value a leader's own exposure.
type PortfolioScope string

const (
	ScopeExecGlobal PortfolioScope = "EXEC_GLOBAL"
	ScopeExecUser   PortfolioScope = "EXEC_USER"
	ScopeShadowUser PortfolioScope = "SHADOW_USER"
)

// SourceType records which path produced a trade group.
type SourceType string

const (
	SourceImmediate  SourceType = "IMMEDIATE"
	SourceBuffer     SourceType = "BUFFER"
	SourceAggregator SourceType = "AGGREGATOR"
)

// Decision is the outcome of one copy attempt.
type Decision string

const (
	DecisionExecute Decision = "EXECUTE"
	DecisionSkip    Decision = "SKIP"
)

// BookSource records where a book snapshot came from.
type BookSource string

const (
	BookSourceWS   BookSource = "WS"
	BookSourceREST BookSource = "REST"
)

// ReasonCode is one entry of the closed skip-reason vocabulary. Codes are
// string-valued and append-only; the executor de-duplicates before persisting.
type ReasonCode string

const (
	ReasonPriceWorseThanTheirFill ReasonCode = "PRICE_WORSE_THAN_THEIR_FILL"
	ReasonPriceTooFarOverMid      ReasonCode = "PRICE_TOO_FAR_OVER_MID"
	ReasonMaxBuyCostExceeded      ReasonCode = "MAX_BUY_COST_EXCEEDED"
	ReasonSpreadTooWide           ReasonCode = "SPREAD_TOO_WIDE"
	ReasonInsufficientDepth       ReasonCode = "INSUFFICIENT_DEPTH"
	ReasonNoLiquidityWithinBounds ReasonCode = "NO_LIQUIDITY_WITHIN_BOUNDS"
	ReasonLeaderTradeBelowMin     ReasonCode = "LEADER_TRADE_BELOW_MIN_NOTIONAL"
	ReasonBelowMinTradeNotional   ReasonCode = "BELOW_MIN_TRADE_NOTIONAL"
	ReasonBelowMinExecNotional    ReasonCode = "BELOW_MIN_EXEC_NOTIONAL"
	ReasonBudgetHardCapExceeded   ReasonCode = "BUDGET_HARD_CAP_EXCEEDED"
	ReasonRiskCapUser             ReasonCode = "RISK_CAP_USER"
	ReasonRiskCapGlobal           ReasonCode = "RISK_CAP_GLOBAL"
	ReasonCircuitBreakerTripped   ReasonCode = "CIRCUIT_BREAKER_TRIPPED"
	ReasonMergeSplitNotApplicable ReasonCode = "MERGE_SPLIT_NOT_APPLICABLE"
)

// LedgerEntryType enumerates ledger row kinds. The executor only writes
// TRADE_FILL; other kinds (deposits, resolutions) come from external jobs.
type LedgerEntryType string

const (
	EntryTradeFill LedgerEntryType = "TRADE_FILL"
)

// ActivityType classifies non-trade leader activity.
type ActivityType string

const (
	ActivityMerge  ActivityType = "MERGE"
	ActivitySplit  ActivityType = "SPLIT"
	ActivityRedeem ActivityType = "REDEEM"
)

// ————————————————————————————————————————————————————————————————————————
// Leaders and trade events
// ————————————————————————————————————————————————————————————————————————

// FollowedUser is a leader wallet observed for trades.
type FollowedUser struct {
	ID      int64
	Address common.Address
	Label   string
}

// PendingTradeEvent is one detected leader fill before aggregation. The
// ingester emits these; the aggregator and small-trade buffer consume them.
type PendingTradeEvent struct {
	ID             string // ingester-assigned event id
	FollowedUserID int64
	AssetID        string // venue API id
	RawTokenID     string // on-chain token id, may be empty
	MarketID       string
	Side           Side
	PriceMicros    int64
	ShareMicros    *big.Int
	NotionalMicros *big.Int
	DetectTime     time.Time
	EventTime      time.Time
}

// TokenID returns the id used for book lookups: the raw on-chain token id
// when present, otherwise the API asset id.
func (e PendingTradeEvent) TokenID() string {
	if e.RawTokenID != "" {
		return e.RawTokenID
	}
	return e.AssetID
}

// ActivityEvent is a non-trade leader action (merge, split, redeem).
type ActivityEvent struct {
	ID             string
	FollowedUserID int64
	Type           ActivityType
	AssetIDs       []string
	MarketID       string
	DetectTime     time.Time
}

// TradeEventGroup is an aggregated batch of PendingTradeEvents sharing
// (leader, token, side) within one aggregation window.
type TradeEventGroup struct {
	GroupKey            string
	FollowedUserID      int64
	AssetID             string
	RawTokenID          string
	MarketID            string
	Side                Side
	TotalNotionalMicros *big.Int
	TotalShareMicros    *big.Int
	VWAPPriceMicros     int64
	SourceType          SourceType
	BufferedTradeCount  int
	WindowStart         time.Time
	EarliestDetectTime  time.Time
	EventIDs            []string
}

// TokenID returns the book-lookup id for the group, empty when neither id
// is known.
func (g TradeEventGroup) TokenID() string {
	if g.RawTokenID != "" {
		return g.RawTokenID
	}
	return g.AssetID
}

// GroupKey builds the canonical aggregation key:
// "<followedUserId>:<tokenId>:<side>:<windowStartIso>".
func GroupKey(followedUserID int64, tokenID string, side Side, windowStart time.Time) string {
	return fmt.Sprintf("%d:%s:%s:%s", followedUserID, tokenID, side,
		windowStart.UTC().Format("2006-01-02T15:04:05.000Z"))
}

// WindowStart floors t to the aggregation window, giving the half-open
// interval [floor(t/W)*W, floor(t/W)*W + W).
func WindowStart(t time.Time, window time.Duration) time.Time {
	ms := t.UnixMilli()
	w := window.Milliseconds()
	return time.UnixMilli(ms - ms%w).UTC()
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is one bid or ask level in micros.
type PriceLevel struct {
	PriceMicros int64
	SizeMicros  *big.Int
}

// Book is a normalized top-of-book snapshot for one outcome token.
// Bids are sorted descending, asks ascending. An uninitialized book has
// best bid 0, best ask 1,000,000 and a zero UpdatedAt.
type Book struct {
	TokenID        string
	Bids           []PriceLevel
	Asks           []PriceLevel
	BestBidMicros  int64
	BestAskMicros  int64
	MidPriceMicros int64
	SpreadMicros   int64
	UpdatedAt      time.Time
	Source         BookSource
}

// ————————————————————————————————————————————————————————————————————————
// Decisions and the ledger
// ————————————————————————————————————————————————————————————————————————

// CopyAttempt is the durable decision record, written once per
// (portfolioScope, groupKey) and updated on re-runs of the same group.
type CopyAttempt struct {
	ID                        string
	PortfolioScope            PortfolioScope
	FollowedUserID            int64 // 0 for the global scope's null leader
	GroupKey                  string
	Decision                  Decision
	ReasonCodes               []ReasonCode
	SourceType                SourceType
	BufferedTradeCount        int
	AssetID                   string
	MarketID                  string
	Side                      Side
	TargetNotionalMicros      *big.Int
	FilledNotionalMicros      *big.Int
	FilledShareMicros         *big.Int
	VWAPPriceMicros           int64
	FilledRatioBps            int64
	TheirReferencePriceMicros int64
	MidPriceMicrosAtDecision  int64
	CreatedAt                 time.Time
}

// ExecutableFill is one simulated fill at a single book level.
type ExecutableFill struct {
	ID                 string
	CopyAttemptID      string
	FilledShareMicros  *big.Int
	FillPriceMicros    int64
	FillNotionalMicros *big.Int
}

// LedgerEntry is a double-entry-style accounting row. For trade fills the
// sign convention is BUY = +shares, -cash, with
// cashDelta = -shareDelta * price / 1e6. Entries are idempotent under
// (portfolioScope, refId, entryType).
type LedgerEntry struct {
	ID               int64
	PortfolioScope   PortfolioScope
	FollowedUserID   int64
	MarketID         string
	AssetID          string
	EntryType        LedgerEntryType
	ShareDeltaMicros *big.Int
	CashDeltaMicros  *big.Int
	PriceMicros      int64
	RefID            string
	CreatedAt        time.Time
}

// PortfolioSnapshot is the externally-produced equity/exposure checkpoint the
// executor reads for risk evaluation.
type PortfolioSnapshot struct {
	PortfolioScope PortfolioScope
	FollowedUserID int64
	BucketTime     time.Time
	EquityMicros   *big.Int
	ExposureMicros *big.Int
	CashMicros     *big.Int
}

// MarketPriceSnapshot is the latest stored mark price for an asset, used to
// value open positions when checking exposure caps.
type MarketPriceSnapshot struct {
	AssetID             string
	BucketTime          time.Time
	MidpointPriceMicros int64
}

// PortfolioState is the aggregated view the executor evaluates risk caps
// against. It is derived per decision from the ledger plus the latest
// snapshots, never stored.
type PortfolioState struct {
	EquityMicros        *big.Int
	TotalExposureMicros *big.Int
	ExposureByMarket    map[string]*big.Int
	ExposureByLeader    map[int64]*big.Int
	DailyPnlMicros      *big.Int
	WeeklyPnlMicros     *big.Int
	PeakEquityMicros    *big.Int
}
