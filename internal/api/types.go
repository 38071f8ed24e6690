package api

import (
	"math/big"

	"polymarket-copy/internal/store"
	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

// Monetary values cross the API as decimal strings in whole units so the UI
// never handles micros arithmetic.

// PositionDTO is one open position of the global portfolio.
type PositionDTO struct {
	AssetID   string `json:"assetId"`
	MarketID  string `json:"marketId"`
	Shares    string `json:"shares"`
	Value     string `json:"value"`
	CostBasis string `json:"costBasis"`
}

// ExposureDTO is one exposure bucket (per market or per leader).
type ExposureDTO struct {
	Key      string `json:"key"`
	Exposure string `json:"exposure"`
}

// MetricsDTO is the headline metric block of the global portfolio view.
type MetricsDTO struct {
	Equity                 string  `json:"equity"`
	Cash                   string  `json:"cash"`
	Exposure               string  `json:"exposure"`
	Pnl                    string  `json:"pnl"`
	Pnl1h                  string  `json:"pnl1h"`
	Pnl24h                 string  `json:"pnl24h"`
	Pnl7d                  string  `json:"pnl7d"`
	Pnl30d                 string  `json:"pnl30d"`
	ExposurePct            float64 `json:"exposurePct"`
	RiskUtilizationPct     float64 `json:"riskUtilizationPct"`
	MaxDrawdownPct         float64 `json:"maxDrawdownPct"`
	CurrentDrawdownPct     float64 `json:"currentDrawdownPct"`
	DrawdownUtilizationPct float64 `json:"drawdownUtilizationPct"`
}

// PortfolioResponse is GET /api/portfolio/global.
type PortfolioResponse struct {
	Positions        []PositionDTO `json:"positions"`
	ExposureByMarket []ExposureDTO `json:"exposureByMarket"`
	ExposureByUser   []ExposureDTO `json:"exposureByUser"`
	Metrics          MetricsDTO    `json:"metrics"`
}

// CopyAttemptDTO is one ledger row of GET /api/copy-attempts.
type CopyAttemptDTO struct {
	Seq                int64              `json:"seq"`
	ID                 string             `json:"id"`
	PortfolioScope     string             `json:"portfolioScope"`
	FollowedUserID     int64              `json:"followedUserId,omitempty"`
	GroupKey           string             `json:"groupKey"`
	Decision           string             `json:"decision"`
	ReasonCodes        []types.ReasonCode `json:"reasonCodes"`
	SourceType         string             `json:"sourceType"`
	BufferedTradeCount int                `json:"bufferedTradeCount"`
	AssetID            string             `json:"assetId"`
	MarketID           string             `json:"marketId"`
	Side               string             `json:"side"`
	TargetNotional     string             `json:"targetNotional"`
	FilledNotional     string             `json:"filledNotional"`
	FilledShares       string             `json:"filledShares"`
	VWAPPrice          string             `json:"vwapPrice"`
	FilledRatioBps     int64              `json:"filledRatioBps"`
	TheirRefPrice      string             `json:"theirReferencePrice"`
	MidPriceAtDecision string             `json:"midPriceAtDecision"`
	CreatedAt          string             `json:"createdAt"`
}

// AttemptsResponse is GET /api/copy-attempts.
type AttemptsResponse struct {
	Items []CopyAttemptDTO `json:"items"`
	Total int64            `json:"total"`
}

// UserDTO is one followed leader in GET /api/users.
type UserDTO struct {
	ID           int64  `json:"id"`
	Address      string `json:"address"`
	Label        string `json:"label"`
	AttemptCount int64  `json:"attemptCount"`
}

// PauseRequest is POST /api/control/pause.
type PauseRequest struct {
	Action string `json:"action"` // PAUSE or RESUME
}

// TestRequest is POST /api/config/test.
type TestRequest struct {
	Scope string `json:"scope"` // GLOBAL
}

func attemptDTO(r store.AttemptRow) CopyAttemptDTO {
	reasons := r.ReasonCodes
	if reasons == nil {
		reasons = []types.ReasonCode{}
	}
	return CopyAttemptDTO{
		Seq:                r.Seq,
		ID:                 r.ID,
		PortfolioScope:     string(r.PortfolioScope),
		FollowedUserID:     r.FollowedUserID,
		GroupKey:           r.GroupKey,
		Decision:           string(r.Decision),
		ReasonCodes:        reasons,
		SourceType:         string(r.SourceType),
		BufferedTradeCount: r.BufferedTradeCount,
		AssetID:            r.AssetID,
		MarketID:           r.MarketID,
		Side:               string(r.Side),
		TargetNotional:     micros.FormatBig(r.TargetNotionalMicros),
		FilledNotional:     micros.FormatBig(r.FilledNotionalMicros),
		FilledShares:       micros.FormatBig(r.FilledShareMicros),
		VWAPPrice:          micros.FormatPrice(r.VWAPPriceMicros),
		FilledRatioBps:     r.FilledRatioBps,
		TheirRefPrice:      micros.FormatPrice(r.TheirReferencePriceMicros),
		MidPriceAtDecision: micros.FormatPrice(r.MidPriceMicrosAtDecision),
		CreatedAt:          r.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
}

// pct renders num/den as a percentage, zero when the denominator is empty.
func pct(num, den *big.Int) float64 {
	if den == nil || den.Sign() == 0 {
		return 0
	}
	n, _ := new(big.Float).SetInt(num).Float64()
	d, _ := new(big.Float).SetInt(den).Float64()
	return n / d * 100
}
