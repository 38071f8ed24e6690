package config

import "fmt"

// Sizing modes and budget enforcement levels.
const (
	SizingFixedRate       = "FIXED_RATE"
	SizingBudgetedDynamic = "BUDGETED_DYNAMIC"

	EnforceHard = "HARD"
	EnforceSoft = "SOFT"

	NettingSameSideOnly = "sameSideOnly"
	NettingNetBuySell   = "netBuySell"
)

// Guardrails are the per-decision protection knobs. All prices are micros,
// all percentages are basis points. Zero MaxBuyCostPerShareMicros means the
// optional max-buy-cost check is disabled.
type Guardrails struct {
	MaxWorseningVsTheirFillMicros  int64 `mapstructure:"max_worsening_vs_their_fill_micros" json:"maxWorseningVsTheirFillMicros"`
	MaxBuyCostPerShareMicros       int64 `mapstructure:"max_buy_cost_per_share_micros" json:"maxBuyCostPerShareMicros"`
	MaxOverMidMicros               int64 `mapstructure:"max_over_mid_micros" json:"maxOverMidMicros"`
	MaxSpreadMicros                int64 `mapstructure:"max_spread_micros" json:"maxSpreadMicros"`
	MinDepthMultiplierBps          int64 `mapstructure:"min_depth_multiplier_bps" json:"minDepthMultiplierBps"`
	NoNewOpensWithinMinutesToClose int64 `mapstructure:"no_new_opens_within_minutes_to_close" json:"noNewOpensWithinMinutesToClose"`
	DecisionLatencyMs              int64 `mapstructure:"decision_latency_ms" json:"decisionLatencyMs"`
	JitterMsMax                    int64 `mapstructure:"jitter_ms_max" json:"jitterMsMax"`
	MaxTotalExposureBps            int64 `mapstructure:"max_total_exposure_bps" json:"maxTotalExposureBps"`
	MaxExposurePerMarketBps        int64 `mapstructure:"max_exposure_per_market_bps" json:"maxExposurePerMarketBps"`
	MaxExposurePerUserBps          int64 `mapstructure:"max_exposure_per_user_bps" json:"maxExposurePerUserBps"`
	DailyLossLimitBps              int64 `mapstructure:"daily_loss_limit_bps" json:"dailyLossLimitBps"`
	WeeklyLossLimitBps             int64 `mapstructure:"weekly_loss_limit_bps" json:"weeklyLossLimitBps"`
	MaxDrawdownLimitBps            int64 `mapstructure:"max_drawdown_limit_bps" json:"maxDrawdownLimitBps"`
}

// DefaultGuardrails returns the stock guardrail settings.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		MaxWorseningVsTheirFillMicros:  10_000,
		MaxOverMidMicros:               15_000,
		MaxSpreadMicros:                20_000,
		MinDepthMultiplierBps:          12_500,
		NoNewOpensWithinMinutesToClose: 30,
		MaxTotalExposureBps:            7_000,
		MaxExposurePerMarketBps:        500,
		MaxExposurePerUserBps:          2_000,
		DailyLossLimitBps:              300,
		WeeklyLossLimitBps:             800,
		MaxDrawdownLimitBps:            1_200,
	}
}

func (g Guardrails) Validate() error {
	if g.MaxWorseningVsTheirFillMicros < 0 || g.MaxOverMidMicros < 0 || g.MaxSpreadMicros < 0 {
		return fmt.Errorf("price bounds must be >= 0")
	}
	if g.MaxBuyCostPerShareMicros < 0 {
		return fmt.Errorf("max_buy_cost_per_share_micros must be >= 0")
	}
	if g.MinDepthMultiplierBps < 0 {
		return fmt.Errorf("min_depth_multiplier_bps must be >= 0")
	}
	if g.DecisionLatencyMs < 0 || g.JitterMsMax < 0 {
		return fmt.Errorf("latency knobs must be >= 0")
	}
	for name, v := range map[string]int64{
		"max_total_exposure_bps":      g.MaxTotalExposureBps,
		"max_exposure_per_market_bps": g.MaxExposurePerMarketBps,
		"max_exposure_per_user_bps":   g.MaxExposurePerUserBps,
		"daily_loss_limit_bps":        g.DailyLossLimitBps,
		"weekly_loss_limit_bps":       g.WeeklyLossLimitBps,
		"max_drawdown_limit_bps":      g.MaxDrawdownLimitBps,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	return nil
}

// Sizing controls how a leader trade is scaled into a target notional.
type Sizing struct {
	CopyPctNotionalBps           int64  `mapstructure:"copy_pct_notional_bps" json:"copyPctNotionalBps"`
	MinTradeNotionalMicros       int64  `mapstructure:"min_trade_notional_micros" json:"minTradeNotionalMicros"`
	MaxTradeNotionalMicros       int64  `mapstructure:"max_trade_notional_micros" json:"maxTradeNotionalMicros"`
	MaxTradeBankrollBps          int64  `mapstructure:"max_trade_bankroll_bps" json:"maxTradeBankrollBps"`
	SizingMode                   string `mapstructure:"sizing_mode" json:"sizingMode"`
	BudgetedDynamicEnabled       bool   `mapstructure:"budgeted_dynamic_enabled" json:"budgetedDynamicEnabled"`
	BudgetUsdcMicros             int64  `mapstructure:"budget_usdc_micros" json:"budgetUsdcMicros"`
	BudgetRMinBps                int64  `mapstructure:"budget_r_min_bps" json:"budgetRMinBps"`
	BudgetRMaxBps                int64  `mapstructure:"budget_r_max_bps" json:"budgetRMaxBps"`
	BudgetEnforcement            string `mapstructure:"budget_enforcement" json:"budgetEnforcement"`
	MinLeaderTradeNotionalMicros int64  `mapstructure:"min_leader_trade_notional_micros" json:"minLeaderTradeNotionalMicros"`
}

// DefaultSizing returns the stock sizing settings: copy 1% of leader
// notional, trades clamped to [$5, $250].
func DefaultSizing() Sizing {
	return Sizing{
		CopyPctNotionalBps:     100,
		MinTradeNotionalMicros: 5_000_000,
		MaxTradeNotionalMicros: 250_000_000,
		MaxTradeBankrollBps:    75,
		SizingMode:             SizingFixedRate,
		BudgetRMinBps:          0,
		BudgetRMaxBps:          100,
		BudgetEnforcement:      EnforceHard,
	}
}

func (s Sizing) Validate() error {
	switch s.SizingMode {
	case SizingFixedRate, SizingBudgetedDynamic:
	default:
		return fmt.Errorf("sizing_mode must be %s or %s", SizingFixedRate, SizingBudgetedDynamic)
	}
	switch s.BudgetEnforcement {
	case EnforceHard, EnforceSoft:
	default:
		return fmt.Errorf("budget_enforcement must be %s or %s", EnforceHard, EnforceSoft)
	}
	if s.CopyPctNotionalBps < 0 {
		return fmt.Errorf("copy_pct_notional_bps must be >= 0")
	}
	if s.MinTradeNotionalMicros < 0 || s.MaxTradeNotionalMicros < 0 {
		return fmt.Errorf("trade notional clamps must be >= 0")
	}
	if s.MaxTradeNotionalMicros > 0 && s.MinTradeNotionalMicros > s.MaxTradeNotionalMicros {
		return fmt.Errorf("min_trade_notional_micros exceeds max_trade_notional_micros")
	}
	if s.BudgetRMinBps < 0 || s.BudgetRMaxBps < 0 || s.BudgetRMinBps > s.BudgetRMaxBps {
		return fmt.Errorf("budget rate bounds invalid: [%d, %d]", s.BudgetRMinBps, s.BudgetRMaxBps)
	}
	if s.BudgetUsdcMicros < 0 {
		return fmt.Errorf("budget_usdc_micros must be >= 0")
	}
	if s.MinLeaderTradeNotionalMicros < 0 {
		return fmt.Errorf("min_leader_trade_notional_micros must be >= 0")
	}
	return nil
}

// Buffering controls coalescing of sub-threshold leader trades.
type Buffering struct {
	Enabled                 bool   `mapstructure:"enabled" json:"enabled"`
	NotionalThresholdMicros int64  `mapstructure:"notional_threshold_micros" json:"notionalThresholdMicros"`
	FlushMinNotionalMicros  int64  `mapstructure:"flush_min_notional_micros" json:"flushMinNotionalMicros"`
	MinExecNotionalMicros   int64  `mapstructure:"min_exec_notional_micros" json:"minExecNotionalMicros"`
	MaxBufferMs             int64  `mapstructure:"max_buffer_ms" json:"maxBufferMs"`
	QuietFlushMs            int64  `mapstructure:"quiet_flush_ms" json:"quietFlushMs"`
	NettingMode             string `mapstructure:"netting_mode" json:"nettingMode"`
}

// DefaultBuffering returns the stock buffer settings: trades under $0.25
// coalesce, flushing at $0.50 accumulated, after 2.5 s, or after 600 ms quiet.
func DefaultBuffering() Buffering {
	return Buffering{
		NotionalThresholdMicros: 250_000,
		FlushMinNotionalMicros:  500_000,
		MinExecNotionalMicros:   100_000,
		MaxBufferMs:             2_500,
		QuietFlushMs:            600,
		NettingMode:             NettingSameSideOnly,
	}
}

func (b Buffering) Validate() error {
	switch b.NettingMode {
	case NettingSameSideOnly, NettingNetBuySell:
	default:
		return fmt.Errorf("netting_mode must be %s or %s", NettingSameSideOnly, NettingNetBuySell)
	}
	if b.NotionalThresholdMicros < 0 || b.FlushMinNotionalMicros < 0 || b.MinExecNotionalMicros < 0 {
		return fmt.Errorf("buffer notionals must be >= 0")
	}
	if b.MaxBufferMs <= 0 {
		return fmt.Errorf("max_buffer_ms must be > 0")
	}
	if b.QuietFlushMs <= 0 {
		return fmt.Errorf("quiet_flush_ms must be > 0")
	}
	return nil
}

// System holds engine-wide switches.
type System struct {
	CopyEngineEnabled     bool  `mapstructure:"copy_engine_enabled" json:"copyEngineEnabled"`
	AggregationWindowMs   int64 `mapstructure:"aggregation_window_ms" json:"aggregationWindowMs"`
	InitialBankrollMicros int64 `mapstructure:"initial_bankroll_micros" json:"initialBankrollMicros"`
}

// DefaultSystem returns the stock system settings.
func DefaultSystem() System {
	return System{
		CopyEngineEnabled:     true,
		AggregationWindowMs:   2_000,
		InitialBankrollMicros: 1_000_000_000, // $1000
	}
}

func (s System) Validate() error {
	if s.AggregationWindowMs <= 0 {
		return fmt.Errorf("aggregation_window_ms must be > 0")
	}
	if s.InitialBankrollMicros < 0 {
		return fmt.Errorf("initial_bankroll_micros must be >= 0")
	}
	return nil
}
