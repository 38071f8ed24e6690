package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
venue:
  clob_base_url: "https://clob.example.com"
  ws_market_url: "wss://ws.example.com/market"
guardrails:
  max_worsening_vs_their_fill_micros: 10000
  max_over_mid_micros: 15000
  max_spread_micros: 20000
  min_depth_multiplier_bps: 12500
  max_total_exposure_bps: 7000
  max_exposure_per_market_bps: 500
  max_exposure_per_user_bps: 2000
  daily_loss_limit_bps: 300
  weekly_loss_limit_bps: 800
  max_drawdown_limit_bps: 1200
sizing:
  copy_pct_notional_bps: 100
  min_trade_notional_micros: 5000000
  max_trade_notional_micros: 250000000
  max_trade_bankroll_bps: 75
  sizing_mode: "FIXED_RATE"
  budget_enforcement: "HARD"
small_trade_buffering:
  enabled: true
  notional_threshold_micros: 250000
  flush_min_notional_micros: 500000
  min_exec_notional_micros: 100000
  max_buffer_ms: 2500
  quiet_flush_ms: 600
  netting_mode: "sameSideOnly"
system:
  copy_engine_enabled: true
  aggregation_window_ms: 2000
  initial_bankroll_micros: 1000000000
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Venue.CLOBBaseURL != "https://clob.example.com" {
		t.Errorf("clob url = %q", cfg.Venue.CLOBBaseURL)
	}
	if cfg.System.AggregationWindowMs != 2000 {
		t.Errorf("window = %d", cfg.System.AggregationWindowMs)
	}
	if cfg.Sizing.MinTradeNotionalMicros != 5_000_000 {
		t.Errorf("min trade = %d", cfg.Sizing.MinTradeNotionalMicros)
	}

	// Unset sections pick up defaults.
	if cfg.Book.MaxActiveBooks != 200 {
		t.Errorf("max active books = %d, want default 200", cfg.Book.MaxActiveBooks)
	}
	if cfg.Book.BookTTL != 10*time.Minute {
		t.Errorf("book ttl = %v, want 10m", cfg.Book.BookTTL)
	}
	if cfg.Executor.Workers != 4 {
		t.Errorf("workers = %d, want default 4", cfg.Executor.Workers)
	}
}

func TestValidateRejectsMissingVenue(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
store:
  data_dir: "data"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("missing venue urls should fail validation")
	}
}

func TestValidateRejectsBadSizingMode(t *testing.T) {
	bad := minimalYAML + `
`
	cfg, err := Load(writeConfig(t, bad))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Sizing.SizingMode = "SOMETHING_ELSE"
	if err := cfg.Validate(); err == nil {
		t.Error("bad sizing mode should fail validation")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("COPY_CLOB_BASE_URL", "https://override.example.com")
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Venue.CLOBBaseURL != "https://override.example.com" {
		t.Errorf("env override not applied: %q", cfg.Venue.CLOBBaseURL)
	}
}
