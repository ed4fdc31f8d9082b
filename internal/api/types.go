package api

import (
	"time"

	"latencyarb/internal/config"
	"latencyarb/internal/executor"
	"latencyarb/internal/numeric"
	"latencyarb/internal/risk"
	"latencyarb/pkg/types"
)

// StatusSnapshot is the read-only getStatus() view spec.md §6 exposes:
// open orders, open/recent trades, fill-rate and latency stats, running
// pnl stats, and the trailing win rate.
type StatusSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	OpenOrders   int           `json:"open_orders"`
	OpenTrades   []types.Trade `json:"open_trades"`
	RecentTrades []types.Trade `json:"recent_trades"`

	FillRate            executor.FillRateStats `json:"fill_rate"`
	AvgExecutionLatency string                 `json:"avg_execution_latency"`
	PnlStats            numeric.RunningStats   `json:"pnl_stats"`
	Last20WinRate       float64                `json:"last_20_win_rate"`

	Risk   RiskStatus    `json:"risk"`
	Config ConfigSummary `json:"config"`
}

// RiskStatus mirrors risk.Snapshot in API-stable field names.
type RiskStatus struct {
	Bankroll        float64   `json:"bankroll"`
	DailyPnl        float64   `json:"daily_pnl"`
	DailyPnlResetAt time.Time `json:"daily_pnl_reset_at"`
	Killed          bool      `json:"killed"`
	KillReason      string    `json:"kill_reason,omitempty"`
}

func newRiskStatus(s risk.Snapshot) RiskStatus {
	return RiskStatus{
		Bankroll:        s.Bankroll,
		DailyPnl:        s.DailyPnl,
		DailyPnlResetAt: s.DailyPnlResetAt,
		Killed:          s.Killed,
		KillReason:      s.KillReason,
	}
}

// ConfigSummary surfaces the subset of config an operator dashboard cares
// about — the levers that shape sizing and the risk envelope.
type ConfigSummary struct {
	Assets []string `json:"assets"`

	MaxBetFraction       float64 `json:"max_bet_fraction"`
	CertaintyMaxFraction float64 `json:"certainty_max_fraction"`
	KellyMultiplier      float64 `json:"kelly_multiplier"`

	MaxOpenPositions int     `json:"max_open_positions"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`
	DailyLossLimit   float64 `json:"daily_loss_limit"`
	ProfitTargetPct  float64 `json:"profit_target_pct"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	CooldownMs       int64   `json:"cooldown_ms"`

	DryRun bool `json:"dry_run"`
}

// NewConfigSummary builds a ConfigSummary from the full engine config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	assets := make([]string, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets = append(assets, a.Symbol+":"+a.WindowLabel)
	}

	return ConfigSummary{
		Assets: assets,

		MaxBetFraction:       cfg.Strategy.MaxBetFraction,
		CertaintyMaxFraction: cfg.Strategy.CertaintyMaxFraction,
		KellyMultiplier:      cfg.Strategy.KellyMultiplier,

		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		MaxDrawdownPct:   cfg.Risk.MaxDrawdownPct,
		DailyLossLimit:   cfg.Risk.DailyLossLimit,
		ProfitTargetPct:  cfg.Risk.ProfitTargetPct,
		StopLossPct:      cfg.Risk.StopLossPct,
		CooldownMs:       cfg.Risk.CooldownMs,

		DryRun: cfg.DryRun,
	}
}
