package api

import (
	"time"

	"latencyarb/internal/config"
	"latencyarb/internal/executor"
	"latencyarb/internal/numeric"
	"latencyarb/internal/risk"
	"latencyarb/pkg/types"
)

// StatusProvider is the read-only view the Router exposes for the
// dashboard's getStatus() surface (spec.md §6).
type StatusProvider interface {
	OpenTrades() map[string]types.Trade
	RecentTrades(n int) []types.Trade
	FillRateStats() executor.FillRateStats
	AvgExecutionLatency() time.Duration
	PnlStats() numeric.RunningStats
	LastNWinRate(n int) float64
	RiskSnapshot() risk.Snapshot
}

const recentTradesLimit = 20

// BuildSnapshot aggregates state from the Router into a dashboard status
// snapshot.
func BuildSnapshot(provider StatusProvider, cfg config.Config) StatusSnapshot {
	open := provider.OpenTrades()
	openTrades := make([]types.Trade, 0, len(open))
	for _, t := range open {
		openTrades = append(openTrades, t)
	}

	return StatusSnapshot{
		Timestamp: time.Now(),

		OpenOrders:   len(open),
		OpenTrades:   openTrades,
		RecentTrades: provider.RecentTrades(recentTradesLimit),

		FillRate:            provider.FillRateStats(),
		AvgExecutionLatency: provider.AvgExecutionLatency().String(),
		PnlStats:            provider.PnlStats(),
		Last20WinRate:       provider.LastNWinRate(recentTradesLimit),

		Risk:   newRiskStatus(provider.RiskSnapshot()),
		Config: NewConfigSummary(cfg),
	}
}
