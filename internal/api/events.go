package api

import (
	"time"

	"latencyarb/pkg/types"
)

// DashboardEvent wraps every event broadcast to connected dashboard
// clients, including the initial full snapshot on connect.
type DashboardEvent struct {
	Type      string      `json:"type"`      // "snapshot" | "open" | "close" | "partial_close" | "rotation_cancel" | "kill"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// KillEvent is broadcast when the risk kill switch trips.
type KillEvent struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// NewTradeDashboardEvent wraps one Executor trade event (spec.md §6's
// "open"|"close"|"partial_close"|"rotation_cancel" stream) for broadcast.
func NewTradeDashboardEvent(evt types.TradeEvent) DashboardEvent {
	return DashboardEvent{
		Type:      evt.Type,
		Timestamp: evt.Timestamp,
		Data:      evt.Trade,
	}
}

// NewKillDashboardEvent wraps a risk kill signal for broadcast.
func NewKillDashboardEvent(reason string, at time.Time) DashboardEvent {
	return DashboardEvent{
		Type:      "kill",
		Timestamp: at,
		Data:      KillEvent{Reason: reason, At: at},
	}
}
