// Package risk is the single writer for bankroll, exposure, and kill-switch
// state across the whole engine. Every mutation — opening a position,
// applying a partial close, finalizing a close, or noting an unhandled
// rejection — goes through this package's API, which serializes access
// behind one mutex exactly as the market maker's risk manager serialized
// access to its exposure/kill-switch state.
//
// Once killed, canTrade returns false for the remainder of the process;
// there is no cooldown-expiry path back to trading, unlike the market
// maker's kill switch. A kill here means something is wrong with the
// model or the venue, not that price moved quickly through a normal range.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"latencyarb/internal/config"
	"latencyarb/pkg/types"
)

// position is Risk's accounting mirror of an Executor trade, keyed by the
// same id. Risk never touches Executor's Trade struct directly.
type position struct {
	direction  types.Direction
	size       float64
	entryPrice float64
}

// KillSignal is emitted when the kill switch engages, so the engine can
// cancel all resting orders across every market.
type KillSignal struct {
	Reason string
	At     time.Time
}

// Manager enforces canTrade and owns the bankroll/exposure ledger.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu              sync.Mutex
	bankroll        float64
	peakBankroll    float64 // session-local, never persisted
	dailyPnl        float64
	dailyPnlResetAt time.Time
	openPositions   map[string]*position
	killed          bool
	killReason      string
	lastTradeTimeMs int64
	rejectionWindow []time.Time // sliding 60s deque of unhandled rejections

	killCh chan KillSignal
}

// NewManager creates a risk manager seeded with a starting bankroll.
func NewManager(cfg config.RiskConfig, startingBankroll float64, logger *slog.Logger) *Manager {
	now := time.Now().UTC()
	return &Manager{
		cfg:             cfg,
		logger:          logger.With("component", "risk"),
		bankroll:        startingBankroll,
		peakBankroll:    startingBankroll,
		dailyPnlResetAt: nextUTCMidnight(now),
		openPositions:   make(map[string]*position),
		killCh:          make(chan KillSignal, 4),
	}
}

// KillCh returns the channel the engine reads kill signals from.
func (m *Manager) KillCh() <-chan KillSignal {
	return m.killCh
}

// Bankroll returns the current live bankroll. Strategy injects this as its
// sizing getter — it must never read a cached snapshot.
func (m *Manager) Bankroll() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bankroll
}

// CanTradeResult is the outcome of canTrade.
type CanTradeResult struct {
	Allowed bool
	Reasons []string
}

// CanTrade runs the ordered checks (a)-(g) from the risk design, returning
// as soon as the kill switch is found set, and otherwise accumulating every
// failing reason before deciding. The cooldown stamp is set atomically
// inside this call, and only on an allowed decision.
func (m *Manager) CanTrade(sig types.Signal) CanTradeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverDailyPnlLocked(time.Now().UTC())

	if m.killed {
		return CanTradeResult{Allowed: false, Reasons: []string{"killed: " + m.killReason}}
	}

	var reasons []string
	nowMs := time.Now().UnixMilli()

	// (b) cooldown
	if nowMs-m.lastTradeTimeMs < m.cfg.CooldownMs {
		reasons = append(reasons, "cooldown active")
	}

	// (c) daily loss limit
	if m.dailyPnl <= -m.cfg.DailyLossLimit {
		reasons = append(reasons, "daily loss limit reached")
	}

	// (d) drawdown — sets killed, but still falls through to accumulate any
	// other failing reason on this same call before returning.
	if m.peakBankroll > 0 {
		drawdown := (m.peakBankroll - m.bankroll) / m.peakBankroll
		if drawdown > m.cfg.MaxDrawdownPct {
			m.killLocked("max drawdown exceeded")
			reasons = append(reasons, "killed: max drawdown exceeded")
		}
	}

	// (e) position count cap
	if len(m.openPositions) >= m.cfg.MaxOpenPositions {
		reasons = append(reasons, "max open positions reached")
	}

	// (f) liquidity rule
	liquidityMultiple := 2.0
	if sig.IsCertainty {
		liquidityMultiple = 1.0
	}
	if sig.AvailableLiquidity < liquidityMultiple*sig.Size.InexactFloat64() {
		reasons = append(reasons, "insufficient liquidity")
	}

	// (g) edge-vs-cost
	costFloor := float64(m.cfg.SlippageBps)/1e4 + float64(m.cfg.FeeBps)/1e4 + m.cfg.MinMarginEdge
	if sig.Edge <= costFloor {
		reasons = append(reasons, "edge below cost floor")
	}

	if len(reasons) > 0 {
		return CanTradeResult{Allowed: false, Reasons: reasons}
	}

	m.lastTradeTimeMs = nowMs
	return CanTradeResult{Allowed: true}
}

// OpenPosition reserves bankroll and records the new position. Call only
// after CanTrade returned allowed and the entry fill is confirmed.
func (m *Manager) OpenPosition(id string, direction types.Direction, size, entryPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size > m.bankroll {
		return errInsufficientBankroll
	}
	m.bankroll -= size
	m.openPositions[id] = &position{direction: direction, size: size, entryPrice: entryPrice}
	return nil
}

// ApplyPartialClose folds a partial exit's realized notional and pnl back
// into bankroll and the position ledger. This is the sole channel through
// which partial exits touch risk state.
func (m *Manager) ApplyPartialClose(id string, realizedNotional, realizedPnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.openPositions[id]
	if !ok {
		return
	}
	pos.size -= realizedNotional
	if pos.size < 0 {
		pos.size = 0
	}
	m.bankroll += realizedNotional + realizedPnl
	m.dailyPnl += realizedPnl
	if m.bankroll > m.peakBankroll {
		m.peakBankroll = m.bankroll
	}
}

// ClosePosition releases the final segment of a position back to bankroll
// and removes its ledger entry. No-op if id is not present, so restore
// paths that skip a stale position can call this safely.
func (m *Manager) ClosePosition(id string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.openPositions[id]
	if !ok {
		return
	}
	m.bankroll += pos.size + pnl
	m.dailyPnl += pnl
	if m.bankroll > m.peakBankroll {
		m.peakBankroll = m.bankroll
	}
	delete(m.openPositions, id)
}

// NoteUnhandledRejection records an unhandled process-level error. Five
// within a rolling 60s window trips the kill switch — a rejection storm
// usually means the venue or the wallet is in a bad state, not that a
// single trade misbehaved.
func (m *Manager) NoteUnhandledRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-60 * time.Second)

	kept := m.rejectionWindow[:0]
	for _, t := range m.rejectionWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.rejectionWindow = kept

	if len(m.rejectionWindow) >= 5 && !m.killed {
		m.killLocked("rejection storm")
	}
}

// OpenPositionCount reports how many positions Risk currently tracks.
func (m *Manager) OpenPositionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.openPositions)
}

// Snapshot returns a read-only view of risk state for persistence/dashboard.
type Snapshot struct {
	Bankroll        float64
	DailyPnl        float64
	DailyPnlResetAt time.Time
	Killed          bool
	KillReason      string
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Bankroll:        m.bankroll,
		DailyPnl:        m.dailyPnl,
		DailyPnlResetAt: m.dailyPnlResetAt,
		Killed:          m.killed,
		KillReason:      m.killReason,
	}
}

// Restore seeds bankroll/dailyPnl state from a prior persisted snapshot.
// Must be called before RestorePositions and Executor.RestorePositions, and
// peakBankroll is deliberately re-seeded to the restored bankroll rather than
// any persisted peak — a prior peak would trip the drawdown kill immediately
// after any losing session.
func (m *Manager) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bankroll = s.Bankroll
	m.peakBankroll = s.Bankroll
	m.dailyPnl = s.DailyPnl
	m.dailyPnlResetAt = s.DailyPnlResetAt
}

// PositionSnapshot is Risk's persisted per-position ledger entry — the size
// and entry price committed against bankroll for one open trade.
type PositionSnapshot struct {
	ID         string
	Direction  types.Direction
	Size       float64
	EntryPrice float64
}

// Positions returns every open position's ledger entry, for persistence
// alongside Executor's richer per-trade snapshot.
func (m *Manager) Positions() []PositionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PositionSnapshot, 0, len(m.openPositions))
	for id, p := range m.openPositions {
		out = append(out, PositionSnapshot{ID: id, Direction: p.direction, Size: p.size, EntryPrice: p.entryPrice})
	}
	return out
}

// RestorePositions repopulates the position ledger after a restart. Restore
// must run first: bankroll already reflects these positions' committed size,
// so this does not touch bankroll, only the per-id accounting entries that
// ClosePosition/ApplyPartialClose need later. Call before
// Executor.RestorePositions, which relies on a ledger entry existing for
// every id it doesn't drop as stale.
func (m *Manager) RestorePositions(snapshots []PositionSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snapshots {
		m.openPositions[s.ID] = &position{direction: s.Direction, size: s.Size, entryPrice: s.EntryPrice}
	}
}

// killLocked sets the kill switch and notifies the engine. Caller must
// hold m.mu.
func (m *Manager) killLocked(reason string) {
	if m.killed {
		return
	}
	m.killed = true
	m.killReason = reason
	m.logger.Error("KILL SWITCH", "reason", reason)

	sig := KillSignal{Reason: reason, At: time.Now()}
	select {
	case m.killCh <- sig:
	default:
		select {
		case <-m.killCh:
		default:
		}
		m.killCh <- sig
	}
}

func (m *Manager) rolloverDailyPnlLocked(now time.Time) {
	if now.Before(m.dailyPnlResetAt) {
		return
	}
	m.dailyPnl = 0
	m.dailyPnlResetAt = nextUTCMidnight(now)
	m.logger.Info("daily pnl reset", "next_reset", m.dailyPnlResetAt)
}

func nextUTCMidnight(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, time.UTC)
}

type riskError string

func (e riskError) Error() string { return string(e) }

const errInsufficientBankroll = riskError("insufficient bankroll")
