// Package store provides crash-safe persistence for engine state and a
// trade audit log.
//
// Engine state (bankroll, daily pnl, every open position and open trade
// snapshot) is a single JSON document, written via the teacher's
// write-to-tmp-then-rename pattern so a crash mid-save never leaves a
// partially-written file for the next restart to load. The trade audit log
// is append-only NDJSON — one line per open/partial_close/close/
// expired_on_restore event — opened once at startup and flushed after every
// write so an external tailer sees events as they happen.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"latencyarb/internal/risk"
	"latencyarb/pkg/types"
)

// State is the single persisted document engine state round-trips through.
// PeakBankroll is deliberately absent: it is session-local and recomputed
// from Bankroll on restore (see risk.Manager.Restore).
type State struct {
	Bankroll        float64                 `json:"bankroll"`
	DailyPnl        float64                 `json:"dailyPnl"`
	DailyPnlResetAt time.Time               `json:"dailyPnlResetAt"`
	OpenPositions   []risk.PositionSnapshot `json:"openPositions"`
	OpenSnapshot    []types.OpenSnapshot    `json:"openSnapshot"`
	SavedAt         time.Time               `json:"savedAt"`
}

// Store persists engine state and the trade audit log under a single data
// directory.
type Store struct {
	dir string

	mu        sync.Mutex // serializes state.json writes
	statePath string

	auditMu  sync.Mutex // serializes audit log appends
	auditFile *os.File
}

// Open creates a store backed by the given directory, opening (or creating)
// trades.ndjson for append.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "trades.ndjson"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trade audit log: %w", err)
	}
	return &Store{dir: dir, statePath: filepath.Join(dir, "state.json"), auditFile: f}, nil
}

// Close flushes and closes the audit log. State is written on demand by
// SaveState, not on Close.
func (s *Store) Close() error {
	return s.auditFile.Close()
}

// SaveState atomically persists engine state: write to .tmp, then rename
// over the target, so the file is never observed half-written.
func (s *Store) SaveState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.SavedAt = time.Now()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.statePath)
}

// LoadState restores engine state from disk. Returns nil, nil if no state
// has ever been saved (fresh start).
func (s *Store) LoadState() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

// TradeAuditEntry is one line of the NDJSON trade audit log.
type TradeAuditEntry struct {
	Event         string          `json:"event"` // "open" | "partial_close" | "close" | "expired_on_restore"
	ID            string          `json:"id"`
	Label         string          `json:"label"`
	Direction     types.Direction `json:"direction"`
	EntryPrice    float64         `json:"entryPrice"`
	ExitPrice     *float64        `json:"exitPrice,omitempty"`
	TokenQty      float64         `json:"tokenQty"`
	Size          float64         `json:"size"`
	Pnl           *float64        `json:"pnl,omitempty"`
	PnlPct        *float64        `json:"pnlPct,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	OpenTime      time.Time       `json:"openTime"`
	ExitTime      *time.Time      `json:"exitTime,omitempty"`
	EstimatedExit bool            `json:"estimatedExit,omitempty"`
	At            time.Time       `json:"_at"`
}

// AppendTrade writes one audit entry and flushes it to disk immediately.
func (s *Store) AppendTrade(entry TradeAuditEntry) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	entry.At = time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal trade audit entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.auditFile.Write(data); err != nil {
		return fmt.Errorf("write trade audit entry: %w", err)
	}
	return s.auditFile.Sync()
}

// TradeAuditEntryFromTrade builds an audit entry for a still-open trade
// (event "open").
func TradeAuditEntryFromTrade(event string, t types.Trade) TradeAuditEntry {
	entry := TradeAuditEntry{
		Event:      event,
		ID:         t.ID,
		Label:      t.Signal.Label,
		Direction:  t.Direction,
		EntryPrice: entryPriceFloat(t),
		TokenQty:   tokenQtyFloat(t),
		Size:       sizeFloat(t),
		Reason:     string(t.ExitReason),
		OpenTime:   t.OpenTime,
	}
	if event == "close" || event == "partial_close" {
		exitPrice := exitPriceFloat(t)
		pnl := finalPnlFloat(t)
		entry.ExitPrice = &exitPrice
		entry.Pnl = &pnl
		if !t.Size.IsZero() {
			pct := pnl / sizeFloat(t)
			entry.PnlPct = &pct
		}
		if !t.ExitTime.IsZero() {
			exitTime := t.ExitTime
			entry.ExitTime = &exitTime
		}
		entry.EstimatedExit = t.EstimatedExit
	}
	return entry
}

func entryPriceFloat(t types.Trade) float64 { f, _ := t.EntryPrice.Float64(); return f }
func exitPriceFloat(t types.Trade) float64  { f, _ := t.ExitPrice.Float64(); return f }
func tokenQtyFloat(t types.Trade) float64   { f, _ := t.TokenQty.Float64(); return f }
func sizeFloat(t types.Trade) float64       { f, _ := t.Size.Float64(); return f }
func finalPnlFloat(t types.Trade) float64   { f, _ := t.FinalPnl.Float64(); return f }
