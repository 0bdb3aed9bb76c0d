// Package tracker keeps a shadow copy of broker-side open positions so
// strategy workers can answer "is this symbol occupied" without a broker
// round-trip on every tick.
package tracker

import (
	"log/slog"
	"sync"

	"scalp-core/internal/broker"
)

// Tracker is the shadow position set. Only the monitor's reconciliation
// writes it, by full replacement; workers read a view that may be stale by
// at most one monitor cycle. Replacement, never merging, is what lets a
// server-side SL/TP fill be discovered instead of assumed.
type Tracker struct {
	logger *slog.Logger

	mu        sync.RWMutex
	positions map[broker.Ticket]broker.Position
}

func New(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:    logger.With("component", "tracker"),
		positions: make(map[broker.Ticket]broker.Position),
	}
}

// Replace swaps the entire shadow set for the broker-truth snapshot and
// returns the positions that vanished since the previous cycle. The tracker
// itself fires no close-side effects; the caller decides what a vanished
// ticket means.
func (t *Tracker) Replace(current []broker.Position) (vanished []broker.Position) {
	next := make(map[broker.Ticket]broker.Position, len(current))
	for _, p := range current {
		next[p.Ticket] = p
	}

	t.mu.Lock()
	for ticket, old := range t.positions {
		if _, still := next[ticket]; !still {
			vanished = append(vanished, old)
		}
	}
	t.positions = next
	t.mu.Unlock()

	for _, p := range vanished {
		t.logger.Info("position left broker set", "ticket", p.Ticket, "symbol", p.Symbol)
	}
	return vanished
}

// Add registers a freshly opened position so same-cycle occupancy checks see
// it before the next reconciliation.
func (t *Tracker) Add(p broker.Position) {
	t.mu.Lock()
	t.positions[p.Ticket] = p
	t.mu.Unlock()
}

// Remove drops a position after an explicit close. Removing an unknown
// ticket is a no-op.
func (t *Tracker) Remove(ticket broker.Ticket) {
	t.mu.Lock()
	delete(t.positions, ticket)
	t.mu.Unlock()
}

// UpdateStopLoss records a confirmed SL move on the shadow copy.
func (t *Tracker) UpdateStopLoss(ticket broker.Ticket, sl float64) {
	t.mu.Lock()
	if p, ok := t.positions[ticket]; ok {
		p.StopLoss = sl
		t.positions[ticket] = p
	}
	t.mu.Unlock()
}

// HasOpen reports whether any tracked position matches symbol and magic.
// magic 0 matches any.
func (t *Tracker) HasOpen(symbol string, magic int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.positions {
		if p.Symbol == symbol && (magic == 0 || p.Magic == magic) {
			return true
		}
	}
	return false
}

// Get returns the tracked position for a ticket.
func (t *Tracker) Get(ticket broker.Ticket) (broker.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[ticket]
	return p, ok
}

// All returns a copy of every tracked position.
func (t *Tracker) All() []broker.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]broker.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	return out
}

// Count returns the number of tracked positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}
