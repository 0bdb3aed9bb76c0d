// Package events is a small in-process pub/sub bus for trade lifecycle
// notifications. Publishing is non-blocking: a slow subscriber drops events
// rather than stalling the trading path.
package events

import (
	"log/slog"
	"sync"
	"time"

	"scalp-core/internal/broker"
)

// Type identifies an event class.
type Type string

const (
	PositionOpened Type = "position.opened"
	PositionClosed Type = "position.closed"
	StopModified   Type = "stop.modified"
	OrderRejected  Type = "order.rejected"
	TradingBlocked Type = "trading.blocked"
	EngineState    Type = "engine.state"
)

// Event is one bus message. Position is set for position lifecycle events;
// Detail carries a human-readable reason for the rest.
type Event struct {
	Type     Type
	Time     time.Time
	Position broker.Position
	Strategy string
	Detail   string
}

// Bus fans events out to subscribers over buffered channels.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("component", "events"),
		subs:   make(map[int]chan Event),
	}
}

// Subscribe returns a receive channel and an unsubscribe closure. The
// channel is closed on unsubscribe or bus shutdown.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber, dropping for any whose buffer is
// full.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event dropped, subscriber lagging", "type", ev.Type, "subscriber", id)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
