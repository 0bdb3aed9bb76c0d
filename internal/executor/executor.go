// Package executor wraps the broker's trade operations with the policies the
// rest of the engine relies on: outcome classification, idempotent stop-loss
// and close handling, and best-effort lifecycle events.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scalp-core/internal/broker"
	"scalp-core/internal/events"
	"scalp-core/internal/tracker"
)

// Status classifies the outcome of an open attempt.
type Status int

const (
	StatusDone Status = iota
	StatusRejected
	StatusTransportFailure
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusRejected:
		return "rejected"
	case StatusTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// OpenResult reports one open attempt. Position is valid only for StatusDone.
type OpenResult struct {
	Status   Status
	Position broker.Position
	Reason   string
}

// Executor is safe for concurrent use by all strategy workers and the
// monitor.
type Executor struct {
	bk     broker.Broker
	trk    *tracker.Tracker
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	closing map[broker.Ticket]struct{}
}

func New(bk broker.Broker, trk *tracker.Tracker, bus *events.Bus, logger *slog.Logger) *Executor {
	return &Executor{
		bk:      bk,
		trk:     trk,
		bus:     bus,
		logger:  logger.With("component", "executor"),
		closing: make(map[broker.Ticket]struct{}),
	}
}

// Open pre-validates the symbol, submits the market order, and classifies
// the result. A successful fill is registered with the tracker and announced
// on the bus; announcement failures never affect the trade.
func (e *Executor) Open(ctx context.Context, req broker.OrderRequest, strategy string) OpenResult {
	if err := e.bk.EnsureSymbol(ctx, req.Symbol); err != nil {
		e.logger.Warn("symbol not tradable", "symbol", req.Symbol, "error", err)
		return OpenResult{Status: StatusRejected, Reason: "symbol not tradable"}
	}

	ticket, err := e.bk.SubmitMarketOrder(ctx, req)
	if err != nil {
		switch broker.KindOf(err) {
		case broker.KindConnectivity:
			e.logger.Error("order transport failure", "symbol", req.Symbol, "error", err)
			return OpenResult{Status: StatusTransportFailure, Reason: err.Error()}
		default:
			e.logger.Warn("order rejected", "symbol", req.Symbol, "side", req.Side, "error", err)
			e.bus.Publish(events.Event{Type: events.OrderRejected, Strategy: strategy,
				Detail: err.Error()})
			return OpenResult{Status: StatusRejected, Reason: err.Error()}
		}
	}

	pos := broker.Position{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Magic:      req.Magic,
		Comment:    req.Comment,
		OpenTime:   time.Now(),
	}
	// Prefer broker truth for the actual fill price.
	if live, lerr := e.bk.OpenPositions(ctx, req.Symbol); lerr == nil {
		for _, p := range live {
			if p.Ticket == ticket {
				pos = p
				break
			}
		}
	}
	e.trk.Add(pos)
	e.bus.Publish(events.Event{Type: events.PositionOpened, Position: pos, Strategy: strategy})
	return OpenResult{Status: StatusDone, Position: pos}
}

// ModifyStopLoss tightens a position's stop. The move is skipped (success)
// unless newSL is strictly more favorable than the current stop by at least
// one point, which suppresses modify chatter when callers recompute the same
// level every cycle. Broker replies "no changes" and "invalid ticket" are
// success: the former means nothing to do, the latter that the position is
// already gone.
func (e *Executor) ModifyStopLoss(ctx context.Context, ticket broker.Ticket, newSL float64) error {
	pos, ok := e.trk.Get(ticket)
	if !ok {
		return nil
	}
	meta, err := e.bk.SymbolMeta(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if !slImproves(pos.Side, pos.StopLoss, newSL, meta.Point) {
		return nil
	}

	if err := e.bk.ModifyStopLoss(ctx, ticket, newSL); err != nil {
		switch broker.KindOf(err) {
		case broker.KindNoChanges, broker.KindInvalidTicket:
			return nil
		default:
			e.logger.Warn("stop modify failed", "ticket", ticket, "sl", newSL, "error", err)
			return err
		}
	}
	e.trk.UpdateStopLoss(ticket, newSL)
	pos.StopLoss = newSL
	e.bus.Publish(events.Event{Type: events.StopModified, Position: pos})
	e.logger.Info("stop moved", "ticket", ticket, "symbol", pos.Symbol, "sl", newSL)
	return nil
}

// slImproves reports whether candidate tightens the stop by at least one
// point. A zero current stop counts as "no stop yet", so any valid candidate
// improves it.
func slImproves(side broker.Side, current, candidate, point float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	if side == broker.Buy {
		return candidate >= current+point
	}
	return candidate <= current-point
}

// Close closes the tracked position. It is idempotent: an unknown ticket, a
// concurrent close already in flight, or an "invalid ticket" reply all
// return success without touching state, so exactly one caller finalizes the
// record.
func (e *Executor) Close(ctx context.Context, ticket broker.Ticket, reason string) error {
	pos, ok := e.trk.Get(ticket)
	if !ok {
		return nil
	}

	e.mu.Lock()
	if _, inflight := e.closing[ticket]; inflight {
		e.mu.Unlock()
		return nil
	}
	e.closing[ticket] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.closing, ticket)
		e.mu.Unlock()
	}()

	res, err := e.bk.ClosePosition(ctx, ticket)
	if err != nil {
		if broker.KindOf(err) == broker.KindInvalidTicket {
			e.trk.Remove(ticket)
			return nil
		}
		e.logger.Error("close failed", "ticket", ticket, "error", err)
		return err
	}

	pos.ExitPrice = res.ExitPrice
	pos.ExitTime = res.Time
	pos.Profit = res.Profit
	e.trk.Remove(ticket)
	e.bus.Publish(events.Event{Type: events.PositionClosed, Position: pos, Detail: reason})
	e.logger.Info("position closed", "ticket", ticket, "symbol", pos.Symbol,
		"profit", res.Profit, "reason", reason)
	return nil
}

// CloseAll closes every tracked position, continuing past individual
// failures and returning the last error seen.
func (e *Executor) CloseAll(ctx context.Context, reason string) error {
	var last error
	for _, p := range e.trk.All() {
		if err := e.Close(ctx, p.Ticket, reason); err != nil {
			last = err
		}
	}
	return last
}
