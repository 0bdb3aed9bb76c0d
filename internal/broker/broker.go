// Package broker defines the contract every execution backend must satisfy.
//
// Two implementations live in this package: LiveBroker, which wraps the
// external terminal bridge behind one process-wide mutex, and SimBroker,
// a deterministic bar-driven simulator for backtests. Everything above this
// package (risk gate, executor, trailing engine, supervisor) is written
// against the Broker interface only, so both modes share identical code paths.
package broker

import (
	"context"
	"time"
)

// Side is the direction of a position or order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the closing side for a position side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Ticket is the broker-assigned unique position/order id.
type Ticket int64

// AccountSnapshot carries the account figures the risk gate needs.
type AccountSnapshot struct {
	Equity     float64
	FreeMargin float64
}

// Tick is a top-of-book quote.
type Tick struct {
	Bid  float64
	Ask  float64
	Time time.Time
}

// PriceFor returns the market price at which a position on the given side
// would currently close (bid for longs, ask for shorts).
func (t Tick) PriceFor(side Side) float64 {
	if side == Buy {
		return t.Bid
	}
	return t.Ask
}

// SymbolMeta describes the trading constraints of a symbol. PipSize and
// Point differ on 5-digit quotes (EURUSD: point 0.00001, pip 0.0001) and on
// JPY pairs (point 0.001, pip 0.01); all pip math must go through these
// fields, never through symbol-name matching.
type SymbolMeta struct {
	Symbol     string
	PipSize    float64
	Point      float64
	Digits     int
	VolumeMin  float64
	VolumeMax  float64
	VolumeStep float64
	TickValue  float64
}

// PipValuePerLot returns the account-currency value of one pip for 1.0 lot.
func (m SymbolMeta) PipValuePerLot() float64 {
	if m.Point <= 0 {
		return 0
	}
	return m.TickValue * (m.PipSize / m.Point)
}

// Position is an open (or just-closed) trade as reported by the broker.
type Position struct {
	Ticket     Ticket
	Symbol     string
	Side       Side
	Volume     float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Magic      int64
	Comment    string
	OpenTime   time.Time
	Profit     float64 // running PnL in account currency

	// Set on closure only.
	ExitPrice float64
	ExitTime  time.Time
}

// PendingOrder is a resting order awaiting its trigger price.
type PendingOrder struct {
	Ticket     Ticket
	Symbol     string
	Side       Side
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Magic      int64
	PlacedAt   time.Time
}

// OrderRequest describes a market order submission.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	Deviation  int // max slippage in points
	Magic      int64
	Comment    string
}

// CloseResult reports the fill of a position closure.
type CloseResult struct {
	ExitPrice float64
	Profit    float64
	Time      time.Time
}

// Broker is the port every execution backend implements. All calls are
// synchronous; implementations return *OrderError (use KindOf to branch)
// for trading failures.
type Broker interface {
	AccountSnapshot(ctx context.Context) (AccountSnapshot, error)
	OpenPositions(ctx context.Context, symbol string) ([]Position, error)
	PendingOrders(ctx context.Context, symbol string) ([]PendingOrder, error)
	Tick(ctx context.Context, symbol string) (Tick, error)
	SymbolMeta(ctx context.Context, symbol string) (SymbolMeta, error)
	EnsureSymbol(ctx context.Context, symbol string) error

	SubmitMarketOrder(ctx context.Context, req OrderRequest) (Ticket, error)
	ModifyStopLoss(ctx context.Context, ticket Ticket, newSL float64) error
	ClosePosition(ctx context.Context, ticket Ticket) (CloseResult, error)
	CancelPending(ctx context.Context, ticket Ticket) error

	// ClosedPnLSince sums realized profit of deals closed at or after t.
	ClosedPnLSince(ctx context.Context, t time.Time) (float64, error)

	Close() error
}
