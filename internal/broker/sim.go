package broker

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Snapshot is the immutable market state for one simulation step. The driver
// builds a fresh value per bar and hands it to SimBroker.Step; the simulator
// never mutates it and keeps only a copy of what it needs.
type Snapshot struct {
	Time  time.Time
	Ticks map[string]Tick // symbol -> quote
}

// SimConfig tunes the deterministic simulator.
type SimConfig struct {
	InitialBalance   float64
	CommissionPerLot float64 // round-turn, charged at close
}

// ClosedTrade is one finished simulated position.
type ClosedTrade struct {
	Position Position
	Reason   string // "sl" | "tp" | "manual"
}

// Report summarizes a finished simulation run.
type Report struct {
	Trades       int
	Wins         int
	NetProfit    float64
	GrossProfit  float64
	GrossLoss    float64
	WinRate      float64
	ProfitFactor float64
	MaxDrawdown  float64 // fraction of peak equity
	FinalEquity  float64
}

// SimBroker is the deterministic Broker used for backtests. It fills market
// orders at the current snapshot's quote, applies server-side SL/TP on every
// Step, and records an equity curve. All methods are safe for concurrent use
// so tests can exercise the same call patterns as live trading.
type SimBroker struct {
	cfg    SimConfig
	logger *slog.Logger

	mu         sync.Mutex
	snap       Snapshot
	meta       map[string]SymbolMeta
	balance    float64
	open       map[Ticket]*Position
	pending    map[Ticket]*PendingOrder
	closed     []ClosedTrade
	equityHist []float64
	nextTicket Ticket
}

// NewSim builds a simulator with no symbols registered. Register symbols
// before the first Step.
func NewSim(cfg SimConfig, logger *slog.Logger) *SimBroker {
	return &SimBroker{
		cfg:        cfg,
		logger:     logger.With("component", "broker.sim"),
		meta:       make(map[string]SymbolMeta),
		balance:    cfg.InitialBalance,
		open:       make(map[Ticket]*Position),
		pending:    make(map[Ticket]*PendingOrder),
		nextTicket: 1000,
	}
}

// RegisterSymbol makes a symbol tradable with the given constraints.
func (s *SimBroker) RegisterSymbol(m SymbolMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[m.Symbol] = m
}

// Step advances the simulation to the given snapshot: server-side stops are
// evaluated against the new quotes (stop-loss checked before take-profit when
// a bar spans both), floating PnL is refreshed, and the equity curve extended.
func (s *SimBroker) Step(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap

	for _, p := range s.openTicketsLocked() {
		pos := s.open[p]
		tick, ok := snap.Ticks[pos.Symbol]
		if !ok {
			continue
		}
		price := tick.PriceFor(pos.Side)
		switch {
		case s.stopHitLocked(pos, price):
			s.finalizeLocked(pos, pos.StopLoss, snap.Time, "sl")
		case s.takeHitLocked(pos, price):
			s.finalizeLocked(pos, pos.TakeProfit, snap.Time, "tp")
		default:
			pos.Profit = s.pnlLocked(pos, price)
		}
	}
	s.equityHist = append(s.equityHist, s.equityLocked())
}

// openTicketsLocked returns a sorted snapshot of the open tickets so Step's
// iteration order is deterministic across runs.
func (s *SimBroker) openTicketsLocked() []Ticket {
	out := make([]Ticket, 0, len(s.open))
	for t := range s.open {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *SimBroker) stopHitLocked(pos *Position, price float64) bool {
	if pos.StopLoss <= 0 {
		return false
	}
	if pos.Side == Buy {
		return price <= pos.StopLoss
	}
	return price >= pos.StopLoss
}

func (s *SimBroker) takeHitLocked(pos *Position, price float64) bool {
	if pos.TakeProfit <= 0 {
		return false
	}
	if pos.Side == Buy {
		return price >= pos.TakeProfit
	}
	return price <= pos.TakeProfit
}

func (s *SimBroker) pnlLocked(pos *Position, price float64) float64 {
	m := s.meta[pos.Symbol]
	if m.Point <= 0 {
		return 0
	}
	diff := price - pos.EntryPrice
	if pos.Side == Sell {
		diff = -diff
	}
	return diff / m.Point * m.TickValue * pos.Volume
}

func (s *SimBroker) finalizeLocked(pos *Position, exitPrice float64, at time.Time, reason string) {
	profit := s.pnlLocked(pos, exitPrice) - s.cfg.CommissionPerLot*pos.Volume
	pos.Profit = profit
	pos.ExitPrice = exitPrice
	pos.ExitTime = at
	s.balance += profit
	s.closed = append(s.closed, ClosedTrade{Position: *pos, Reason: reason})
	delete(s.open, pos.Ticket)
	s.logger.Debug("sim position closed", "ticket", pos.Ticket, "reason", reason,
		"profit", profit)
}

func (s *SimBroker) equityLocked() float64 {
	eq := s.balance
	for _, pos := range s.open {
		eq += pos.Profit
	}
	return eq
}

func (s *SimBroker) AccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eq := s.equityLocked()
	// No margin model: everything not tied up in floating losses is free.
	return AccountSnapshot{Equity: eq, FreeMargin: eq}, nil
}

func (s *SimBroker) OpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.open))
	for _, t := range s.openTicketsLocked() {
		pos := s.open[t]
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		out = append(out, *pos)
	}
	return out, nil
}

func (s *SimBroker) PendingOrders(ctx context.Context, symbol string) ([]PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingOrder, 0, len(s.pending))
	for _, o := range s.pending {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (s *SimBroker) Tick(ctx context.Context, symbol string) (Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tick, ok := s.snap.Ticks[symbol]
	if !ok {
		return Tick{}, connErr("tick", "no quote for %s in current step", symbol)
	}
	return tick, nil
}

func (s *SimBroker) SymbolMeta(ctx context.Context, symbol string) (SymbolMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[symbol]
	if !ok {
		return SymbolMeta{}, rejectErr("symbol_meta", 0, "unknown symbol "+symbol)
	}
	return m, nil
}

func (s *SimBroker) EnsureSymbol(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meta[symbol]; !ok {
		return rejectErr("symbol_select", 0, "unknown symbol "+symbol)
	}
	return nil
}

func (s *SimBroker) SubmitMarketOrder(ctx context.Context, req OrderRequest) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[req.Symbol]
	if !ok {
		return 0, rejectErr("order_send", 0, "unknown symbol "+req.Symbol)
	}
	tick, ok := s.snap.Ticks[req.Symbol]
	if !ok {
		return 0, rejectErr("order_send", 0, "no quote for "+req.Symbol)
	}
	if req.Volume < m.VolumeMin || req.Volume > m.VolumeMax {
		return 0, rejectErr("order_send", 0, "volume out of range")
	}
	// Longs fill at ask, shorts at bid.
	entry := tick.Ask
	if req.Side == Sell {
		entry = tick.Bid
	}
	if badStops(req.Side, entry, req.StopLoss, req.TakeProfit) {
		return 0, rejectErr("order_send", 0, "invalid stops")
	}

	s.nextTicket++
	pos := &Position{
		Ticket:     s.nextTicket,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		EntryPrice: entry,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Magic:      req.Magic,
		Comment:    req.Comment,
		OpenTime:   s.snap.Time,
	}
	s.open[pos.Ticket] = pos
	return pos.Ticket, nil
}

func badStops(side Side, entry, sl, tp float64) bool {
	if side == Buy {
		return (sl > 0 && sl >= entry) || (tp > 0 && tp <= entry)
	}
	return (sl > 0 && sl <= entry) || (tp > 0 && tp >= entry)
}

func (s *SimBroker) ModifyStopLoss(ctx context.Context, ticket Ticket, newSL float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.open[ticket]
	if !ok {
		return &OrderError{Kind: KindInvalidTicket, Op: "position_modify", Msg: "no such position"}
	}
	if pos.StopLoss == newSL {
		return &OrderError{Kind: KindNoChanges, Op: "position_modify", Msg: "sl unchanged"}
	}
	pos.StopLoss = newSL
	return nil
}

func (s *SimBroker) ClosePosition(ctx context.Context, ticket Ticket) (CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.open[ticket]
	if !ok {
		return CloseResult{}, &OrderError{Kind: KindInvalidTicket, Op: "position_close", Msg: "no such position"}
	}
	tick, ok := s.snap.Ticks[pos.Symbol]
	if !ok {
		return CloseResult{}, connErr("position_close", "no quote for %s", pos.Symbol)
	}
	price := tick.PriceFor(pos.Side)
	s.finalizeLocked(pos, price, s.snap.Time, "manual")
	return CloseResult{ExitPrice: price, Profit: pos.Profit, Time: s.snap.Time}, nil
}

func (s *SimBroker) CancelPending(ctx context.Context, ticket Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[ticket]; !ok {
		return &OrderError{Kind: KindInvalidTicket, Op: "order_cancel", Msg: "no such order"}
	}
	delete(s.pending, ticket)
	return nil
}

func (s *SimBroker) ClosedPnLSince(ctx context.Context, t time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, ct := range s.closed {
		if !ct.Position.ExitTime.Before(t) {
			sum += ct.Position.Profit
		}
	}
	return sum, nil
}

func (s *SimBroker) Close() error { return nil }

// ClosedTrades returns a copy of all finished trades.
func (s *SimBroker) ClosedTrades() []ClosedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClosedTrade, len(s.closed))
	copy(out, s.closed)
	return out
}

// EquityHistory returns the per-step equity curve.
func (s *SimBroker) EquityHistory() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.equityHist))
	copy(out, s.equityHist)
	return out
}

// BuildReport computes run statistics from closed trades and the equity curve.
func (s *SimBroker) BuildReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{Trades: len(s.closed), FinalEquity: s.equityLocked()}
	for _, ct := range s.closed {
		p := ct.Position.Profit
		r.NetProfit += p
		if p > 0 {
			r.Wins++
			r.GrossProfit += p
		} else {
			r.GrossLoss += -p
		}
	}
	if r.Trades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.Trades)
	}
	if r.GrossLoss > 0 {
		r.ProfitFactor = r.GrossProfit / r.GrossLoss
	} else if r.GrossProfit > 0 {
		r.ProfitFactor = math.Inf(1)
	}

	peak := s.cfg.InitialBalance
	for _, eq := range s.equityHist {
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > r.MaxDrawdown {
				r.MaxDrawdown = dd
			}
		}
	}
	return r
}

var _ Broker = (*SimBroker)(nil)
