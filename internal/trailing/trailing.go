// Package trailing moves protective stops as positions run into profit:
// break-even first, then a profit lock near the target, with an optional
// fixed-step trail on the profit side. Stops only ever tighten.
package trailing

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"scalp-core/internal/broker"
	"scalp-core/internal/executor"
)

// State is the per-position stage of the trailing ladder.
type State int

const (
	Floating State = iota
	BreakEven
	ProfitLocked
)

func (s State) String() string {
	switch s {
	case Floating:
		return "floating"
	case BreakEven:
		return "break_even"
	case ProfitLocked:
		return "profit_locked"
	default:
		return "unknown"
	}
}

// Config tunes the ladder. ProfitLockPercent and LockBuffer are fractions of
// the entry-to-target distance. StepPips 0 disables the dynamic trail.
type Config struct {
	BEMinProfitPips   float64
	BESecuredPips     float64
	ProfitLockPercent float64
	LockBuffer        float64
	StepPips          float64
}

type posState struct {
	state     State
	lockLevel float64 // stop level set when the profit lock engaged
}

// Engine drives the ladder once per monitor cycle per open position. All SL
// writes go through the executor, inheriting its anti-chatter and
// idempotence rules.
type Engine struct {
	cfg    Config
	bk     broker.Broker
	exec   *executor.Executor
	logger *slog.Logger

	mu     sync.Mutex
	states map[broker.Ticket]*posState
}

func NewEngine(cfg Config, bk broker.Broker, exec *executor.Executor, logger *slog.Logger) *Engine {
	if cfg.LockBuffer <= 0 {
		cfg.LockBuffer = 0.02
	}
	return &Engine{
		cfg:    cfg,
		bk:     bk,
		exec:   exec,
		logger: logger.With("component", "trailing"),
		states: make(map[broker.Ticket]*posState),
	}
}

// StateOf returns the current stage for a ticket.
func (e *Engine) StateOf(ticket broker.Ticket) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[ticket]; ok {
		return st.state
	}
	return Floating
}

// Sweep drops state for tickets no longer open.
func (e *Engine) Sweep(open []broker.Position) {
	alive := make(map[broker.Ticket]struct{}, len(open))
	for _, p := range open {
		alive[p.Ticket] = struct{}{}
	}
	e.mu.Lock()
	for t := range e.states {
		if _, ok := alive[t]; !ok {
			delete(e.states, t)
		}
	}
	e.mu.Unlock()
}

// Process advances one position through the ladder against the current
// quote. Ordering: a retreat through an engaged lock closes the position
// outright; otherwise the profit lock takes precedence over break-even, and
// the dynamic trail runs last.
func (e *Engine) Process(ctx context.Context, pos broker.Position) error {
	tick, err := e.bk.Tick(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	meta, err := e.bk.SymbolMeta(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	price := tick.PriceFor(pos.Side)
	dir := 1.0
	if pos.Side == broker.Sell {
		dir = -1
	}
	profitPips := dir * (price - pos.EntryPrice) / meta.PipSize

	e.mu.Lock()
	st, ok := e.states[pos.Ticket]
	if !ok {
		st = &posState{state: Floating}
		// A reconciled position whose stop is already past entry was locked
		// or trailed before a restart; resume from there.
		if pos.StopLoss > 0 && dir*(pos.StopLoss-pos.EntryPrice) > 0 {
			st.state = ProfitLocked
			st.lockLevel = pos.StopLoss
		}
		e.states[pos.Ticket] = st
	}
	e.mu.Unlock()

	// Lock retreat: price back through the secured level means the broker
	// stop should have fired; close explicitly rather than trust it.
	if st.state == ProfitLocked && st.lockLevel > 0 && dir*(price-st.lockLevel) < 0 {
		e.logger.Warn("price retreated through lock level, closing",
			"ticket", pos.Ticket, "price", price, "lock", st.lockLevel)
		return e.exec.Close(ctx, pos.Ticket, "lock retreat")
	}

	// Profit lock, only meaningful with a known target.
	if e.cfg.ProfitLockPercent > 0 && pos.TakeProfit > 0 {
		span := math.Abs(pos.TakeProfit - pos.EntryPrice)
		if span > 0 {
			progress := dir * (price - pos.EntryPrice) / span
			if progress >= e.cfg.ProfitLockPercent {
				lock := pos.EntryPrice + dir*(e.cfg.ProfitLockPercent-e.cfg.LockBuffer)*span
				if err := e.exec.ModifyStopLoss(ctx, pos.Ticket, lock); err != nil {
					return err
				}
				e.mu.Lock()
				st.state = ProfitLocked
				if st.lockLevel == 0 || dir*(lock-st.lockLevel) > 0 {
					st.lockLevel = lock
				}
				e.mu.Unlock()
				return e.trail(ctx, pos, price, dir, meta)
			}
		}
	}

	// Break-even.
	if st.state == Floating && profitPips >= e.cfg.BEMinProfitPips {
		secured := pos.EntryPrice + dir*e.cfg.BESecuredPips*meta.PipSize
		if err := e.exec.ModifyStopLoss(ctx, pos.Ticket, secured); err != nil {
			return err
		}
		e.mu.Lock()
		st.state = BreakEven
		e.mu.Unlock()
	}

	return e.trail(ctx, pos, price, dir, meta)
}

// trail applies the fixed-step trail, but only once the stop already sits on
// the profit side of entry, and only in whole-step increments.
func (e *Engine) trail(ctx context.Context, pos broker.Position, price, dir float64, meta broker.SymbolMeta) error {
	if e.cfg.StepPips <= 0 {
		return nil
	}
	cur, ok := e.currentStop(pos)
	if !ok || dir*(cur-pos.EntryPrice) <= 0 {
		return nil
	}
	candidate := price - dir*e.cfg.StepPips*meta.PipSize
	if dir*(candidate-cur) < e.cfg.StepPips*meta.PipSize {
		return nil
	}
	return e.exec.ModifyStopLoss(ctx, pos.Ticket, candidate)
}

func (e *Engine) currentStop(pos broker.Position) (float64, bool) {
	if pos.StopLoss <= 0 {
		return 0, false
	}
	return pos.StopLoss, true
}
