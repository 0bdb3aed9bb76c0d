// Package risk implements the pre-trade gate: session windows, daily PnL
// bounds, margin and drawdown checks, and the lot-sizing formula.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scalp-core/internal/broker"
)

// Config holds the gate's limits. Zero values for DailyLoss and DailyProfit
// mean unbounded.
type Config struct {
	RiskPerTrade       float64
	DailyLoss          float64 // positive magnitude; 0 disables
	DailyProfit        float64 // 0 disables
	MinFreeMarginRatio float64
	MaxDrawdown        float64 // fraction of session-start equity
	Sessions           []Window
	MinSLPips          float64
	MaxPositionLot     float64
	LogThrottle        time.Duration
}

// Status is one evaluation of every gate condition, for diagnostics and the
// status API.
type Status struct {
	Allowed     bool      `json:"allowed"`
	Session     bool      `json:"session"`
	PnLBounds   bool      `json:"pnl_bounds"`
	Margin      bool      `json:"margin"`
	Drawdown    bool      `json:"drawdown"`
	Latched     bool      `json:"latched"`
	DailyPnL    float64   `json:"daily_pnl"`
	Equity      float64   `json:"equity"`
	StartEquity float64   `json:"session_start_equity"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Gate answers "may the bot trade right now". All mutable state (daily
// counters, latches, session-start equity) lives behind one mutex; the day
// rollover in the gate's local timezone resets it exactly once.
type Gate struct {
	cfg    Config
	bk     broker.Broker
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time // test seam

	mu                  sync.Mutex
	lastReset           string // local calendar date of the last reset
	sessionStartEquity  float64
	blockedUntilNextDay bool
	rolloverDone        bool
	lastLogged          map[string]time.Time
}

// NewGate builds a gate evaluating times in loc.
func NewGate(cfg Config, bk broker.Broker, loc *time.Location, logger *slog.Logger) *Gate {
	if cfg.LogThrottle <= 0 {
		cfg.LogThrottle = time.Minute
	}
	return &Gate{
		cfg:        cfg,
		bk:         bk,
		loc:        loc,
		logger:     logger.With("component", "risk"),
		now:        time.Now,
		lastLogged: make(map[string]time.Time),
	}
}

// WithClock overrides the gate's time source. Tests pin the clock to
// exercise session and rollover behavior deterministically.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) localNow() time.Time { return g.now().In(g.loc) }

func dateKey(t time.Time) string { return t.Format("2006-01-02") }

// rolloverLocked resets daily state when the local calendar date has
// changed since the last reset. Idempotent within a day.
func (g *Gate) rolloverLocked(now time.Time) {
	key := dateKey(now)
	if key == g.lastReset {
		return
	}
	if g.lastReset != "" {
		g.logger.Info("daily risk state reset", "date", key)
	}
	g.lastReset = key
	g.sessionStartEquity = 0
	g.blockedUntilNextDay = false
	g.rolloverDone = false
}

// CanTrade evaluates the full conjunction. verbose enables throttled
// per-condition log lines explaining a denial.
func (g *Gate) CanTrade(ctx context.Context, verbose bool) bool {
	return g.Evaluate(ctx, verbose).Allowed
}

// Evaluate runs every condition and returns the detailed breakdown. A failed
// account snapshot fails the margin and drawdown checks conservatively open:
// they pass, because a transient snapshot outage must not be confused with a
// breached limit.
func (g *Gate) Evaluate(ctx context.Context, verbose bool) Status {
	now := g.localNow()

	g.mu.Lock()
	g.rolloverLocked(now)
	latched := g.blockedUntilNextDay || g.rolloverDone
	startEq := g.sessionStartEquity
	g.mu.Unlock()

	st := Status{
		Session:   InSession(now, g.cfg.Sessions),
		PnLBounds: true,
		Margin:    true,
		Drawdown:  true,
		Latched:   latched,
		CheckedAt: now,
	}

	snap, err := g.bk.AccountSnapshot(ctx)
	if err != nil {
		g.throttledLog(verbose, "snapshot", "account snapshot unavailable", "error", err)
	} else {
		st.Equity = snap.Equity

		if startEq == 0 && snap.Equity > 0 {
			g.mu.Lock()
			if g.sessionStartEquity == 0 {
				g.sessionStartEquity = snap.Equity
				g.logger.Info("session start equity captured", "equity", snap.Equity)
			}
			startEq = g.sessionStartEquity
			g.mu.Unlock()
		}
		st.StartEquity = startEq

		// equity==0 passes: a blank snapshot must not read as margin call.
		if snap.Equity > 0 && g.cfg.MinFreeMarginRatio > 0 {
			st.Margin = snap.FreeMargin/snap.Equity >= g.cfg.MinFreeMarginRatio
		}
		if startEq > 0 && g.cfg.MaxDrawdown > 0 {
			st.Drawdown = snap.Equity >= startEq*(1-g.cfg.MaxDrawdown)
		}

		if pnl, perr := g.dailyPnL(ctx, now, snap); perr == nil {
			st.DailyPnL = pnl
			if g.cfg.DailyLoss > 0 && pnl <= -g.cfg.DailyLoss {
				st.PnLBounds = false
			}
			if g.cfg.DailyProfit > 0 && pnl >= g.cfg.DailyProfit {
				st.PnLBounds = false
			}
		} else {
			g.throttledLog(verbose, "pnl", "daily pnl unavailable", "error", perr)
		}
	}

	st.Allowed = st.Session && st.PnLBounds && st.Margin && st.Drawdown && !st.Latched

	if verbose && !st.Allowed {
		switch {
		case st.Latched:
			g.throttledLog(true, "latch", "trading latched until next day")
		case !st.Session:
			g.throttledLog(true, "session", "outside trading session")
		case !st.PnLBounds:
			g.throttledLog(true, "bounds", "daily pnl bound reached", "pnl", st.DailyPnL)
		case !st.Margin:
			g.throttledLog(true, "margin", "free margin ratio below minimum")
		case !st.Drawdown:
			g.throttledLog(true, "drawdown", "drawdown limit breached",
				"equity", st.Equity, "start", st.StartEquity)
		}
	}
	return st
}

// dailyPnL is today's realized profit plus the floating profit of open
// positions.
func (g *Gate) dailyPnL(ctx context.Context, now time.Time, snap broker.AccountSnapshot) (float64, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.loc)
	realized, err := g.bk.ClosedPnLSince(ctx, dayStart)
	if err != nil {
		return 0, err
	}
	open, err := g.bk.OpenPositions(ctx, "")
	if err != nil {
		return 0, err
	}
	floating := 0.0
	for _, p := range open {
		floating += p.Profit
	}
	return realized + floating, nil
}

// BlockUntilNextDay latches trading off until the next local-day rollover.
func (g *Gate) BlockUntilNextDay(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.blockedUntilNextDay {
		g.logger.Warn("trading blocked until next day", "reason", reason)
	}
	g.blockedUntilNextDay = true
}

// MarkRolloverClosure latches the weekend/rollover closure as executed so
// the monitor closes positions only once per day.
func (g *Gate) MarkRolloverClosure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverDone = true
}

// RolloverClosureDone reports whether today's rollover closure already ran.
func (g *Gate) RolloverClosureDone() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(g.localNow())
	return g.rolloverDone
}

// LotSize applies the package formula with the gate's configured risk
// fraction and floors.
func (g *Gate) LotSize(equity, entry, stop float64, meta broker.SymbolMeta) float64 {
	return LotSize(equity, g.cfg.RiskPerTrade, entry, stop, meta, g.cfg.MinSLPips, g.cfg.MaxPositionLot)
}

// throttledLog writes at most one line per key per LogThrottle interval.
func (g *Gate) throttledLog(enabled bool, key, msg string, args ...any) {
	if !enabled {
		return
	}
	now := g.now()
	g.mu.Lock()
	last, ok := g.lastLogged[key]
	if ok && now.Sub(last) < g.cfg.LogThrottle {
		g.mu.Unlock()
		return
	}
	g.lastLogged[key] = now
	g.mu.Unlock()
	g.logger.Info(msg, args...)
}
