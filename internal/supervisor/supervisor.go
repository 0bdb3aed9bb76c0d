// Package supervisor owns the engine lifecycle: one worker goroutine per
// (strategy, symbol) binding plus one monitor goroutine, with an explicit
// RUNNING -> STOPPING -> STOPPED state machine and bounded-timeout shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"scalp-core/internal/broker"
	"scalp-core/internal/events"
	"scalp-core/internal/executor"
	"scalp-core/internal/metrics"
	"scalp-core/internal/risk"
	"scalp-core/internal/strategy"
	"scalp-core/internal/tracker"
	"scalp-core/internal/trailing"
)

// EngineState is the supervisor lifecycle state.
type EngineState int32

const (
	Running EngineState = iota
	Stopping
	Stopped
)

func (s EngineState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Binding pairs one strategy instance with the symbol it trades.
type Binding struct {
	Strategy strategy.Strategy
	Symbol   string
	Magic    int64
}

// Config holds the supervisor's timing knobs.
type Config struct {
	PollInterval    time.Duration
	MonitorInterval time.Duration
	JoinTimeout     time.Duration
	PendingExpiry   time.Duration
	RolloverClose   risk.Window // Friday closure window start; End unused
	Deviation       int
}

// workerRecord tracks one spawned worker. Records are replaced, not mutated,
// on respawn.
type workerRecord struct {
	binding  Binding
	stop     chan struct{}
	done     chan struct{}
	started  time.Time
	restarts int
}

// Supervisor wires the whole engine together.
type Supervisor struct {
	cfg    Config
	bk     broker.Broker
	gate   *risk.Gate
	trk    *tracker.Tracker
	exec   *executor.Executor
	trail  *trailing.Engine
	bus    *events.Bus
	met    *metrics.Set
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    EngineState
	workers  map[string]*workerRecord // key: name/symbol
	bindings []Binding

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a supervisor in the Running-pending state; nothing runs until
// Run is called.
func New(cfg Config, bk broker.Broker, gate *risk.Gate, trk *tracker.Tracker,
	exec *executor.Executor, trail *trailing.Engine, bus *events.Bus,
	met *metrics.Set, loc *time.Location, logger *slog.Logger, bindings []Binding) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		bk:       bk,
		gate:     gate,
		trk:      trk,
		exec:     exec,
		trail:    trail,
		bus:      bus,
		met:      met,
		loc:      loc,
		logger:   logger.With("component", "supervisor"),
		now:      time.Now,
		workers:  make(map[string]*workerRecord),
		bindings: bindings,
		state:    Running,
		stopped:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run spawns the workers and the monitor, then blocks until the engine
// reaches Stopped, via Stop, a kill-switch, or ctx cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, b := range s.bindings {
		if err := s.bk.EnsureSymbol(ctx, b.Symbol); err != nil {
			return fmt.Errorf("select symbol %s: %w", b.Symbol, err)
		}
		s.spawn(ctx, b, 0)
	}
	s.logger.Info("engine running", "workers", len(s.bindings))
	s.bus.Publish(events.Event{Type: events.EngineState, Detail: Running.String()})

	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		s.monitorLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		s.Stop(context.Background())
	case <-s.stopped:
	}
	<-monDone
	return nil
}

func bindingKey(b Binding) string { return b.Strategy.Name() + "/" + b.Symbol }

func (s *Supervisor) spawn(ctx context.Context, b Binding, restarts int) {
	rec := &workerRecord{
		binding:  b,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		started:  time.Now(),
		restarts: restarts,
	}
	s.mu.Lock()
	s.workers[bindingKey(b)] = rec
	s.mu.Unlock()

	go func() {
		defer close(rec.done)
		s.workerLoop(ctx, rec)
	}()
}

// workerLoop evaluates the strategy once per poll while trading is allowed
// and the symbol is unoccupied. A panic in one evaluation is caught at the
// iteration boundary and the loop carries on.
func (s *Supervisor) workerLoop(ctx context.Context, rec *workerRecord) {
	b := rec.binding
	log := s.logger.With("strategy", b.Strategy.Name(), "symbol", b.Symbol)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rec.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.evaluateOnce(ctx, b, log)
	}
}

func (s *Supervisor) evaluateOnce(ctx context.Context, b Binding, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("strategy panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if !s.gate.CanTrade(ctx, false) {
		return
	}
	if s.trk.HasOpen(b.Symbol, b.Magic) {
		return
	}

	tick, err := s.bk.Tick(ctx, b.Symbol)
	if err != nil {
		log.Warn("no tick", "error", err)
		return
	}
	meta, err := s.bk.SymbolMeta(ctx, b.Symbol)
	if err != nil {
		log.Warn("no symbol meta", "error", err)
		return
	}

	sig, err := b.Strategy.EvaluateOnce(strategy.MarketView{Symbol: b.Symbol, Tick: tick, Meta: meta})
	if err != nil {
		log.Warn("strategy evaluation failed", "error", err)
		return
	}
	if sig == nil {
		return
	}

	snap, err := s.bk.AccountSnapshot(ctx)
	if err != nil {
		log.Warn("no account snapshot for sizing", "error", err)
		return
	}
	entry := tick.Ask
	if sig.Side == broker.Sell {
		entry = tick.Bid
	}
	volume := s.gate.LotSize(snap.Equity, entry, sig.StopLoss, meta)
	if volume <= 0 {
		log.Warn("lot sizing returned zero, skipping signal", "entry", entry, "sl", sig.StopLoss)
		return
	}

	res := s.exec.Open(ctx, broker.OrderRequest{
		Symbol:     b.Symbol,
		Side:       sig.Side,
		Volume:     volume,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Deviation:  s.cfg.Deviation,
		Magic:      b.Magic,
		Comment:    sig.Tag,
	}, b.Strategy.Name())
	if res.Status == executor.StatusDone {
		log.Info("signal executed", "ticket", res.Position.Ticket, "side", sig.Side, "volume", volume)
	}
}

// monitorLoop runs reconciliation, trailing, diagnostics, pending-order
// expiry, worker health, and the two kill-switches once per interval.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopped:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.State() != Running {
			continue
		}
		s.monitorCycle(ctx)
	}
}

func (s *Supervisor) monitorCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("monitor cycle panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	st := s.gate.Evaluate(ctx, true)
	s.met.Equity.Set(st.Equity)
	if !st.Allowed {
		switch {
		case st.Latched:
			s.met.RiskDenials.WithLabelValues("latch").Inc()
		case !st.Session:
			s.met.RiskDenials.WithLabelValues("session").Inc()
		case !st.PnLBounds:
			s.met.RiskDenials.WithLabelValues("pnl_bounds").Inc()
		case !st.Margin:
			s.met.RiskDenials.WithLabelValues("margin").Inc()
		case !st.Drawdown:
			s.met.RiskDenials.WithLabelValues("drawdown").Inc()
		}
	}

	// Reconcile the shadow set against broker truth. Vanished tickets are
	// server-side SL/TP fills or manual closes; announce them here.
	if open, err := s.bk.OpenPositions(ctx, ""); err == nil {
		vanished := s.trk.Replace(open)
		for _, p := range vanished {
			s.bus.Publish(events.Event{Type: events.PositionClosed, Position: p, Detail: "external"})
		}
		s.met.PositionsOpen.Set(float64(len(open)))
		s.trail.Sweep(open)

		for _, p := range open {
			if err := s.trail.Process(ctx, p); err != nil {
				s.logger.Warn("trailing pass failed", "ticket", p.Ticket, "error", err)
			}
		}
	} else {
		s.logger.Warn("reconciliation skipped", "error", err)
	}

	s.expirePending(ctx)

	// Kill-switch 1: drawdown breach.
	if !st.Drawdown {
		s.logger.Error("drawdown kill-switch tripped, closing everything",
			"equity", st.Equity, "start", st.StartEquity)
		s.gate.BlockUntilNextDay("drawdown breach")
		s.bus.Publish(events.Event{Type: events.TradingBlocked, Detail: "drawdown breach"})
		if err := s.exec.CloseAll(ctx, "drawdown kill-switch"); err != nil {
			s.logger.Error("close-all incomplete", "error", err)
		}
		go s.Stop(context.Background())
		return
	}

	// Kill-switch 2: Friday rollover closure window.
	if s.inRolloverWindow() && !s.gate.RolloverClosureDone() {
		s.logger.Warn("rollover closure window reached, closing everything")
		s.gate.MarkRolloverClosure()
		s.bus.Publish(events.Event{Type: events.TradingBlocked, Detail: "rollover closure"})
		if err := s.exec.CloseAll(ctx, "rollover closure"); err != nil {
			s.logger.Error("close-all incomplete", "error", err)
		}
		go s.Stop(context.Background())
		return
	}

	s.respawnDead(ctx)
}

// inRolloverWindow reports whether local time is Friday at or past the
// configured closure start.
func (s *Supervisor) inRolloverWindow() bool {
	now := s.now().In(s.loc)
	if now.Weekday() != time.Friday {
		return false
	}
	return now.Hour()*60+now.Minute() >= s.cfg.RolloverClose.Start
}

// expirePending cancels pending orders older than the configured expiry.
// Brokers without native expiry leave resting orders forever otherwise.
func (s *Supervisor) expirePending(ctx context.Context) {
	if s.cfg.PendingExpiry <= 0 {
		return
	}
	pend, err := s.bk.PendingOrders(ctx, "")
	if err != nil {
		return
	}
	cutoff := s.now().Add(-s.cfg.PendingExpiry)
	for _, o := range pend {
		if o.PlacedAt.Before(cutoff) {
			if err := s.bk.CancelPending(ctx, o.Ticket); err != nil {
				if broker.KindOf(err) != broker.KindInvalidTicket {
					s.logger.Warn("pending cancel failed", "ticket", o.Ticket, "error", err)
				}
				continue
			}
			s.logger.Info("expired pending order cancelled", "ticket", o.Ticket, "symbol", o.Symbol)
		}
	}
}

// respawnDead replaces workers whose goroutine exited while the engine is
// still running.
func (s *Supervisor) respawnDead(ctx context.Context) {
	s.mu.Lock()
	var dead []*workerRecord
	for _, rec := range s.workers {
		select {
		case <-rec.done:
			dead = append(dead, rec)
		default:
		}
	}
	state := s.state
	s.mu.Unlock()

	if state != Running {
		return
	}
	for _, rec := range dead {
		s.logger.Warn("worker died, respawning",
			"strategy", rec.binding.Strategy.Name(), "symbol", rec.binding.Symbol,
			"restarts", rec.restarts+1)
		s.met.WorkerRestarts.Inc()
		s.spawn(ctx, rec.binding, rec.restarts+1)
	}
}

// Stop moves the engine to Stopping, signals every worker, joins them with
// the bounded timeout (stragglers are abandoned, not killed), and finishes
// in Stopped. Safe to call more than once.
func (s *Supervisor) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = Stopping
		recs := make([]*workerRecord, 0, len(s.workers))
		for _, rec := range s.workers {
			recs = append(recs, rec)
		}
		s.mu.Unlock()

		s.logger.Info("engine stopping", "workers", len(recs))
		s.bus.Publish(events.Event{Type: events.EngineState, Detail: Stopping.String()})

		for _, rec := range recs {
			close(rec.stop)
		}
		deadline := time.After(s.cfg.JoinTimeout)
		for _, rec := range recs {
			select {
			case <-rec.done:
			case <-deadline:
				s.logger.Warn("worker did not exit in time, abandoning",
					"strategy", rec.binding.Strategy.Name(), "symbol", rec.binding.Symbol)
			case <-ctx.Done():
			}
		}

		s.mu.Lock()
		s.state = Stopped
		s.workers = make(map[string]*workerRecord)
		s.mu.Unlock()
		s.bus.Publish(events.Event{Type: events.EngineState, Detail: Stopped.String()})
		s.logger.Info("engine stopped")
		close(s.stopped)
	})
}
