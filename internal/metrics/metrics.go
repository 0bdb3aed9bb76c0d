// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"scalp-core/internal/events"
)

// Set groups every collector the engine publishes.
type Set struct {
	OrdersTotal    *prometheus.CounterVec
	PositionsOpen  prometheus.Gauge
	RealizedPnL    prometheus.Counter
	RealizedLoss   prometheus.Counter
	StopMoves      prometheus.Counter
	WorkerRestarts prometheus.Counter
	RiskDenials    *prometheus.CounterVec
	Equity         prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalp_orders_total",
			Help: "Order submissions by outcome.",
		}, []string{"status"}),
		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scalp_positions_open",
			Help: "Currently tracked open positions.",
		}),
		RealizedPnL: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scalp_realized_profit_total",
			Help: "Sum of positive realized PnL.",
		}),
		RealizedLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scalp_realized_loss_total",
			Help: "Sum of negative realized PnL magnitudes.",
		}),
		StopMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scalp_stop_moves_total",
			Help: "Confirmed stop-loss modifications.",
		}),
		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scalp_worker_restarts_total",
			Help: "Strategy worker respawns by the supervisor.",
		}),
		RiskDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalp_risk_denials_total",
			Help: "can-trade denials by failing condition.",
		}, []string{"condition"}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scalp_account_equity",
			Help: "Last observed account equity.",
		}),
	}
	reg.MustRegister(s.OrdersTotal, s.PositionsOpen, s.RealizedPnL, s.RealizedLoss,
		s.StopMoves, s.WorkerRestarts, s.RiskDenials, s.Equity)
	return s
}

// Observe updates counters from one bus event. Wire it to a subscription:
//
//	ch, _ := bus.Subscribe(256)
//	go func() { for ev := range ch { set.Observe(ev) } }()
func (s *Set) Observe(ev events.Event) {
	switch ev.Type {
	case events.PositionOpened:
		s.OrdersTotal.WithLabelValues("done").Inc()
	case events.OrderRejected:
		s.OrdersTotal.WithLabelValues("rejected").Inc()
	case events.PositionClosed:
		if ev.Position.Profit >= 0 {
			s.RealizedPnL.Add(ev.Position.Profit)
		} else {
			s.RealizedLoss.Add(-ev.Position.Profit)
		}
	case events.StopModified:
		s.StopMoves.Inc()
	}
}
