package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"scalp-core/internal/api"
	"scalp-core/internal/broker"
	"scalp-core/internal/events"
	"scalp-core/internal/executor"
	"scalp-core/internal/metrics"
	"scalp-core/internal/risk"
	"scalp-core/internal/strategy"
	"scalp-core/internal/supervisor"
	"scalp-core/internal/telemetry"
	"scalp-core/internal/terminal"
	"scalp-core/internal/tracker"
	"scalp-core/internal/trailing"
	"scalp-core/pkg/config"
	"scalp-core/pkg/db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	loc := cfg.Location()
	logger.Info("starting", "mode", cfg.Mode, "timezone", cfg.Timezone,
		"strategies", len(cfg.Strategies))

	bk, err := buildBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer bk.Close()

	// Startup connectivity probe: a dead terminal is fatal here, only here.
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	snap, err := bk.AccountSnapshot(probeCtx)
	cancelProbe()
	if err != nil {
		return fmt.Errorf("terminal unreachable: %w", err)
	}
	logger.Info("terminal connected", "equity", snap.Equity)

	bus := events.NewBus(logger)
	defer bus.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	met := metrics.New(reg)
	metCh, metUnsub := bus.Subscribe(256)
	defer metUnsub()
	go func() {
		for ev := range metCh {
			met.Observe(ev)
		}
	}()

	var journal *db.Journal
	if cfg.DBPath != "" {
		conn, err := db.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer conn.Close()
		journal = db.NewJournal(conn)
		rec := telemetry.Start(bus, journal, logger)
		defer rec.Stop()
	}

	trk := tracker.New(logger)
	gate := risk.NewGate(cfg.Risk, bk, loc, logger)
	exec := executor.New(bk, trk, bus, logger)
	trail := trailing.NewEngine(cfg.Trailing, bk, exec, logger)

	bindings := make([]supervisor.Binding, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		strat, err := strategy.Build(sc.Name, sc.Params, logger)
		if err != nil {
			return err
		}
		bindings = append(bindings, supervisor.Binding{
			Strategy: strat,
			Symbol:   sc.Symbol,
			Magic:    sc.Magic,
		})
	}

	rollover, err := risk.ParseWindow(cfg.RolloverClose + "-23:59")
	if err != nil {
		return fmt.Errorf("ROLLOVER_CLOSE: %w", err)
	}
	sup := supervisor.New(supervisor.Config{
		PollInterval:    cfg.PollInterval,
		MonitorInterval: cfg.MonitorInterval,
		JoinTimeout:     cfg.JoinTimeout,
		PendingExpiry:   cfg.PendingExpiry,
		RolloverClose:   rollover,
		Deviation:       cfg.Deviation,
	}, bk, gate, trk, exec, trail, bus, met, loc, logger, bindings)

	srv := api.NewServer(cfg.APIAddr, cfg.JWTSecret, sup, gate, trk, exec, journal, reg, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return sup.Run(ctx)
}

func buildBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Mode {
	case "sim":
		sim := broker.NewSim(broker.SimConfig{InitialBalance: 10000}, logger)
		// Paper symbols for a dry run; real backtests drive SimBroker from
		// their own bar feed.
		sim.RegisterSymbol(broker.SymbolMeta{
			Symbol: "EURUSD", PipSize: 0.0001, Point: 0.00001, Digits: 5,
			VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01, TickValue: 1,
		})
		sim.Step(broker.Snapshot{
			Time:  time.Now(),
			Ticks: map[string]broker.Tick{"EURUSD": {Bid: 1.1000, Ask: 1.1001, Time: time.Now()}},
		})
		return sim, nil
	case "live":
		term := terminal.NewClient(terminal.Config{
			URL:            cfg.BridgeURL,
			RequestTimeout: cfg.RequestTimeout,
		}, logger)
		live := broker.NewLive(term, cfg.BridgeRateLimit, logger)
		return broker.WithQuoteCache(live, 500*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
