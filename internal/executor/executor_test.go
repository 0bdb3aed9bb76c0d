package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"scalp-core/internal/broker"
	"scalp-core/internal/events"
	"scalp-core/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	sim  *broker.SimBroker
	trk  *tracker.Tracker
	bus  *events.Bus
	exec *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger()
	sim := broker.NewSim(broker.SimConfig{InitialBalance: 10000}, log)
	sim.RegisterSymbol(broker.SymbolMeta{
		Symbol: "EURUSD", PipSize: 0.0001, Point: 0.00001, Digits: 5,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01, TickValue: 1,
	})
	sim.Step(broker.Snapshot{
		Time:  time.Unix(1756000000, 0),
		Ticks: map[string]broker.Tick{"EURUSD": {Bid: 1.1000, Ask: 1.1002}},
	})
	trk := tracker.New(log)
	bus := events.NewBus(log)
	t.Cleanup(bus.Close)
	return &fixture{sim: sim, trk: trk, bus: bus, exec: New(sim, trk, bus, log)}
}

func (f *fixture) openBuy(t *testing.T) broker.Position {
	t.Helper()
	res := f.exec.Open(context.Background(), broker.OrderRequest{
		Symbol: "EURUSD", Side: broker.Buy, Volume: 0.10,
		StopLoss: 1.0980, TakeProfit: 1.1060, Magic: 7,
	}, "test")
	if res.Status != StatusDone {
		t.Fatalf("open status = %v (%s)", res.Status, res.Reason)
	}
	return res.Position
}

func TestOpenRegistersAndAnnounces(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(8)
	defer unsub()

	pos := f.openBuy(t)
	if pos.EntryPrice != 1.1002 {
		t.Fatalf("entry = %v, want broker fill price 1.1002", pos.EntryPrice)
	}
	if !f.trk.HasOpen("EURUSD", 7) {
		t.Fatal("open position must be registered with the tracker")
	}
	ev := <-ch
	if ev.Type != events.PositionOpened || ev.Position.Ticket != pos.Ticket {
		t.Fatalf("event = %+v, want PositionOpened for %d", ev, pos.Ticket)
	}
}

func TestOpenRejectionClassified(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Open(context.Background(), broker.OrderRequest{
		Symbol: "EURUSD", Side: broker.Buy, Volume: 0.10,
		StopLoss: 1.2000, // wrong side
	}, "test")
	if res.Status != StatusRejected {
		t.Fatalf("status = %v, want rejected", res.Status)
	}
	if f.trk.Count() != 0 {
		t.Fatal("rejected order must not register a position")
	}
}

func TestModifyStopLossAntiChatter(t *testing.T) {
	f := newFixture(t)
	pos := f.openBuy(t)
	ctx := context.Background()

	// First tightening goes through.
	if err := f.exec.ModifyStopLoss(ctx, pos.Ticket, 1.0995); err != nil {
		t.Fatalf("modify: %v", err)
	}
	got, _ := f.trk.Get(pos.Ticket)
	if got.StopLoss != 1.0995 {
		t.Fatalf("tracker sl = %v, want 1.0995", got.StopLoss)
	}

	tests := []struct {
		name string
		sl   float64
	}{
		{"same level", 1.0995},
		{"less favorable", 1.0990},
		{"sub-point improvement", 1.0995 + 0.000005},
		{"zero stop", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.exec.ModifyStopLoss(ctx, pos.Ticket, tt.sl); err != nil {
				t.Fatalf("modify must be a silent no-op, got %v", err)
			}
			got, _ := f.trk.Get(pos.Ticket)
			if got.StopLoss != 1.0995 {
				t.Fatalf("sl moved to %v, want untouched 1.0995", got.StopLoss)
			}
		})
	}
}

func TestModifyStopLossUnknownTicketIsSuccess(t *testing.T) {
	f := newFixture(t)
	if err := f.exec.ModifyStopLoss(context.Background(), 424242, 1.1); err != nil {
		t.Fatalf("unknown ticket must be a no-op, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	f := newFixture(t)
	pos := f.openBuy(t)
	ctx := context.Background()

	if err := f.exec.Close(ctx, pos.Ticket, "test"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.exec.Close(ctx, pos.Ticket, "test"); err != nil {
		t.Fatalf("second close must succeed as no-op, got %v", err)
	}
	if f.trk.Count() != 0 {
		t.Fatal("closed position must leave the tracker")
	}
	if trades := f.sim.ClosedTrades(); len(trades) != 1 {
		t.Fatalf("broker closed %d times, want 1", len(trades))
	}
}

func TestConcurrentCloseFinalizesOnce(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(64)
	defer unsub()
	pos := f.openBuy(t)
	<-ch // drain the open event

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.exec.Close(context.Background(), pos.Ticket, "race"); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
	}
	wg.Wait()
	unsub()

	closedEvents := 0
	for ev := range ch {
		if ev.Type == events.PositionClosed {
			closedEvents++
		}
	}
	if closedEvents != 1 {
		t.Fatalf("%d close events, want exactly 1", closedEvents)
	}
	if trades := f.sim.ClosedTrades(); len(trades) != 1 {
		t.Fatalf("%d broker closures, want exactly 1", len(trades))
	}
}
