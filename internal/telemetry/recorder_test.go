package telemetry

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"scalp-core/internal/broker"
	"scalp-core/internal/events"
	"scalp-core/pkg/db"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openJournal(t *testing.T) (*db.Journal, *sql.DB) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return db.NewJournal(conn), conn
}

func TestRecorderPersistsLifecycle(t *testing.T) {
	journal, _ := openJournal(t)
	bus := events.NewBus(testLogger())
	rec := Start(bus, journal, testLogger())

	pos := broker.Position{
		Ticket:     41,
		Symbol:     "EURUSD",
		Side:       broker.Buy,
		Volume:     0.10,
		EntryPrice: 1.1002,
		StopLoss:   1.0980,
		TakeProfit: 1.1060,
		Magic:      7,
		OpenTime:   time.Unix(1756000000, 0),
	}
	bus.Publish(events.Event{Type: events.PositionOpened, Position: pos, Strategy: "test"})

	pos.StopLoss = 1.1002
	bus.Publish(events.Event{Type: events.StopModified, Position: pos})

	pos.ExitPrice = 1.1060
	pos.ExitTime = pos.OpenTime.Add(time.Hour)
	pos.Profit = 58
	bus.Publish(events.Event{Type: events.PositionClosed, Position: pos, Detail: "tp"})

	// Unrelated event types are ignored.
	bus.Publish(events.Event{Type: events.EngineState, Detail: "running"})

	rec.Stop() // drains the buffered subscription before returning

	rows, err := journal.RecentTrades(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	r := rows[0]
	if r.Ticket != 41 || r.Strategy != "test" {
		t.Fatalf("row = %+v", r)
	}
	if !r.Profit.Valid || r.Profit.Float64 != 58 {
		t.Fatalf("profit = %+v", r.Profit)
	}
	if !r.CloseReason.Valid || r.CloseReason.String != "tp" {
		t.Fatalf("reason = %+v", r.CloseReason)
	}
}

func TestRecorderSwallowsJournalFailures(t *testing.T) {
	journal, conn := openJournal(t)
	bus := events.NewBus(testLogger())
	rec := Start(bus, journal, testLogger())

	conn.Close() // every write from here on fails

	bus.Publish(events.Event{Type: events.PositionOpened, Position: broker.Position{
		Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 0.10, OpenTime: time.Now(),
	}, Strategy: "test"})
	bus.Publish(events.Event{Type: events.PositionClosed, Position: broker.Position{
		Ticket: 1, ExitTime: time.Now(),
	}, Detail: "manual"})

	// The failures must stay inside the recorder: Stop drains and returns.
	rec.Stop()
}
