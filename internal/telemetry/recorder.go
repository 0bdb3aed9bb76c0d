// Package telemetry records trade lifecycle events into the journal. It sits
// behind the event bus on its own goroutine: a full disk or locked database
// slows nothing on the trading path, and every persistence failure is logged
// and swallowed.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scalp-core/internal/events"
	"scalp-core/pkg/db"
)

// Recorder drains one bus subscription into the journal.
type Recorder struct {
	journal *db.Journal
	logger  *slog.Logger

	stop func()
	wg   sync.WaitGroup
}

// Start subscribes to bus and begins recording. Call Stop to drain and
// detach.
func Start(bus *events.Bus, journal *db.Journal, logger *slog.Logger) *Recorder {
	r := &Recorder{
		journal: journal,
		logger:  logger.With("component", "telemetry"),
	}
	ch, unsub := bus.Subscribe(256)
	r.stop = unsub
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range ch {
			r.record(ev)
		}
	}()
	return r
}

func (r *Recorder) record(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch ev.Type {
	case events.PositionOpened:
		p := ev.Position
		_, err = r.journal.RecordOpen(ctx, db.TradeRecord{
			Ticket:     int64(p.Ticket),
			Symbol:     p.Symbol,
			Side:       string(p.Side),
			Volume:     p.Volume,
			EntryPrice: p.EntryPrice,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
			Magic:      p.Magic,
			Strategy:   ev.Strategy,
			OpenTime:   p.OpenTime,
		})
	case events.PositionClosed:
		p := ev.Position
		err = r.journal.RecordClose(ctx, int64(p.Ticket), p.ExitPrice, p.Profit, p.ExitTime, ev.Detail)
	case events.StopModified:
		err = r.journal.RecordStopMove(ctx, int64(ev.Position.Ticket), ev.Position.StopLoss, ev.Time)
	default:
		return
	}
	if err != nil {
		r.logger.Warn("journal write failed", "type", ev.Type, "error", err)
	}
}

// Stop unsubscribes and waits for the drain goroutine to finish.
func (r *Recorder) Stop() {
	r.stop()
	r.wg.Wait()
}
