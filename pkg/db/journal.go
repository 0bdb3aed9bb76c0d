package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TradeRecord is one journal row.
type TradeRecord struct {
	ID          string
	Ticket      int64
	Symbol      string
	Side        string
	Volume      float64
	EntryPrice  float64
	StopLoss    float64
	TakeProfit  float64
	Magic       int64
	Strategy    string
	OpenTime    time.Time
	ExitPrice   sql.NullFloat64
	CloseTime   sql.NullInt64
	Profit      sql.NullFloat64
	CloseReason sql.NullString
}

// Journal is the write/read surface over the trades tables.
type Journal struct {
	conn *sql.DB
}

func NewJournal(conn *sql.DB) *Journal { return &Journal{conn: conn} }

// RecordOpen inserts a new trade row and returns its id.
func (j *Journal) RecordOpen(ctx context.Context, r TradeRecord) (string, error) {
	id := uuid.NewString()
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO trades (id, ticket, symbol, side, volume, entry_price,
			stop_loss, take_profit, magic, strategy, open_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.Ticket, r.Symbol, r.Side, r.Volume, r.EntryPrice,
		r.StopLoss, r.TakeProfit, r.Magic, r.Strategy, r.OpenTime.Unix())
	if err != nil {
		return "", err
	}
	return id, nil
}

// RecordClose finalizes the most recent open row for a ticket. It is safe to
// call for tickets the journal never saw opened; that is a no-op.
func (j *Journal) RecordClose(ctx context.Context, ticket int64, exitPrice, profit float64, at time.Time, reason string) error {
	_, err := j.conn.ExecContext(ctx, `
		UPDATE trades SET exit_price = ?, close_time = ?, profit = ?, close_reason = ?
		WHERE ticket = ? AND close_time IS NULL`,
		exitPrice, at.Unix(), profit, reason, ticket)
	return err
}

// RecordStopMove appends one stop-loss adjustment.
func (j *Journal) RecordStopMove(ctx context.Context, ticket int64, sl float64, at time.Time) error {
	_, err := j.conn.ExecContext(ctx,
		`INSERT INTO stop_moves (ticket, stop_loss, moved_at) VALUES (?, ?, ?)`,
		ticket, sl, at.Unix())
	return err
}

// RecentTrades returns the newest limit rows, most recent first.
func (j *Journal) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT id, ticket, symbol, side, volume, entry_price, stop_loss,
			take_profit, magic, strategy, open_time, exit_price, close_time,
			profit, close_reason
		FROM trades ORDER BY open_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var r TradeRecord
		var openUnix int64
		if err := rows.Scan(&r.ID, &r.Ticket, &r.Symbol, &r.Side, &r.Volume,
			&r.EntryPrice, &r.StopLoss, &r.TakeProfit, &r.Magic, &r.Strategy,
			&openUnix, &r.ExitPrice, &r.CloseTime, &r.Profit, &r.CloseReason); err != nil {
			return nil, err
		}
		r.OpenTime = time.Unix(openUnix, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClosedProfitSince sums realized profit for trades closed at or after t.
func (j *Journal) ClosedProfitSince(ctx context.Context, t time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := j.conn.QueryRow(`
		SELECT SUM(profit) FROM trades WHERE close_time IS NOT NULL AND close_time >= ?`,
		t.Unix()).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Float64, nil
}
