package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scalp-core/internal/terminal"
)

// Terminal is the slice of the bridge client LiveBroker needs. *terminal.Client
// satisfies it; tests substitute a scripted fake.
type Terminal interface {
	Call(ctx context.Context, method string, params any) (*terminal.Response, error)
	Close() error
}

// LiveBroker adapts the terminal bridge to the Broker interface. One mutex
// serializes every call because the terminal connection is not safe for
// concurrent use, and a rate limiter paces requests so the monitor loop and
// strategy workers cannot flood the bridge.
type LiveBroker struct {
	term    Terminal
	logger  *slog.Logger
	limiter *rate.Limiter

	mu sync.Mutex

	metaMu sync.Mutex
	meta   map[string]SymbolMeta
}

// NewLive wraps the given terminal client. requestsPerSec <= 0 disables
// pacing.
func NewLive(term Terminal, requestsPerSec float64, logger *slog.Logger) *LiveBroker {
	limit := rate.Inf
	if requestsPerSec > 0 {
		limit = rate.Limit(requestsPerSec)
	}
	return &LiveBroker{
		term:    term,
		logger:  logger.With("component", "broker.live"),
		limiter: rate.NewLimiter(limit, 1),
		meta:    make(map[string]SymbolMeta),
	}
}

func (b *LiveBroker) call(ctx context.Context, method string, params any) (*terminal.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, connErr(method, "rate wait: %v", err)
	}
	resp, err := b.term.Call(ctx, method, params)
	if err != nil {
		return nil, connErr(method, "%v", err)
	}
	return resp, nil
}

// tradeCall issues a trade method and maps its retcode onto OrderError kinds.
// A nil error means the server confirmed the operation.
func (b *LiveBroker) tradeCall(ctx context.Context, method string, params any) (*terminal.Response, error) {
	resp, err := b.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	switch resp.Retcode {
	case terminal.RetcodeDone:
		return resp, nil
	case terminal.RetcodeNoChanges:
		return nil, &OrderError{Kind: KindNoChanges, Retcode: resp.Retcode, Op: method, Msg: resp.Comment}
	case terminal.RetcodeInvalidTicket, terminal.RetcodePositionClosed:
		return nil, &OrderError{Kind: KindInvalidTicket, Retcode: resp.Retcode, Op: method, Msg: resp.Comment}
	case terminal.RetcodeNoMoney:
		return nil, &OrderError{Kind: KindMarginInsufficient, Retcode: resp.Retcode, Op: method, Msg: resp.Comment}
	case terminal.RetcodeConnection:
		return nil, &OrderError{Kind: KindConnectivity, Retcode: resp.Retcode, Op: method, Msg: resp.Comment}
	default:
		msg := resp.Comment
		if msg == "" {
			msg = terminal.RetcodeText(resp.Retcode)
		}
		return nil, rejectErr(method, resp.Retcode, msg)
	}
}

func decode[T any](resp *terminal.Response, op string) (T, error) {
	var out T
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return out, connErr(op, "decode result: %v", err)
	}
	return out, nil
}

type accountDTO struct {
	Equity     float64 `json:"equity"`
	FreeMargin float64 `json:"free_margin"`
}

func (b *LiveBroker) AccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	resp, err := b.call(ctx, "account_info", nil)
	if err != nil {
		return AccountSnapshot{}, err
	}
	dto, err := decode[accountDTO](resp, "account_info")
	if err != nil {
		return AccountSnapshot{}, err
	}
	return AccountSnapshot{Equity: dto.Equity, FreeMargin: dto.FreeMargin}, nil
}

type positionDTO struct {
	Ticket   int64   `json:"ticket"`
	Symbol   string  `json:"symbol"`
	Type     string  `json:"type"` // "buy" | "sell"
	Volume   float64 `json:"volume"`
	Open     float64 `json:"price_open"`
	SL       float64 `json:"sl"`
	TP       float64 `json:"tp"`
	Magic    int64   `json:"magic"`
	Comment  string  `json:"comment"`
	OpenTime int64   `json:"time"` // unix seconds
	Profit   float64 `json:"profit"`
}

func (d positionDTO) toPosition() Position {
	side := Buy
	if d.Type == "sell" {
		side = Sell
	}
	return Position{
		Ticket:     Ticket(d.Ticket),
		Symbol:     d.Symbol,
		Side:       side,
		Volume:     d.Volume,
		EntryPrice: d.Open,
		StopLoss:   d.SL,
		TakeProfit: d.TP,
		Magic:      d.Magic,
		Comment:    d.Comment,
		OpenTime:   time.Unix(d.OpenTime, 0),
		Profit:     d.Profit,
	}
}

func (b *LiveBroker) OpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	resp, err := b.call(ctx, "positions_get", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, err
	}
	dtos, err := decode[[]positionDTO](resp, "positions_get")
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.toPosition())
	}
	return out, nil
}

type pendingDTO struct {
	Ticket int64   `json:"ticket"`
	Symbol string  `json:"symbol"`
	Type   string  `json:"type"`
	Volume float64 `json:"volume"`
	Price  float64 `json:"price_open"`
	SL     float64 `json:"sl"`
	TP     float64 `json:"tp"`
	Magic  int64   `json:"magic"`
	Setup  int64   `json:"time_setup"`
}

func (b *LiveBroker) PendingOrders(ctx context.Context, symbol string) ([]PendingOrder, error) {
	resp, err := b.call(ctx, "orders_get", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, err
	}
	dtos, err := decode[[]pendingDTO](resp, "orders_get")
	if err != nil {
		return nil, err
	}
	out := make([]PendingOrder, 0, len(dtos))
	for _, d := range dtos {
		side := Buy
		if d.Type == "sell" {
			side = Sell
		}
		out = append(out, PendingOrder{
			Ticket:     Ticket(d.Ticket),
			Symbol:     d.Symbol,
			Side:       side,
			Volume:     d.Volume,
			Price:      d.Price,
			StopLoss:   d.SL,
			TakeProfit: d.TP,
			Magic:      d.Magic,
			PlacedAt:   time.Unix(d.Setup, 0),
		})
	}
	return out, nil
}

type tickDTO struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Time int64   `json:"time_msc"`
}

func (b *LiveBroker) Tick(ctx context.Context, symbol string) (Tick, error) {
	resp, err := b.call(ctx, "symbol_info_tick", map[string]string{"symbol": symbol})
	if err != nil {
		return Tick{}, err
	}
	dto, err := decode[tickDTO](resp, "symbol_info_tick")
	if err != nil {
		return Tick{}, err
	}
	if dto.Bid <= 0 || dto.Ask <= 0 {
		return Tick{}, connErr("symbol_info_tick", "empty quote for %s", symbol)
	}
	return Tick{Bid: dto.Bid, Ask: dto.Ask, Time: time.UnixMilli(dto.Time)}, nil
}

type symbolDTO struct {
	Symbol     string  `json:"symbol"`
	Point      float64 `json:"point"`
	Digits     int     `json:"digits"`
	VolumeMin  float64 `json:"volume_min"`
	VolumeMax  float64 `json:"volume_max"`
	VolumeStep float64 `json:"volume_step"`
	TickValue  float64 `json:"trade_tick_value"`
}

func (b *LiveBroker) SymbolMeta(ctx context.Context, symbol string) (SymbolMeta, error) {
	b.metaMu.Lock()
	if m, ok := b.meta[symbol]; ok {
		b.metaMu.Unlock()
		return m, nil
	}
	b.metaMu.Unlock()

	resp, err := b.call(ctx, "symbol_info", map[string]string{"symbol": symbol})
	if err != nil {
		return SymbolMeta{}, err
	}
	dto, err := decode[symbolDTO](resp, "symbol_info")
	if err != nil {
		return SymbolMeta{}, err
	}
	if dto.Point <= 0 {
		return SymbolMeta{}, connErr("symbol_info", "bad point for %s", symbol)
	}
	// Pip is 10 points on fractional-pip quotes (3 or 5 digits), otherwise
	// equal to the point.
	pip := dto.Point
	if dto.Digits == 3 || dto.Digits == 5 {
		pip = dto.Point * 10
	}
	m := SymbolMeta{
		Symbol:     symbol,
		PipSize:    pip,
		Point:      dto.Point,
		Digits:     dto.Digits,
		VolumeMin:  dto.VolumeMin,
		VolumeMax:  dto.VolumeMax,
		VolumeStep: dto.VolumeStep,
		TickValue:  dto.TickValue,
	}
	b.metaMu.Lock()
	b.meta[symbol] = m
	b.metaMu.Unlock()
	return m, nil
}

func (b *LiveBroker) EnsureSymbol(ctx context.Context, symbol string) error {
	_, err := b.call(ctx, "symbol_select", map[string]any{"symbol": symbol, "enable": true})
	return err
}

type submitDTO struct {
	Ticket int64 `json:"order"`
}

func (b *LiveBroker) SubmitMarketOrder(ctx context.Context, req OrderRequest) (Ticket, error) {
	params := map[string]any{
		"symbol":    req.Symbol,
		"type":      string(req.Side),
		"volume":    req.Volume,
		"sl":        req.StopLoss,
		"tp":        req.TakeProfit,
		"deviation": req.Deviation,
		"magic":     req.Magic,
		"comment":   req.Comment,
	}
	resp, err := b.tradeCall(ctx, "order_send", params)
	if err != nil {
		return 0, err
	}
	dto, err := decode[submitDTO](resp, "order_send")
	if err != nil {
		return 0, err
	}
	b.logger.Info("order filled", "symbol", req.Symbol, "side", req.Side,
		"volume", req.Volume, "ticket", dto.Ticket)
	return Ticket(dto.Ticket), nil
}

func (b *LiveBroker) ModifyStopLoss(ctx context.Context, ticket Ticket, newSL float64) error {
	_, err := b.tradeCall(ctx, "position_modify", map[string]any{
		"ticket": int64(ticket),
		"sl":     newSL,
	})
	return err
}

type closeDTO struct {
	Price  float64 `json:"price"`
	Profit float64 `json:"profit"`
	Time   int64   `json:"time"`
}

func (b *LiveBroker) ClosePosition(ctx context.Context, ticket Ticket) (CloseResult, error) {
	resp, err := b.tradeCall(ctx, "position_close", map[string]any{"ticket": int64(ticket)})
	if err != nil {
		return CloseResult{}, err
	}
	dto, err := decode[closeDTO](resp, "position_close")
	if err != nil {
		return CloseResult{}, err
	}
	return CloseResult{ExitPrice: dto.Price, Profit: dto.Profit, Time: time.Unix(dto.Time, 0)}, nil
}

func (b *LiveBroker) CancelPending(ctx context.Context, ticket Ticket) error {
	_, err := b.tradeCall(ctx, "order_cancel", map[string]any{"ticket": int64(ticket)})
	return err
}

type pnlDTO struct {
	Profit float64 `json:"profit"`
}

func (b *LiveBroker) ClosedPnLSince(ctx context.Context, t time.Time) (float64, error) {
	resp, err := b.call(ctx, "history_profit", map[string]any{"from": t.Unix()})
	if err != nil {
		return 0, err
	}
	dto, err := decode[pnlDTO](resp, "history_profit")
	if err != nil {
		return 0, err
	}
	return dto.Profit, nil
}

func (b *LiveBroker) Close() error {
	return b.term.Close()
}

var _ Broker = (*LiveBroker)(nil)
