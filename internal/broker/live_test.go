package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scalp-core/internal/terminal"
)

// scriptedTerminal replays canned responses per method and records calls.
type scriptedTerminal struct {
	mu    sync.Mutex
	resp  map[string]*terminal.Response
	errs  map[string]error
	calls []string
}

func newScripted() *scriptedTerminal {
	return &scriptedTerminal{
		resp: make(map[string]*terminal.Response),
		errs: make(map[string]error),
	}
}

func (s *scriptedTerminal) Call(_ context.Context, method string, _ any) (*terminal.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, method)
	if err, ok := s.errs[method]; ok {
		return nil, err
	}
	if r, ok := s.resp[method]; ok {
		return r, nil
	}
	return &terminal.Response{Retcode: terminal.RetcodeDone, Result: json.RawMessage(`{}`)}, nil
}

func (s *scriptedTerminal) Close() error { return nil }

func (s *scriptedTerminal) set(method string, retcode int, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp[method] = &terminal.Response{Retcode: retcode, Result: json.RawMessage(result)}
}

func newLive(term Terminal) *LiveBroker {
	return NewLive(term, 0, testLogger())
}

func TestLiveRetcodeMapping(t *testing.T) {
	tests := []struct {
		name    string
		retcode int
		want    ErrorKind
	}{
		{"requote rejects", terminal.RetcodeRequote, KindRejected},
		{"dealer reject", terminal.RetcodeReject, KindRejected},
		{"market closed rejects", terminal.RetcodeMarketClosed, KindRejected},
		{"invalid stops rejects", terminal.RetcodeInvalidStops, KindRejected},
		{"no money is margin", terminal.RetcodeNoMoney, KindMarginInsufficient},
		{"invalid ticket", terminal.RetcodeInvalidTicket, KindInvalidTicket},
		{"position closed is invalid ticket", terminal.RetcodePositionClosed, KindInvalidTicket},
		{"no changes", terminal.RetcodeNoChanges, KindNoChanges},
		{"server connection lost", terminal.RetcodeConnection, KindConnectivity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			term := newScripted()
			term.set("order_send", tt.retcode, `{}`)
			b := newLive(term)
			_, err := b.SubmitMarketOrder(context.Background(), OrderRequest{Symbol: "EURUSD", Side: Buy, Volume: 0.1})
			if err == nil {
				t.Fatal("want error")
			}
			if got := KindOf(err); got != tt.want {
				t.Fatalf("kind = %v, want %v", got, tt.want)
			}
			var oe *OrderError
			if !errors.As(err, &oe) || oe.Retcode != tt.retcode {
				t.Fatalf("retcode not carried: %v", err)
			}
		})
	}
}

func TestLiveTransportErrorIsConnectivity(t *testing.T) {
	term := newScripted()
	term.errs["order_send"] = errors.New("broken pipe")
	b := newLive(term)
	_, err := b.SubmitMarketOrder(context.Background(), OrderRequest{Symbol: "EURUSD", Side: Buy, Volume: 0.1})
	if KindOf(err) != KindConnectivity {
		t.Fatalf("kind = %v, want connectivity", KindOf(err))
	}
}

func TestLiveSubmitReturnsTicket(t *testing.T) {
	term := newScripted()
	term.set("order_send", terminal.RetcodeDone, `{"order": 12345}`)
	b := newLive(term)
	ticket, err := b.SubmitMarketOrder(context.Background(), OrderRequest{Symbol: "EURUSD", Side: Buy, Volume: 0.1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ticket != 12345 {
		t.Fatalf("ticket = %d, want 12345", ticket)
	}
}

func TestLivePipDerivation(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		wantPip float64
	}{
		{
			name:    "five digit quote",
			result:  `{"symbol":"EURUSD","point":0.00001,"digits":5,"volume_min":0.01,"volume_max":100,"volume_step":0.01,"trade_tick_value":1}`,
			wantPip: 0.0001,
		},
		{
			name:    "three digit jpy quote",
			result:  `{"symbol":"USDJPY","point":0.001,"digits":3,"volume_min":0.01,"volume_max":100,"volume_step":0.01,"trade_tick_value":0.9}`,
			wantPip: 0.01,
		},
		{
			name:    "four digit quote",
			result:  `{"symbol":"EURUSD","point":0.0001,"digits":4,"volume_min":0.01,"volume_max":100,"volume_step":0.01,"trade_tick_value":10}`,
			wantPip: 0.0001,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			term := newScripted()
			term.set("symbol_info", terminal.RetcodeDone, tt.result)
			b := newLive(term)
			meta, err := b.SymbolMeta(context.Background(), "X")
			if err != nil {
				t.Fatalf("meta: %v", err)
			}
			if meta.PipSize != tt.wantPip {
				t.Fatalf("pip = %v, want %v", meta.PipSize, tt.wantPip)
			}
		})
	}
}

func TestLiveSymbolMetaCached(t *testing.T) {
	term := newScripted()
	term.set("symbol_info", terminal.RetcodeDone,
		`{"symbol":"EURUSD","point":0.00001,"digits":5,"volume_min":0.01,"volume_max":100,"volume_step":0.01,"trade_tick_value":1}`)
	b := newLive(term)
	for i := 0; i < 3; i++ {
		if _, err := b.SymbolMeta(context.Background(), "EURUSD"); err != nil {
			t.Fatalf("meta: %v", err)
		}
	}
	term.mu.Lock()
	calls := len(term.calls)
	term.mu.Unlock()
	if calls != 1 {
		t.Fatalf("symbol_info called %d times, want 1", calls)
	}
}

func TestLivePositionsDecode(t *testing.T) {
	term := newScripted()
	term.set("positions_get", terminal.RetcodeDone,
		`[{"ticket":7,"symbol":"EURUSD","type":"sell","volume":0.2,"price_open":1.1,"sl":1.11,"tp":1.08,"magic":9,"time":1756000000,"profit":-3.5}]`)
	b := newLive(term)
	got, err := b.OpenPositions(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	p := got[0]
	if p.Ticket != 7 || p.Side != Sell || p.Volume != 0.2 || p.Magic != 9 {
		t.Fatalf("position = %+v", p)
	}
	if !p.OpenTime.Equal(time.Unix(1756000000, 0)) {
		t.Fatalf("open time = %v", p.OpenTime)
	}
}

// overlapTerminal fails the test if two Call invocations ever run at once.
type overlapTerminal struct {
	inFlight atomic.Int32
	overlaps atomic.Int32
}

func (o *overlapTerminal) Call(_ context.Context, _ string, _ any) (*terminal.Response, error) {
	if o.inFlight.Add(1) > 1 {
		o.overlaps.Add(1)
	}
	time.Sleep(time.Millisecond)
	o.inFlight.Add(-1)
	return &terminal.Response{Retcode: terminal.RetcodeDone,
		Result: json.RawMessage(`{"bid":1.1,"ask":1.1002,"time_msc":1756000000000}`)}, nil
}

func (o *overlapTerminal) Close() error { return nil }

func TestLiveSerializesBridgeCalls(t *testing.T) {
	term := &overlapTerminal{}
	b := newLive(term)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := b.Tick(context.Background(), "EURUSD"); err != nil {
					t.Errorf("tick: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if n := term.overlaps.Load(); n != 0 {
		t.Fatalf("observed %d overlapping bridge calls", n)
	}
}

func TestCachedQuotesServesFreshTicks(t *testing.T) {
	term := newScripted()
	term.set("symbol_info_tick", terminal.RetcodeDone, `{"bid":1.1,"ask":1.1002,"time_msc":1756000000000}`)
	b := WithQuoteCache(newLive(term), time.Minute)

	for i := 0; i < 5; i++ {
		tick, err := b.Tick(context.Background(), "EURUSD")
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		if tick.Bid != 1.1 {
			t.Fatalf("bid = %v", tick.Bid)
		}
	}
	term.mu.Lock()
	calls := len(term.calls)
	term.mu.Unlock()
	if calls != 1 {
		t.Fatalf("tick fetched %d times, want 1 with caching", calls)
	}
}
