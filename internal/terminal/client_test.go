package terminal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bridgeServer upgrades to websocket and answers each request via handle.
func bridgeServer(t *testing.T, handle func(req request) []Response) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			for _, resp := range handle(req) {
				if err := conn.WriteJSON(resp); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCallRoundTrip(t *testing.T) {
	srv := bridgeServer(t, func(req request) []Response {
		if req.Method != "account_info" {
			t.Errorf("method = %q", req.Method)
		}
		return []Response{{ID: req.ID, Result: json.RawMessage(`{"equity": 1000}`)}}
	})
	c := NewClient(Config{URL: wsURL(srv)}, testLogger())
	defer c.Close()

	resp, err := c.Call(context.Background(), "account_info", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var body struct {
		Equity float64 `json:"equity"`
	}
	if err := json.Unmarshal(resp.Result, &body); err != nil || body.Equity != 1000 {
		t.Fatalf("result = %s (%v)", resp.Result, err)
	}
}

func TestCallSkipsStaleFrames(t *testing.T) {
	srv := bridgeServer(t, func(req request) []Response {
		return []Response{
			{ID: req.ID + 1000}, // unsolicited
			{ID: req.ID, Retcode: RetcodeDone},
		}
	})
	c := NewClient(Config{URL: wsURL(srv)}, testLogger())
	defer c.Close()

	resp, err := c.Call(context.Background(), "order_send", map[string]any{"symbol": "EURUSD"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Retcode != RetcodeDone {
		t.Fatalf("retcode = %d", resp.Retcode)
	}
}

func TestCallSurfacesBridgeError(t *testing.T) {
	srv := bridgeServer(t, func(req request) []Response {
		return []Response{{ID: req.ID, Error: "terminal not initialized"}}
	})
	c := NewClient(Config{URL: wsURL(srv)}, testLogger())
	defer c.Close()

	if _, err := c.Call(context.Background(), "symbol_info", nil); err == nil {
		t.Fatal("want bridge error")
	}
}

func TestCallRedialsAfterDrop(t *testing.T) {
	var drops atomic.Int32
	srv := bridgeServer(t, func(req request) []Response {
		if drops.Add(1) == 1 {
			return nil // no reply; read deadline will drop the connection
		}
		return []Response{{ID: req.ID, Retcode: RetcodeDone}}
	})
	c := NewClient(Config{URL: wsURL(srv), RequestTimeout: 200 * time.Millisecond}, testLogger())
	defer c.Close()

	if _, err := c.Call(context.Background(), "ping", nil); err == nil {
		t.Fatal("first call should time out")
	}
	resp, err := c.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("second call should redial: %v", err)
	}
	if resp.Retcode != RetcodeDone {
		t.Fatalf("retcode = %d", resp.Retcode)
	}
}

func TestDialFailure(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/terminal", RequestTimeout: 200 * time.Millisecond}, testLogger())
	defer c.Close()
	if _, err := c.Call(context.Background(), "ping", nil); err == nil {
		t.Fatal("want dial error")
	}
}

func TestRetcodeText(t *testing.T) {
	if RetcodeText(RetcodeDone) != "done" {
		t.Fatal("done text")
	}
	if RetcodeText(99999) != "unknown retcode" {
		t.Fatal("unknown text")
	}
}
