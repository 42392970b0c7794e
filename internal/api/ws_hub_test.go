package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/audit"
)

// newHubServer serves the API routes with a running hub on a real listener.
func newHubServer(t *testing.T) (*api.WSHub, string) {
	t.Helper()
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewHandler(nil, nil, hub).Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
}

// wsClient reads every message on its own goroutine.
type wsClient struct {
	msgs chan api.WSMessage
}

func dial(t *testing.T, url, accountID string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Account-ID": {accountID}})
	if err != nil {
		t.Fatalf("dial as %s: %v", accountID, err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{msgs: make(chan api.WSMessage, 64)}
	go func() {
		defer close(c.msgs)
		for {
			var msg api.WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			c.msgs <- msg
		}
	}()
	return c
}

// next returns the client's next message or fails after a timeout.
func (c *wsClient) next(t *testing.T) api.WSMessage {
	t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			t.Fatal("connection closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return api.WSMessage{}
}

// deliver writes ev until c receives a message tagged with ev.TradeID.
// Registration is asynchronous, so the first writes may reach nobody.
func deliver(t *testing.T, hub *api.WSHub, c *wsClient, ev audit.Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	hub.Write(context.Background(), ev)
	for {
		select {
		case msg, ok := <-c.msgs:
			if !ok {
				t.Fatal("connection closed")
			}
			if msg.TradeID == ev.TradeID {
				return
			}
		case <-tick.C:
			hub.Write(context.Background(), ev)
		case <-deadline:
			t.Fatalf("event %s never delivered to %s", ev.TradeID, ev.AccountID)
		}
	}
}

func TestWS_RequiresAccountHeader(t *testing.T) {
	_, url := newHubServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to be refused without X-Account-ID")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestWS_StreamsOnlyOwnAccount(t *testing.T) {
	hub, url := newHubServer(t)
	a := dial(t, url, "acc-a")
	b := dial(t, url, "acc-b")

	deliver(t, hub, b, audit.Event{Action: audit.ActionDeposit, AccountID: "acc-b", TradeID: "warm-b"})
	deliver(t, hub, a, audit.Event{Action: audit.ActionTradeWon, AccountID: "acc-a", TradeID: "win-a"})
	hub.Write(context.Background(), audit.Event{Action: audit.ActionDeposit, AccountID: "acc-b", TradeID: "marker"})

	for {
		msg := b.next(t)
		if msg.AccountID != "acc-b" {
			t.Fatalf("acc-b received an event for %s: %+v", msg.AccountID, msg)
		}
		if msg.TradeID == "marker" {
			return
		}
	}
}
