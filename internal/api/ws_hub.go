package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-engine/internal/audit"
	"github.com/atmx/settlement-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	TradeID   string `json:"trade_id,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Balance   string `json:"balance,omitempty"`
	At        string `json:"at"`
}

type outbound struct {
	accountID string
	data      []byte
}

// WSHub manages WebSocket connections and pushes each account's trade and
// balance events to the clients subscribed to that account only.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn → subscribed account
	broadcast  chan outbound
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
}

type subscription struct {
	conn      *websocket.Conn
	accountID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx ends. Must be called in a
// goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			metrics.WebSocketClients.Set(0)
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.accountID
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			slog.Info("ws client connected", "account_id", sub.accountID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, acct := range h.clients {
				if acct != msg.accountID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// Broadcast queues msg for its account's subscribers.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{accountID: msg.AccountID, data: data}:
	default:
		// Drop if buffer full to avoid blocking the audit worker.
	}
}

// Write makes the hub an audit.Writer so every audited event is streamed.
func (h *WSHub) Write(_ context.Context, e audit.Event) error {
	h.Broadcast(WSMessage{
		Type:      string(e.Action),
		AccountID: e.AccountID,
		TradeID:   e.TradeID,
		Amount:    e.Amount.String(),
		Balance:   e.Balance.String(),
		At:        e.At.Format(time.RFC3339Nano),
	})
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // The upstream gateway enforces origin policy.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. It must be
// mounted behind RequireAccount; the caller's account selects the stream.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	accountID := accountFrom(r)
	if accountID == "" {
		writeError(w, "missing "+accountHeader+" header", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, accountID: accountID}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. WriteControl is
	// safe alongside the hub's writes.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.Lock()
			_, ok := h.clients[conn]
			h.mu.Unlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
