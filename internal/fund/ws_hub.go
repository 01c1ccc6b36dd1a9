package fund

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/defunds/fund-engine/internal/metrics"
)

// Event types pushed to websocket clients.
const (
	EventFundCreated         = "fund_created"
	EventFundUpdated         = "fund_updated"
	EventDepositMade         = "deposit_made"
	EventWithdrawalMade      = "withdrawal_made"
	EventWithdrawalInitiated = "withdrawal_initiated"
	EventWithdrawalLeg       = "withdrawal_leg"
	EventWithdrawalFinalized = "withdrawal_finalized"
	EventWithdrawalAbandoned = "withdrawal_abandoned"
	EventTradeExecuted       = "trade_executed"
	EventInvestorsPaid       = "investors_paid"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WSMessage is one committed fund event as sent to websocket clients.
type WSMessage struct {
	Type       string `json:"type"`
	FundID     string `json:"fund_id"`
	Investor   string `json:"investor,omitempty"`
	Asset      string `json:"asset,omitempty"`
	Amount     uint64 `json:"amount,omitempty"`
	Shares     uint64 `json:"shares,omitempty"`
	SharePrice string `json:"share_price,omitempty"`
}

// wsClient is a connection, optionally subscribed to a single fund.
type wsClient struct {
	conn   *websocket.Conn
	fundID string
}

func (c *wsClient) wants(msg WSMessage) bool {
	return c.fundID == "" || c.fundID == msg.FundID
}

// WSHub fans committed fund events out to websocket clients. A single
// goroutine (Run) owns every data write; pings go through WriteControl.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	events chan WSMessage
	join   chan *wsClient
	leave  chan *wsClient
	done   chan struct{}
}

// NewWSHub creates a hub. Call Run before serving HandleWS.
func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		events:  make(chan WSMessage, 256),
		join:    make(chan *wsClient),
		leave:   make(chan *wsClient),
		done:    make(chan struct{}),
	}
}

// Run delivers events until ctx is done, then closes every client.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
			}
			clear(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Debug("ws client joined", "fund", c.fundID, "clients", n)

		case c := <-h.leave:
			h.remove(c)

		case msg := <-h.events:
			h.deliver(msg)
		}
	}
}

func (h *WSHub) deliver(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws encode failed", "type", msg.Type, "err", err)
		return
	}

	var dead []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			dead = append(dead, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range dead {
		h.remove(c)
	}
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

func (h *WSHub) connected(c *wsClient) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[c]
	return ok
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg without blocking; it is dropped when the queue is
// full.
func (h *WSHub) Broadcast(msg WSMessage) {
	select {
	case h.events <- msg:
	default:
		slog.Warn("ws event dropped", "type", msg.Type, "fund", msg.FundID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS handles GET /api/v1/ws. An optional ?fund_id= limits the feed
// to one fund.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	c := &wsClient{conn: conn, fundID: r.URL.Query().Get("fund_id")}
	select {
	case h.join <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(c)
	go h.pingLoop(c)
}

// readPump discards inbound frames and notices disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.leave <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) pingLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if !h.connected(c) {
			return
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}
