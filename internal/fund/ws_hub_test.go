package fund

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_FundFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dialHub(t, srv, "")
	one := dialHub(t, srv, "?fund_id=f1")
	waitClients(t, hub, 2)

	hub.Broadcast(WSMessage{Type: EventDepositMade, FundID: "f2", Amount: 1})
	hub.Broadcast(WSMessage{Type: EventDepositMade, FundID: "f1", Amount: 2})

	var msg WSMessage
	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := all.ReadJSON(&msg); err != nil || msg.FundID != "f2" {
		t.Fatalf("unfiltered client: expected f2 first, got %+v (%v)", msg, err)
	}
	one.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := one.ReadJSON(&msg); err != nil || msg.FundID != "f1" || msg.Amount != 2 {
		t.Fatalf("filtered client: expected f1, got %+v (%v)", msg, err)
	}
}

func TestWSHub_ShutdownClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn := dialHub(t, srv, "")
	waitClients(t, hub, 1)

	cancel()
	<-stopped
	if hub.Clients() != 0 {
		t.Errorf("expected no clients after shutdown, got %d", hub.Clients())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
}
