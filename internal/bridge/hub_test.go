package bridge

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil)
	r := gin.New()
	r.GET("/ws", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m ServerMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func subscribe(t *testing.T, conn *websocket.Conn, event string) {
	t.Helper()
	if err := conn.WriteJSON(ClientMessage{Op: OpSubscribe, Event: event}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := readMsg(t, conn)
	if ack.Op != OpSubscribe || !ack.OK || ack.Event != event {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestHub_SubscribeSignalsReadinessAndReceivesEvents(t *testing.T) {
	hub, srv := newTestServer(t)

	var mu sync.Mutex
	var ready []string
	hub.OnReady = func(event string) {
		mu.Lock()
		ready = append(ready, event)
		mu.Unlock()
	}

	if err := hub.Emit("callAnswered", nil); !errors.Is(err, ErrNoListener) {
		t.Fatalf("expected ErrNoListener, got %v", err)
	}

	conn := dial(t, srv)
	subscribe(t, conn, "callAnswered")

	if !hub.HasActiveListener("callAnswered") || hub.HasActiveListener("callEnded") {
		t.Fatalf("unexpected listener state")
	}
	mu.Lock()
	if len(ready) != 1 || ready[0] != "callAnswered" {
		t.Fatalf("expected readiness signal, got %v", ready)
	}
	mu.Unlock()

	if err := hub.Emit("callAnswered", map[string]string{"connectionId": "c1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	m := readMsg(t, conn)
	if m.Event != "callAnswered" || m.Payload["connectionId"] != "c1" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestHub_UnsubscribeAndDisconnectDropListener(t *testing.T) {
	hub, srv := newTestServer(t)
	conn := dial(t, srv)
	subscribe(t, conn, "callEnded")

	if err := conn.WriteJSON(ClientMessage{Op: OpUnsubscribe, Event: "callEnded"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack := readMsg(t, conn); ack.Op != OpUnsubscribe || !ack.OK {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if hub.HasActiveListener("callEnded") {
		t.Fatalf("listener must be gone after unsubscribe")
	}

	subscribe(t, conn, "callEnded")
	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.HasActiveListener("callEnded") {
		if time.Now().After(deadline) {
			t.Fatalf("listener must be gone after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_RejectsBadOps(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dial(t, srv)

	_ = conn.WriteJSON(ClientMessage{Op: "publish", Event: "x"})
	if m := readMsg(t, conn); m.Error != "unsupported op" {
		t.Fatalf("unexpected reply %+v", m)
	}
	_ = conn.WriteJSON(ClientMessage{Op: OpSubscribe})
	if m := readMsg(t, conn); m.Error == "" {
		t.Fatalf("expected error for missing event")
	}
}

func TestHub_PresenterEmitsIncomingCall(t *testing.T) {
	hub, srv := newTestServer(t)
	conn := dial(t, srv)
	subscribe(t, conn, EventIncomingCall)

	err := hub.PresentNotification(context.Background(), "c1", "Call #7", map[string]string{"bookingId": "7"})
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	m := readMsg(t, conn)
	if m.Event != EventIncomingCall || m.Payload["displayName"] != "Call #7" || m.Payload["bookingId"] != "7" {
		t.Fatalf("unexpected message %+v", m)
	}
	if err := hub.DismissNotification(context.Background(), "c1"); err != nil {
		t.Fatalf("dismiss without listener must not fail: %v", err)
	}
}
