package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kaldi-serve/internal/models"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_StreamsCompletions(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewRouter(&fakeService{}, nil, hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 1 })

	hub.Broadcast(context.Background(), models.NewResponse("op1", nil, "no model for fr"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.Response
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.OperationName != "op1" || got.Error == nil || *got.Error != "no model for fr" {
		t.Errorf("unexpected notification: %+v", got)
	}

	hub.Close()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close after hub shutdown")
	}
	if hub.Clients() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.Clients())
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewRouter(&fakeService{}, nil, hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return hub.Clients() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 0 })

	// Broadcasting with no clients is a no-op.
	hub.Broadcast(context.Background(), models.NewResponse("op2", nil, ""))
}

func TestRouter_NoHub(t *testing.T) {
	h := NewRouter(&fakeService{}, nil, nil)
	if rec := serve(t, h, "GET", "/v1/events", ""); rec.Code != 404 {
		t.Errorf("expected 404 without hub, got %d", rec.Code)
	}
}
