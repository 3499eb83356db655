package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*Bus, string) {
	t.Helper()
	bus := NewBus()
	h := NewHub(bus)
	go h.Run()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHubBroadcastsPublishedEvents(t *testing.T) {
	bus, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration races the publish; give the hub a moment to admit us.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(OrderFilled, "ord-1", "pf-1", map[string]string{"k": "v"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != OrderFilled || ev.EntityID != "ord-1" {
		t.Errorf("got %s/%s, want order_filled/ord-1", ev.Type, ev.EntityID)
	}
}

func TestHubSurvivesClientDisconnect(t *testing.T) {
	bus, url := startHub(t)

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	time.Sleep(50 * time.Millisecond)
	first.Close()
	time.Sleep(50 * time.Millisecond)

	// Broadcasting after a teardown must still reach the survivor.
	bus.Publish(PositionClosed, "pos-1", "pf-1", nil)

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("read on surviving client: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != PositionClosed {
		t.Errorf("got %s, want position_closed", ev.Type)
	}
}
