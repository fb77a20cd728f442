package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/sigcourier/internal/bus"
)

func TestHubBroadcastFanout(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	a := &Client{id: "a", hub: h, send: make(chan []byte, 4)}
	b := &Client{id: "b", hub: h, send: make(chan []byte, 4)}
	h.Register(a)
	h.Register(b)
	waitFor(t, "both clients to register", func() bool { return h.ClientCount() == 2 })

	h.Broadcast([]byte(`{"topic":"delivery.sent"}`))

	for _, c := range []*Client{a, b} {
		select {
		case msg := <-c.send:
			if !strings.Contains(string(msg), "delivery.sent") {
				t.Errorf("client %s got %q, want the broadcast frame", c.id, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client %s never received the broadcast", c.id)
		}
	}
}

func TestHubStopClosesClientChannels(t *testing.T) {
	h := NewHub()
	go h.Run()

	c := &Client{id: "a", hub: h, send: make(chan []byte, 4)}
	h.Register(c)
	waitFor(t, "the client to register", func() bool { return h.ClientCount() == 1 })

	h.Stop()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("expected the send channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel never closed after Stop")
	}
	waitFor(t, "the client count to reset", func() bool { return h.ClientCount() == 0 })
}

func TestEventsStreamsDeliveryEvents(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})
	go s.hub.Run()

	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()
	defer s.hub.Stop()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	waitFor(t, "the client to register", func() bool { return s.hub.ClientCount() == 1 })

	s.forwardEvent(bus.Event{
		Topic:     "delivery.sent",
		Data:      map[string]any{"phone": "+27821110000", "transport": "primary"},
		Timestamp: time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var frame struct {
		Topic string         `json:"topic"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		t.Fatalf("failed to decode frame %q: %v", msg, err)
	}
	if frame.Topic != "delivery.sent" {
		t.Errorf("topic = %q, want delivery.sent", frame.Topic)
	}
	if got := frame.Data["phone"]; got != "+27821110000" {
		t.Errorf("phone = %v, want +27821110000", got)
	}
}

func TestEventsRejectsBadToken(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})
	go s.hub.Run()

	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()
	defer s.hub.Stop()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	header := http.Header{"Authorization": []string{"Bearer wrong-token"}}

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("expected the dial to fail")
	}
	if resp == nil {
		t.Fatal("expected a handshake response")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}
