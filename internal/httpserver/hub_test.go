package httpserver

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/memoir-glasses/internal/config"
	"github.com/chadiek/memoir-glasses/internal/presence"
	"github.com/chadiek/memoir-glasses/internal/speech"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(NewServer(config.Config{}, &fakeService{}, hub).Router)
	t.Cleanup(ts.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("bad message %s: %v", b, err)
	}
	return m
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ReplaysLatestThenStreams(t *testing.T) {
	hub := NewHub()
	hub.Presence(false)
	hub.Presence(true)

	conn := dialHub(t, hub)
	m := readMessage(t, conn)
	if m["type"] != MsgPresence || m["data"].(map[string]any)["present"] != true {
		t.Fatalf("expected latest presence replayed, got %v", m)
	}
	waitClients(t, hub, 1)

	hub.Preview(speech.Preview{Finalized: "hello", Interim: "there", Mic: "live", Voice: true})
	m = readMessage(t, conn)
	data := m["data"].(map[string]any)
	if m["type"] != MsgPreview || data["finalized"] != "hello" || data["mic"] != "live" || data["voice"] != true {
		t.Fatalf("unexpected preview %v", m)
	}
}

func TestHub_OverlayDrawAndClear(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)
	waitClients(t, hub, 1)

	var overlay presence.Overlay = hub
	c := presence.Candidate{Detection: presence.Detection{X: 1, Y: 2, Width: 30, Height: 40, Score: 0.9}, Area: 1200}
	if err := overlay.Draw(&c); err != nil {
		t.Fatalf("draw: %v", err)
	}
	m := readMessage(t, conn)
	if m["type"] != MsgFace || m["data"].(map[string]any)["width"] != float64(30) {
		t.Fatalf("unexpected face message %v", m)
	}
	_ = overlay.Draw(nil)
	if m := readMessage(t, conn); m["type"] != MsgFace || m["data"] != nil {
		t.Fatalf("expected clear, got %v", m)
	}
}

func TestHub_ClientLeaves(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)
	waitClients(t, hub, 1)
	_ = conn.Close()
	waitClients(t, hub, 0)
	hub.Broadcast(MsgState, map[string]bool{"active": false})
}
