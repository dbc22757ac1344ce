package httpserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/logging"
	"github.com/chadiek/memoir-glasses/internal/presence"
	"github.com/chadiek/memoir-glasses/internal/speech"
)

// Message kinds pushed to the live feed.
const (
	MsgPreview  = "preview"
	MsgPresence = "presence"
	MsgFace     = "face"
	MsgState    = "state"
)

// Message is one live feed frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	clientBuffer = 32
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

type client struct {
	send chan []byte
}

// Hub fans live updates out to every connected UI. Broadcast never blocks;
// a client that cannot keep up is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	last    map[string][]byte
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logging.Component("hub"),
		clients:  make(map[*client]struct{}),
		last:     make(map[string][]byte),
	}
}

// Broadcast sends a message to every client and remembers it so late
// joiners get the latest value of each kind.
func (h *Hub) Broadcast(kind string, data any) {
	b, err := json.Marshal(Message{Type: kind, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("type", kind).Msg("marshal live message")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[kind] = b
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.logger.Debug().Msg("slow live client dropped")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Preview publishes the live transcript.
func (h *Hub) Preview(p speech.Preview) { h.Broadcast(MsgPreview, p) }

// Presence publishes the face-in-view flag.
func (h *Hub) Presence(present bool) {
	h.Broadcast(MsgPresence, map[string]bool{"present": present})
}

// Draw implements presence.Overlay by pushing the face box to the UI,
// which draws it over the camera view. A nil candidate clears it.
func (h *Hub) Draw(c *presence.Candidate) error {
	if c == nil {
		h.Broadcast(MsgFace, nil)
		return nil
	}
	h.Broadcast(MsgFace, c.Detection)
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams messages until the peer leaves.
func (h *Hub) ServeWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("live feed upgrade failed")
		return nil
	}
	cl := &client{send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	for _, kind := range []string{MsgState, MsgPresence, MsgFace, MsgPreview} {
		if b, ok := h.last[kind]; ok {
			cl.send <- b
		}
	}
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.logger.Info().Str("remote", c.RealIP()).Msg("live client connected")

	go h.readPump(conn, cl)
	h.writePump(conn, cl)
	return nil
}

// readPump discards client frames and unregisters on disconnect.
func (h *Hub) readPump(conn *websocket.Conn, cl *client) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Msg("recovered from panic in readPump")
		}
		h.remove(cl)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		h.remove(cl)
	}()
	for {
		select {
		case b, ok := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
}
