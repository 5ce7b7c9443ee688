package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// droppable push types: cosmetic stream deltas may be shed under
// backpressure; boundary events never are.
var droppableEvents = map[string]bool{
	"stream.text_delta":     true,
	"stream.thinking_delta": true,
}

// Hub owns all websocket connections and fans server pushes out to
// them. It implements the orchestrator's EventSink.
type Hub struct {
	registry *Registry
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*Conn]bool

	pushBuffer int
}

func NewHub(registry *Registry, pushBuffer int) *Hub {
	if pushBuffer <= 0 {
		pushBuffer = 256
	}

	return &Hub{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:      make(map[*Conn]bool),
		pushBuffer: pushBuffer,
	}
}

// Conn is one client connection with a bounded send queue. The send
// channel is never closed; done signals teardown so publishers cannot
// race a closing connection.
type Conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// ServeHTTP upgrades the request and starts the read/write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade", "error", err)

		return
	}

	conn := &Conn{
		hub:  h,
		ws:   ws,
		send: make(chan []byte, h.pushBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()

	// Let the client know the channel is live.
	conn.enqueue(mustMarshal(newPushEvent("system.connected", nil)), false)

	go conn.writePump()

	// The request context dies when ServeHTTP returns; dispatches live
	// as long as the connection does.
	go conn.readPump(context.Background())
}

func (h *Hub) remove(conn *Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Publish fans one event out to every connection. For a given session
// events are published from a single orchestrator goroutine, so
// per-connection queue order matches occurrence order.
func (h *Hub) Publish(sessionID, eventType string, data any) {
	payload := data
	if m, ok := data.(map[string]any); ok {
		if _, exists := m["session_id"]; !exists {
			m["session_id"] = sessionID
		}
		payload = m
	}

	raw := mustMarshal(newPushEvent(eventType, payload))
	droppable := droppableEvents[eventType]

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(raw, droppable)
	}
}

// enqueue queues a frame for delivery. Droppable frames are shed when
// the buffer is full; boundary frames block until there is room or the
// connection tears down.
func (c *Conn) enqueue(raw []byte, droppable bool) {
	if droppable {
		select {
		case c.send <- raw:
		case <-c.done:
		default:
		}

		return
	}

	select {
	case c.send <- raw:
	case <-c.done:
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.hub.remove(c)
		close(c.done)
	})
}

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.close()
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read", "error", err)
			}

			return
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.enqueue(mustMarshal(errorResponse("", "INVALID_PARAMS", "malformed request frame")), false)

			continue
		}

		// Dispatch concurrently so a slow method (agent.prompt) never
		// blocks agent.abort on the same connection.
		go func() {
			resp := c.hub.registry.Dispatch(ctx, &req)
			c.enqueue(mustMarshal(resp), false)
		}()
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case raw := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			c.ws.WriteMessage(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal push frame", "error", err)

		return []byte("{}")
	}

	return raw
}
