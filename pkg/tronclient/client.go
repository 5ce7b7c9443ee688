// Package tronclient speaks the engine's persistent RPC channel: one
// bidirectional websocket carrying request/response envelopes and
// server-pushed events.
package tronclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Error codes surfaced by the client itself.
const (
	CodeRPCTimeout       = "RPC_TIMEOUT"
	CodeConnectionClosed = "CONNECTION_CLOSED"
)

// Request is one call envelope.
type Request struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Response answers one request.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the typed failure half of a response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// PushEvent is a server-initiated frame without an id.
type PushEvent struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventHandler consumes one pushed event.
type EventHandler func(ev PushEvent)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Config tunes the client connection.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://127.0.0.1:8080/ws".
	URL string

	// RequestTimeout bounds each Call unless the context is tighter.
	RequestTimeout time.Duration

	// MaxReconnectAttempts bounds the reconnect loop; 0 means 10.
	MaxReconnectAttempts int

	// ReconnectBackoff is the initial backoff, doubled per attempt and
	// capped at MaxBackoff.
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
}

func (c *Config) defaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Client is one persistent connection with pending-request tracking
// and event subscriptions.
type Client struct {
	cfg Config

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan *Response
	subs    map[string]map[uint64]EventHandler
	subSeq  uint64

	nextID atomic.Uint64
	closed atomic.Bool
}

func New(cfg Config) *Client {
	cfg.defaults()

	return &Client{
		cfg:     cfg,
		pending: make(map[string]chan *Response),
		subs:    make(map[string]map[uint64]EventHandler),
	}
}

// Connect dials the endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()

	go c.readLoop(ws)

	return nil
}

// Close disconnects intentionally (code 1000); no reconnect follows.
func (c *Client) Close() error {
	c.closed.Store(true)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ws == nil {
		return nil
	}

	c.ws.WriteMessage(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	err := c.ws.Close()
	c.ws = nil

	c.rejectPending(CodeConnectionClosed, "connection closed")

	return err
}

// Call sends one request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := fmt.Sprintf("req_%d", c.nextID.Add(1))

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Request{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, &ResponseError{Code: CodeConnectionClosed, Message: "connection closed"}
		}
		if !resp.Success {
			if resp.Error != nil {
				return nil, resp.Error
			}

			return nil, errors.New("request failed")
		}

		return resp.Result, nil
	case <-timer.C:
		return nil, &ResponseError{Code: CodeRPCTimeout, Message: fmt.Sprintf("%s timed out after %s", method, c.cfg.RequestTimeout)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallInto decodes the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params map[string]any, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}

	return nil
}

// Subscribe registers a handler for one event type (or Wildcard) and
// returns the unsubscribe function.
func (c *Client) Subscribe(eventType string, fn EventHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subSeq++
	seq := c.subSeq

	if c.subs[eventType] == nil {
		c.subs[eventType] = make(map[uint64]EventHandler)
	}
	c.subs[eventType][seq] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[eventType], seq)
	}
}

func (c *Client) write(req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ws == nil {
		return &ResponseError{Code: CodeConnectionClosed, Message: "not connected"}
	}

	return c.ws.WriteJSON(req)
}

// frame is the union of response and push shapes on the wire.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`

	Type      string          `json:"type,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (c *Client) readLoop(ws *websocket.Conn) {
	var closeErr error

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			closeErr = err

			break
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Debug("malformed server frame", "error", err)

			continue
		}

		switch {
		case f.ID != "":
			success := f.Success != nil && *f.Success
			c.deliver(&Response{ID: f.ID, Success: success, Result: f.Result, Error: f.Error})
		case f.Type != "":
			c.dispatch(PushEvent{Type: f.Type, Timestamp: f.Timestamp, Data: f.Data})
		}
	}

	c.rejectPending(CodeConnectionClosed, "connection closed")

	// Close code 1000 or an intentional local Close suppresses the
	// reconnect loop; anything else retries with backoff.
	if c.closed.Load() || websocket.IsCloseError(closeErr, websocket.CloseNormalClosure) {
		return
	}

	c.reconnect()
}

func (c *Client) deliver(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
}

func (c *Client) dispatch(ev PushEvent) {
	c.mu.Lock()
	handlers := make([]EventHandler, 0, 4)
	for _, fn := range c.subs[ev.Type] {
		handlers = append(handlers, fn)
	}
	for _, fn := range c.subs[Wildcard] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// rejectPending fails every in-flight request with one uniform error.
func (c *Client) rejectPending(code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.pending {
		select {
		case ch <- &Response{ID: id, Success: false, Error: &ResponseError{Code: code, Message: message}}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) reconnect() {
	backoff := c.cfg.ReconnectBackoff

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if c.closed.Load() {
			return
		}

		time.Sleep(backoff)

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			slog.Info("reconnected", "attempt", attempt)

			return
		}

		slog.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
	}

	slog.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxReconnectAttempts)
}
