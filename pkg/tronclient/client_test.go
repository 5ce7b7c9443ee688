package tronclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer echoes requests as successful responses and can push
// events to connected clients.
type fakeServer struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	// silent suppresses responses so Call times out.
	silent bool
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, ws)
	s.mu.Unlock()

	go func() {
		for {
			var req Request
			if err := ws.ReadJSON(&req); err != nil {
				return
			}

			if s.silent {
				continue
			}

			resp := map[string]any{
				"id":      req.ID,
				"success": true,
				"result":  map[string]any{"method": req.Method},
			}
			s.mu.Lock()
			ws.WriteJSON(resp) //nolint:errcheck
			s.mu.Unlock()
		}
	}()
}

func (s *fakeServer) push(ev PushEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ws := range s.conns {
		ws.WriteJSON(ev) //nolint:errcheck
	}
}

func startFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()

	srv := &fakeServer{}
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)

	return srv, "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

func TestCallRoundTrip(t *testing.T) {
	_, url := startFakeServer(t)

	c := New(Config{URL: url, RequestTimeout: 2 * time.Second})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	raw, err := c.Call(context.Background(), "session.list", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["method"] != "session.list" {
		t.Errorf("unexpected result %v", result)
	}
}

func TestCallTimeout(t *testing.T) {
	srv, url := startFakeServer(t)
	srv.silent = true

	c := New(Config{URL: url, RequestTimeout: 100 * time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err := c.Call(context.Background(), "session.list", nil)

	var respErr *ResponseError
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if ok := errors.As(err, &respErr); !ok || respErr.Code != CodeRPCTimeout {
		t.Errorf("expected RPC_TIMEOUT, got %v", err)
	}
}

func TestSubscribeDispatch(t *testing.T) {
	srv, url := startFakeServer(t)

	c := New(Config{URL: url})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	typed := make(chan PushEvent, 1)
	wildcard := make(chan PushEvent, 1)

	c.Subscribe("turn.ended", func(ev PushEvent) { typed <- ev })
	unsub := c.Subscribe(Wildcard, func(ev PushEvent) { wildcard <- ev })

	srv.push(PushEvent{Type: "turn.ended", Timestamp: "2026-01-01T00:00:00Z"})

	select {
	case ev := <-typed:
		if ev.Type != "turn.ended" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typed subscription never fired")
	}

	select {
	case <-wildcard:
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard subscription never fired")
	}

	// Unsubscribed handlers stay quiet.
	unsub()
	srv.push(PushEvent{Type: "turn.started"})

	select {
	case <-wildcard:
		t.Fatal("unsubscribed handler fired")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClosedClientRejectsCalls(t *testing.T) {
	_, url := startFakeServer(t)

	c := New(Config{URL: url})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := c.Call(context.Background(), "session.list", nil)

	var respErr *ResponseError
	if !errors.As(err, &respErr) || respErr.Code != CodeConnectionClosed {
		t.Errorf("expected CONNECTION_CLOSED, got %v", err)
	}
}
