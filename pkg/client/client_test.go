package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/hookrelay/pkg/hub"
	"github.com/codeGROOVE-dev/hookrelay/pkg/security"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockServer speaks the relay feed protocol. After confirming a
// subscription it runs script, then holds the connection until the client
// goes away.
type mockServer struct {
	server      *httptest.Server
	script      func(ws *websocket.Conn)
	connections atomic.Int32
	mu          sync.Mutex
	subs        []map[string]any
}

func newMockServer(t *testing.T, script func(ws *websocket.Conn)) *mockServer {
	t.Helper()
	m := &mockServer{script: script}
	ws := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			m.connections.Add(1)
			var sub map[string]any
			if err := websocket.JSON.Receive(ws, &sub); err != nil {
				return
			}
			m.mu.Lock()
			m.subs = append(m.subs, sub)
			m.mu.Unlock()
			if err := websocket.JSON.Send(ws, map[string]any{"type": "subscription_confirmed", "repository": sub["repository"]}); err != nil {
				return
			}
			if m.script != nil {
				m.script(ws)
			}
			var discard any
			for websocket.JSON.Receive(ws, &discard) == nil { //nolint:revive // drain until close
			}
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws.ServeHTTP(w, r)
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockServer) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Token: "t"}); err == nil {
		t.Error("missing server URL must fail")
	}
	if _, err := New(Config{ServerURL: "ws://x/ws"}); err == nil {
		t.Error("missing token must fail")
	}
	c, err := New(Config{ServerURL: "ws://x/ws", Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if c.config.Repository != "*" {
		t.Errorf("default repository = %q, want *", c.config.Repository)
	}
}

func TestStopMultipleCalls(t *testing.T) {
	client, err := New(Config{
		ServerURL:   "ws://127.0.0.1:1/ws",
		Token:       "test-token",
		NoReconnect: true,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = client.Start(ctx) //nolint:errcheck // connection failure is expected
	}()
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Stop()
		}()
	}
	wg.Wait()
}

func TestStopBeforeStart(t *testing.T) {
	client, err := New(Config{ServerURL: "ws://127.0.0.1:1/ws", Token: "t", Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Start(ctx); err == nil {
		t.Error("Start after Stop must return an error")
	}
}

func TestClientConnectAndReceiveEvents(t *testing.T) {
	mock := newMockServer(t, func(ws *websocket.Conn) {
		websocket.JSON.Send(ws, map[string]any{ //nolint:errcheck // test server
			"timestamp":    "2026-01-02T03:04:05Z",
			"repository":   "portfolio_v2",
			"kind":         "push",
			"text":         "New push to main by Ana:\nBranch: main\nMessage: fix bug\nLink: http://x/1",
			"delivery_id":  "d-1",
			"destinations": 2,
			"failed":       1,
		})
	})

	events := make(chan Event, 1)
	connected := make(chan struct{}, 1)
	c, err := New(Config{
		ServerURL:  mock.url(),
		Token:      "good",
		Repository: "portfolio_v2",
		Kinds:      []string{"push"},
		Logger:     quietLogger(),
		OnConnect:  func() { connected <- struct{}{} },
		OnEvent:    func(e Event) { events <- e },
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx) //nolint:errcheck // stopped by cancel
	defer c.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}

	select {
	case e := <-events:
		if e.Repository != "portfolio_v2" || e.Kind != "push" || e.DeliveryID != "d-1" {
			t.Errorf("event = %+v", e)
		}
		if e.Destinations != 2 || e.Failed != 1 {
			t.Errorf("destinations=%d failed=%d", e.Destinations, e.Failed)
		}
		if !e.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
			t.Errorf("timestamp = %s", e.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	mock.mu.Lock()
	sub := mock.subs[0]
	mock.mu.Unlock()
	if sub["repository"] != "portfolio_v2" {
		t.Errorf("subscription = %v", sub)
	}
	if c.EventCount() != 1 {
		t.Errorf("EventCount = %d", c.EventCount())
	}
}

func TestClientRespondsToServerPings(t *testing.T) {
	pongs := make(chan map[string]any, 1)
	mock := newMockServer(t, func(ws *websocket.Conn) {
		if err := websocket.JSON.Send(ws, map[string]any{"type": "ping", "seq": 3}); err != nil {
			return
		}
		var pong map[string]any
		if err := websocket.JSON.Receive(ws, &pong); err == nil {
			pongs <- pong
		}
	})

	c, err := New(Config{ServerURL: mock.url(), Token: "good", Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx) //nolint:errcheck // stopped by cancel
	defer c.Stop()

	select {
	case pong := <-pongs:
		if pong["type"] != "pong" || pong["seq"] != float64(3) {
			t.Errorf("pong = %v", pong)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
	if c.EventCount() != 0 {
		t.Error("pings must not count as events")
	}
}

func TestClientReconnection(t *testing.T) {
	mock := newMockServer(t, func(ws *websocket.Conn) {
		ws.Close()
	})

	c, err := New(Config{
		ServerURL:  mock.url(),
		Token:      "good",
		MaxBackoff: 10 * time.Millisecond,
		MaxRetries: 3,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if n := mock.connections.Load(); n != 3 {
		t.Errorf("connections = %d, want 3", n)
	}
}

func TestClientAuthenticationError(t *testing.T) {
	mock := newMockServer(t, nil)

	var disconnects atomic.Int32
	c, err := New(Config{
		ServerURL:    mock.url(),
		Token:        "bad",
		MaxBackoff:   10 * time.Millisecond,
		Logger:       quietLogger(),
		OnDisconnect: func(error) { disconnects.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err == nil {
		t.Fatal("expected authentication error")
	}
	if ctx.Err() != nil {
		t.Error("authentication failure must not be retried until the deadline")
	}
	if n := disconnects.Load(); n != 0 {
		t.Errorf("retried %d times after authentication failure", n)
	}
}

func TestClientAgainstRelayHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.NewHub(nil)
	go h.Run(ctx)
	limiter := security.NewConnectionLimiter(5, 5)
	defer limiter.Stop()
	server := httptest.NewServer(hub.NewWebSocketHandler(h, limiter, "watch"))
	defer server.Close()

	events := make(chan Event, 1)
	connected := make(chan struct{}, 1)
	c, err := New(Config{
		ServerURL:  "ws" + strings.TrimPrefix(server.URL, "http"),
		Token:      "watch",
		Repository: "abovo-web-employers",
		Logger:     quietLogger(),
		OnConnect:  func() { connected <- struct{}{} },
		OnEvent:    func(e Event) { events <- e },
	})
	if err != nil {
		t.Fatal(err)
	}
	go c.Start(ctx) //nolint:errcheck // stopped by cancel
	defer c.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Broadcast(hub.Event{Repository: "abovo-web-employers", Kind: "pull_request", Text: "Pull request by bob:", Timestamp: time.Now()})

	select {
	case e := <-events:
		if e.Kind != "pull_request" || e.Text != "Pull request by bob:" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event from hub")
	}
}
