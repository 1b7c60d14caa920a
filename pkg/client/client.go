package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"
)

// AuthenticationError is a rejected credential. It stops reconnection.
type AuthenticationError struct {
	message string
}

func (e *AuthenticationError) Error() string {
	return e.message
}

const (
	msgTypeField = "type"

	// Longer than the server ping interval so an idle feed is not a timeout.
	readTimeout = 90 * time.Second

	confirmTimeout = 5 * time.Second
)

// Event is a dispatch report received from the relay.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Raw          map[string]any `json:"-"`
	Repository   string         `json:"repository"`
	Kind         string         `json:"kind"`
	Text         string         `json:"text"`
	DeliveryID   string         `json:"delivery_id"`
	Destinations int            `json:"destinations"`
	Failed       int            `json:"failed"`
}

// Config holds the configuration for the client.
type Config struct {
	Logger       *slog.Logger
	OnDisconnect func(error)
	OnEvent      func(Event)
	OnConnect    func()
	ServerURL    string
	Token        string
	Repository   string
	Kinds        []string
	MaxBackoff   time.Duration
	PingInterval time.Duration
	MaxRetries   int
	NoReconnect  bool
}

// Client is a live feed watcher with automatic reconnection.
type Client struct {
	logger     *slog.Logger
	ws         *websocket.Conn
	stopCh     chan struct{}
	stoppedCh  chan struct{}
	config     Config
	mu         sync.Mutex
	stopOnce   sync.Once
	started    atomic.Bool
	eventCount atomic.Int64
}

// New validates config and creates a client.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("serverURL is required")
	}
	if config.Token == "" {
		return nil, errors.New("token is required")
	}
	if config.Repository == "" {
		config.Repository = "*"
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Client{
		config:    config,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		logger:    logger,
	}, nil
}

// Start connects and reads events until ctx ends, Stop is called, or
// reconnection gives up.
func (c *Client) Start(ctx context.Context) error {
	c.started.Store(true)
	defer close(c.stoppedCh)

	opts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("connection lost", "error", err, "events_received", c.eventCount.Load(), "attempt", n+1)
			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(err error) bool {
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				return false
			}
			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}
	switch {
	case c.config.NoReconnect:
		opts = append(opts, retry.Attempts(1))
	case c.config.MaxRetries > 0:
		opts = append(opts, retry.Attempts(uint(c.config.MaxRetries))) //nolint:gosec // user-configured, small
	default:
		opts = append(opts, retry.UntilSucceeded())
	}

	return retry.Do(func() error {
		select {
		case <-ctx.Done():
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}
		c.logger.Info("connecting to relay", "url", c.config.ServerURL, "repository", c.config.Repository)
		return c.connect(ctx)
	}, opts...)
}

// Stop closes the connection and waits for Start to return. It is safe to
// call more than once, and before Start.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	if c.ws != nil {
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("error closing websocket on shutdown", "error", err)
		}
	}
	c.mu.Unlock()
	if c.started.Load() {
		<-c.stoppedCh
	}
}

// EventCount returns the number of events received so far.
func (c *Client) EventCount() int64 {
	return c.eventCount.Load()
}

func (c *Client) connect(ctx context.Context) error {
	origin := "http://localhost/"
	if strings.HasPrefix(c.config.ServerURL, "wss://") {
		origin = "https://localhost/"
	}
	wsConfig, err := websocket.NewConfig(c.config.ServerURL, origin)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("config: %w", err))
	}
	wsConfig.Header.Set("Authorization", "Bearer "+c.config.Token)

	ws, err := websocket.DialConfig(wsConfig)
	if err != nil {
		// The relay only refuses the upgrade for bad credentials.
		var dialErr *websocket.DialError
		if errors.As(err, &dialErr) && errors.Is(dialErr.Err, websocket.ErrBadStatus) {
			c.logger.Error("authentication failed; check the watch token", "error", err)
			return retry.Unrecoverable(&AuthenticationError{message: fmt.Sprintf("relay refused the connection: %v", err)})
		}
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		if err := ws.Close(); err != nil {
			c.logger.Debug("failed to close websocket cleanly", "error", err)
		}
	}()

	// Stop may have run between dial and storing ws.
	select {
	case <-c.stopCh:
		return errors.New("stop requested")
	default:
	}

	sub := map[string]any{"repository": c.config.Repository}
	if len(c.config.Kinds) > 0 {
		sub["kinds"] = c.config.Kinds
	}
	if err := websocket.JSON.Send(ws, sub); err != nil {
		return fmt.Errorf("write subscription: %w", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(confirmTimeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	var first map[string]any
	if err := websocket.JSON.Receive(ws, &first); err != nil {
		return fmt.Errorf("failed to read subscription response: %w", err)
	}

	switch first[msgTypeField] {
	case "subscription_confirmed":
		c.logger.Info("subscription confirmed", "repository", first["repository"], "kinds", first["kinds"])
	case "error":
		code, _ := first["error"].(string)      //nolint:errcheck // type assertion, not error
		message, _ := first["message"].(string) //nolint:errcheck // type assertion, not error
		if code == "invalid_subscription" {
			return retry.Unrecoverable(fmt.Errorf("subscription rejected: %s", message))
		}
		return fmt.Errorf("subscription rejected: %s - %s", code, message)
	default:
		return fmt.Errorf("unexpected subscription response: %v", first)
	}

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.sendPings(pingCtx, ws)

	return c.readEvents(ctx, ws)
}

func (c *Client) sendPings(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			if err := websocket.JSON.Send(ws, map[string]any{msgTypeField: "ping", "seq": seq}); err != nil {
				c.logger.Debug("failed to send keep-alive ping", "error", err)
				return
			}
		}
	}
}

func (c *Client) readEvents(ctx context.Context, ws *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("failed to set read timeout: %w", err)
		}
		var msg map[string]any
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch msg[msgTypeField] {
		case "ping":
			pong := map[string]any{msgTypeField: "pong", "seq": msg["seq"]}
			if err := websocket.JSON.Send(ws, pong); err != nil {
				return fmt.Errorf("error sending pong response: %w", err)
			}
			continue
		case "pong":
			continue
		}

		ev := decodeEvent(msg)
		n := c.eventCount.Add(1)
		c.logger.Info("dispatch",
			"event_number", n,
			"repository", ev.Repository,
			"kind", ev.Kind,
			"destinations", ev.Destinations,
			"failed", ev.Failed)

		if c.config.OnEvent != nil {
			c.config.OnEvent(ev)
		}
	}
}

func decodeEvent(msg map[string]any) Event {
	ev := Event{Raw: msg}
	ev.Repository, _ = msg["repository"].(string)  //nolint:errcheck // type assertion, not error
	ev.Kind, _ = msg["kind"].(string)              //nolint:errcheck // type assertion, not error
	ev.Text, _ = msg["text"].(string)              //nolint:errcheck // type assertion, not error
	ev.DeliveryID, _ = msg["delivery_id"].(string) //nolint:errcheck // type assertion, not error
	if n, ok := msg["destinations"].(float64); ok {
		ev.Destinations = int(n)
	}
	if n, ok := msg["failed"].(float64); ok {
		ev.Failed = int(n)
	}
	if ts, ok := msg["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
	}
	return ev
}
