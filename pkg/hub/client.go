package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
)

// Client is a connected watcher. Run is the only goroutine that writes to
// the connection; the read loop in the WebSocket handler only reads.
type Client struct {
	conn         *websocket.Conn
	send         chan Event
	control      chan map[string]any
	done         chan struct{}
	ID           string
	subscription Subscription
	closeOnce    sync.Once
}

// NewClient creates a new client.
func NewClient(id string, sub Subscription, conn *websocket.Conn) *Client {
	return &Client{
		ID:           id,
		subscription: sub,
		conn:         conn,
		send:         make(chan Event, 100),
		control:      make(chan map[string]any, 5),
		done:         make(chan struct{}),
	}
}

// Run writes events, control messages and periodic pings until the client
// closes or ctx ends.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pingSeq int64
	fields := logger.Fields{"client_id": c.ID}

	for {
		select {
		case <-ctx.Done():
			logger.Debug(ctx, "client context cancelled, shutting down", fields)
			return

		case <-c.done:
			return

		case <-pingTicker.C:
			pingSeq++
			if err := c.write(map[string]any{"type": "ping", "seq": pingSeq}, writeTimeout); err != nil {
				logger.Warn(ctx, "client ping failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
				return
			}

		case ctrl := <-c.control:
			if err := c.write(ctrl, writeTimeout); err != nil {
				logger.Warn(ctx, "client control message send failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
				return
			}

		case ev := <-c.send:
			if err := c.write(ev, writeTimeout); err != nil {
				logger.Warn(ctx, "client event send failed", logger.Fields{
					"client_id":  c.ID,
					"repository": ev.Repository,
					"error":      err.Error(),
				})
				return
			}
		}
	}
}

// queueControl schedules a control message without blocking.
func (c *Client) queueControl(msg map[string]any) bool {
	select {
	case <-c.done:
		return false
	case c.control <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) write(msg any, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.JSON.Send(c.conn, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Done is closed when the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close marks the client closed. Channels are left open so a concurrent
// broadcast never sends on a closed channel.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
