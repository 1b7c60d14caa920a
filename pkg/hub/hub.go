// Package hub provides a WebSocket hub that streams dispatch reports to
// connected watchers based on their subscription criteria.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/hookrelay/pkg/dispatch"
	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
	"github.com/codeGROOVE-dev/hookrelay/pkg/metrics"
)

// Event is a completed dispatch as seen by watchers.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Repository   string    `json:"repository"`
	Kind         string    `json:"kind"`
	Text         string    `json:"text"`
	DeliveryID   string    `json:"delivery_id,omitempty"`
	Destinations int       `json:"destinations"`
	Failed       int       `json:"failed"`
}

// EventFromReport converts a dispatch report into a feed event.
func EventFromReport(r dispatch.Report) Event {
	return Event{
		Timestamp:    r.Timestamp,
		Repository:   r.Repository,
		Kind:         string(r.Kind),
		Text:         r.Text,
		Destinations: len(r.Results),
		Failed:       r.Failed(),
	}
}

// Hub manages WebSocket clients and event broadcasting.
// It runs in its own goroutine and handles client registration,
// unregistration, and event distribution.
type Hub struct {
	metrics    *metrics.Metrics
	clients    map[string]*Client
	register   chan *Client
	unregister chan string
	broadcast  chan Event
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

const (
	registerBufferSize   = 100
	unregisterBufferSize = 100
	broadcastBufferSize  = 1000
)

// NewHub creates a new client hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics:    m,
		clients:    make(map[string]*Client),
		register:   make(chan *Client, registerBufferSize),
		unregister: make(chan string, unregisterBufferSize),
		broadcast:  make(chan Event, broadcastBufferSize),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.cleanup()

	logger.Info(ctx, "hub started", nil)

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info(ctx, "hub stop requested", nil)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.WatchClientConnected(1)
			logger.Info(ctx, "client registered", logger.Fields{
				"client_id":     client.ID,
				"repository":    client.subscription.Repository,
				"total_clients": total,
			})

		case clientID := <-h.unregister:
			h.mu.Lock()
			client, ok := h.clients[clientID]
			if ok {
				delete(h.clients, clientID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if ok {
				client.Close()
				h.metrics.WatchClientConnected(-1)
				logger.Info(ctx, "client unregistered", logger.Fields{
					"client_id":     clientID,
					"total_clients": total,
				})
			}

		case ev := <-h.broadcast:
			h.deliver(ctx, ev)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, ev Event) {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		snapshot = append(snapshot, client)
	}
	h.mu.RUnlock()

	matched, dropped := 0, 0
	for _, client := range snapshot {
		if !client.subscription.Matches(ev) {
			continue
		}
		select {
		case client.send <- ev:
			matched++
		default:
			dropped++
			logger.Warn(ctx, "dropped event for client: buffer full", logger.Fields{"client_id": client.ID})
		}
	}
	logger.Debug(ctx, "broadcast event", logger.Fields{
		"repository": ev.Repository,
		"kind":       ev.Kind,
		"matched":    matched,
		"clients":    len(snapshot),
		"dropped":    dropped,
	})
}

// Broadcast queues an event for all matching clients. It never blocks.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		logger.Warn(context.Background(), "dropping broadcast: hub at capacity", nil)
	}
}

// Observe forwards a dispatch report to watchers. It has the shape of a
// dispatch.Observer.
func (h *Hub) Observe(ctx context.Context, r dispatch.Report) {
	ev := EventFromReport(r)
	ev.DeliveryID = logger.FieldString(ctx, "delivery_id")
	h.Broadcast(ev)
}

// Stop signals the hub to stop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.stopped
}

// Register registers a new client. After the hub has stopped the client is
// closed instead.
func (h *Hub) Register(client *Client) {
	select {
	case <-h.stopped:
		client.Close()
		return
	default:
	}
	select {
	case h.register <- client:
	case <-h.stopped:
		client.Close()
	}
}

// Unregister unregisters a client by ID. It is a no-op once the hub has
// stopped, since shutdown already closed every client.
func (h *Hub) Unregister(clientID string) {
	select {
	case h.unregister <- clientID:
	case <-h.stopped:
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// cleanup closes all client connections during shutdown.
func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		client.Close()
		h.metrics.WatchClientConnected(-1)
	}
	h.clients = make(map[string]*Client)
}
