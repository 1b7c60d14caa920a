package hub

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
	"github.com/codeGROOVE-dev/hookrelay/pkg/security"
)

const (
	pingInterval        = 54 * time.Second
	readDeadline        = 90 * time.Second
	writeTimeout        = 10 * time.Second
	subscriptionTimeout = 5 * time.Second
)

// WebSocketHandler authenticates watchers and attaches them to the hub.
type WebSocketHandler struct {
	hub          *Hub
	connLimiter  *security.ConnectionLimiter
	token        string
	pingInterval time.Duration
}

// NewWebSocketHandler creates a handler accepting watchers that present
// token as a bearer credential.
func NewWebSocketHandler(h *Hub, connLimiter *security.ConnectionLimiter, token string) *WebSocketHandler {
	return &WebSocketHandler{
		hub:          h,
		connLimiter:  connLimiter,
		token:        token,
		pingInterval: pingInterval,
	}
}

// PreValidateAuth checks the Authorization header before the upgrade so a
// bad credential gets a plain 401.
func (h *WebSocketHandler) PreValidateAuth(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	const bearerPrefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, bearerPrefix) {
		return false
	}
	presented := strings.TrimPrefix(auth, bearerPrefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}

// ServeHTTP rejects unauthenticated requests and upgrades the rest.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.PreValidateAuth(r) {
		logger.Warn(r.Context(), "websocket rejected: invalid credentials", logger.Fields{"ip": security.ClientIP(r)})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	// Watchers are not browsers; the bearer token replaces the origin check.
	websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   h.Handle,
	}.ServeHTTP(w, r)
}

// Handle serves one watcher connection.
func (h *WebSocketHandler) Handle(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	defer func() {
		if err := ws.Close(); err != nil {
			logger.Debug(ctx, "failed to close websocket", logger.Fields{"error": err.Error()})
		}
	}()

	ip := security.ClientIP(ws.Request())
	ctx = logger.WithFields(ctx, logger.Fields{"ip": ip})

	if !h.connLimiter.Add(ip) {
		logger.Warn(ctx, "connection limit exceeded", nil)
		sendError(ctx, ws, "connection_limit", "Too many connections.")
		return
	}
	defer h.connLimiter.Remove(ip)

	if err := ws.SetDeadline(time.Now().Add(subscriptionTimeout)); err != nil {
		logger.Warn(ctx, "failed to set subscription deadline", logger.Fields{"error": err.Error()})
		return
	}
	var sub Subscription
	if err := websocket.JSON.Receive(ws, &sub); err != nil {
		logger.Warn(ctx, "failed to receive subscription", logger.Fields{"error": err.Error()})
		return
	}
	if err := sub.Validate(); err != nil {
		logger.Warn(ctx, "invalid subscription", logger.Fields{"error": err.Error()})
		sendError(ctx, ws, "invalid_subscription", err.Error())
		return
	}
	if err := ws.SetDeadline(time.Time{}); err != nil {
		logger.Warn(ctx, "failed to reset deadline", logger.Fields{"error": err.Error()})
		return
	}

	client := NewClient(newClientID(), sub, ws)

	// Run has not started, so this write cannot race it.
	confirm := map[string]any{"type": "subscription_confirmed", "repository": sub.Repository, "kinds": sub.Kinds}
	if err := client.write(confirm, writeTimeout); err != nil {
		logger.Warn(ctx, "failed to confirm subscription", logger.Fields{"error": err.Error()})
		return
	}

	logger.Info(ctx, "websocket connection established", logger.Fields{
		"client_id":  client.ID,
		"repository": sub.Repository,
		"kinds":      sub.Kinds,
	})

	h.hub.Register(client)
	defer func() {
		h.hub.Unregister(client.ID)
		client.Close()
		logger.Info(ctx, "websocket disconnected", logger.Fields{"client_id": client.ID})
	}()

	go client.Run(ctx, h.pingInterval, writeTimeout)
	// A client closed by the hub or a failed write unblocks the read loop.
	go func() {
		<-client.Done()
		if err := ws.Close(); err != nil {
			logger.Debug(ctx, "failed to close websocket", logger.Fields{"error": err.Error()})
		}
	}()

	for {
		if err := ws.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		var msg map[string]any
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			return
		}
		if msg["type"] == "ping" {
			client.queueControl(map[string]any{"type": "pong", "seq": msg["seq"]})
		}
	}
}

func sendError(ctx context.Context, ws *websocket.Conn, code, message string) {
	resp := map[string]string{"type": "error", "error": code, "message": message}
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return
	}
	if err := websocket.JSON.Send(ws, resp); err != nil {
		logger.Debug(ctx, "failed to send error response", logger.Fields{"error": err.Error()})
	}
}

func newClientID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), rand.Text()[:8])
}
