// Package webhook provides the HTTP handler that receives GitHub webhook
// deliveries, classifies them and relays relevant ones to chat destinations.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/codeGROOVE-dev/hookrelay/pkg/dispatch"
	"github.com/codeGROOVE-dev/hookrelay/pkg/event"
	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
	"github.com/codeGROOVE-dev/hookrelay/pkg/metrics"
)

const maxPayloadSize = 1 << 20 // 1MB

// Response statuses written in the JSON body.
const (
	StatusSuccess           = "success"
	StatusRepoNotConfigured = "repo not configured"
	StatusInvalidPayload    = "invalid payload"
	StatusUnauthorized      = "unauthorized"
	StatusTooLarge          = "payload too large"
	StatusMethodNotAllowed  = "method not allowed"
)

// Dispatcher delivers a classified event to its destinations.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *event.Event, destinations []string) dispatch.Report
}

// Handler handles GitHub webhook events.
type Handler struct {
	classifier *event.Classifier
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	secret     string
}

// NewHandler creates a webhook handler. An empty secret disables signature
// verification.
func NewHandler(c *event.Classifier, d Dispatcher, m *metrics.Metrics, secret string) *Handler {
	return &Handler{
		classifier: c,
		dispatcher: d,
		metrics:    m,
		secret:     secret,
	}
}

// ServeHTTP processes a GitHub webhook delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-GitHub-Event")     //nolint:canonicalheader // GitHub webhook header
	deliveryID := r.Header.Get("X-GitHub-Delivery") //nolint:canonicalheader // GitHub webhook header
	ctx := logger.WithFields(r.Context(), logger.Fields{
		"delivery_id": deliveryID,
		"event_type":  eventType,
	})

	logger.Debug(ctx, "webhook request received", logger.Fields{
		"method":       r.Method,
		"remote_addr":  r.RemoteAddr,
		"user_agent":   r.UserAgent(),
		"content_type": r.Header.Get("Content-Type"),
	})

	if r.Method != http.MethodPost {
		logger.Warn(ctx, "webhook rejected: invalid method", logger.Fields{"method": r.Method})
		w.Header().Set("Allow", http.MethodPost)
		h.respond(ctx, w, http.StatusMethodNotAllowed, StatusMethodNotAllowed)
		return
	}

	if r.ContentLength > maxPayloadSize {
		logger.Warn(ctx, "webhook rejected: payload too large", logger.Fields{
			"content_length": r.ContentLength,
			"max_size":       maxPayloadSize,
		})
		h.respond(ctx, w, http.StatusRequestEntityTooLarge, StatusTooLarge)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn(ctx, "webhook rejected: payload too large", logger.Fields{"max_size": maxPayloadSize})
			h.respond(ctx, w, http.StatusRequestEntityTooLarge, StatusTooLarge)
			return
		}
		logger.Error(ctx, "error reading webhook body", err, nil)
		h.respond(ctx, w, http.StatusBadRequest, StatusInvalidPayload)
		return
	}

	if h.secret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if !VerifySignature(body, signature, h.secret) {
			logger.Warn(ctx, "webhook rejected: signature verification failed", logger.Fields{
				"remote_addr":      r.RemoteAddr,
				"signature_exists": signature != "",
			})
			h.respond(ctx, w, http.StatusUnauthorized, StatusUnauthorized)
			return
		}
	}

	if eventType == "ping" {
		logger.Info(ctx, "webhook ping received", nil)
		h.respond(ctx, w, http.StatusOK, StatusSuccess)
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		logger.Warn(ctx, "webhook rejected: error parsing payload", logger.Fields{
			"error":        err.Error(),
			"payload_size": len(body),
		})
		h.respond(ctx, w, http.StatusBadRequest, StatusInvalidPayload)
		return
	}

	// Valid JSON that is not an object has no repository and is classified
	// as unconfigured.
	payload, _ := raw.(map[string]any) //nolint:errcheck // type assertion, not error
	verdict := h.classifier.Classify(payload)
	h.metrics.RecordVerdict(string(verdict.Skip))

	if verdict.Skip == event.SkipUnconfigured {
		name, _ := event.RepositoryName(payload) //nolint:errcheck // ok is reflected in name
		logger.Info(ctx, "webhook for unconfigured repository", logger.Fields{"repository": name})
		h.respond(ctx, w, http.StatusBadRequest, StatusRepoNotConfigured)
		return
	}

	if !verdict.Actionable() {
		fields := logger.Fields{"reason": string(verdict.Skip)}
		if verdict.Event != nil {
			fields["repository"] = verdict.Event.Repository
			fields["kind"] = string(verdict.Event.Kind)
		}
		logger.Info(ctx, "webhook skipped", fields)
		h.respond(ctx, w, http.StatusOK, StatusSuccess)
		return
	}

	report := h.dispatcher.Dispatch(ctx, verdict.Event, verdict.Destinations)

	logger.Info(ctx, "webhook processed", logger.Fields{
		"repository":   report.Repository,
		"kind":         string(report.Kind),
		"destinations": len(report.Results),
		"failed":       report.Failed(),
	})
	h.respond(ctx, w, http.StatusOK, StatusSuccess)
}

func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, code int, status string) {
	h.metrics.RecordWebhook(code)
	writeJSON(ctx, w, code, map[string]string{"status": status})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error(ctx, "failed to write response", err, nil)
	}
}

// VerifySignature validates the GitHub webhook signature. An empty secret
// never verifies.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}

	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}
