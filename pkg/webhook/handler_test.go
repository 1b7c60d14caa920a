package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/codeGROOVE-dev/hookrelay/pkg/config"
	"github.com/codeGROOVE-dev/hookrelay/pkg/dispatch"
	"github.com/codeGROOVE-dev/hookrelay/pkg/event"
	"github.com/codeGROOVE-dev/hookrelay/pkg/metrics"
	"github.com/codeGROOVE-dev/hookrelay/pkg/telegram"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testSecret = "testsecret"

func newTestHandler(t *testing.T, secret string) (*Handler, *telegram.MockClient, *metrics.Metrics) {
	t.Helper()
	classifier := event.NewClassifier(map[string]config.RepositoryConfig{
		"portfolio_v2": {
			Name:        "portfolio_v2",
			Push:        []string{"-1001", "-1002"},
			PullRequest: []string{"-1003"},
		},
		"abovo-web-employers": {
			Name:        "abovo-web-employers",
			PullRequest: []string{"-2001"},
		},
	}, config.DefaultBranches)
	mock := &telegram.MockClient{}
	m := metrics.New()
	return NewHandler(classifier, dispatch.New(mock, dispatch.WithMetrics(m)), m, secret), mock, m
}

func post(t *testing.T, h http.Handler, eventType string, body []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)         //nolint:canonicalheader // GitHub webhook header
	req.Header.Set("X-GitHub-Delivery", "delivery-123") //nolint:canonicalheader // GitHub webhook header
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", sign(body, secret))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func status(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %q", w.Body.String())
	}
	return body["status"]
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return b
}

func TestWebhookHandlerPush(t *testing.T) {
	h, mock, _ := newTestHandler(t, testSecret)

	body := mustJSON(t, map[string]any{
		"repository": map[string]any{"name": "portfolio_v2"},
		"ref":        "refs/heads/main",
		"head_commit": map[string]any{
			"author":  map[string]any{"name": "Ana"},
			"message": "fix bug",
			"url":     "http://x/1",
		},
	})
	w := post(t, h, "push", body, testSecret)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := status(t, w); got != StatusSuccess {
		t.Errorf("status = %q", got)
	}

	msgs := mock.Messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	want := "New push to main by Ana:\nBranch: main\nMessage: fix bug\nLink: http://x/1"
	for _, msg := range msgs {
		if msg.Text != want {
			t.Errorf("text = %q, want %q", msg.Text, want)
		}
	}
}

func TestWebhookHandlerFeatureBranchSkipped(t *testing.T) {
	h, mock, m := newTestHandler(t, testSecret)

	body := mustJSON(t, map[string]any{
		"repository":  map[string]any{"name": "portfolio_v2"},
		"ref":         "refs/heads/feature-x",
		"head_commit": map[string]any{"message": "wip"},
	})
	w := post(t, h, "push", body, testSecret)

	if w.Code != http.StatusOK || status(t, w) != StatusSuccess {
		t.Errorf("got %d %q, want 200 success", w.Code, w.Body.String())
	}
	if mock.Calls() != 0 {
		t.Errorf("sent %d messages, want 0", mock.Calls())
	}
	if got := testutil.ToFloat64(m.VerdictsTotal.WithLabelValues("branch_not_allowed")); got != 1 {
		t.Errorf("branch_not_allowed verdicts = %v", got)
	}
}

func TestWebhookHandlerPullRequest(t *testing.T) {
	h, mock, _ := newTestHandler(t, testSecret)

	body := mustJSON(t, map[string]any{
		"action":     "opened",
		"repository": map[string]any{"name": "abovo-web-employers"},
		"pull_request": map[string]any{
			"state":    "open",
			"base":     map[string]any{"ref": "dev"},
			"head":     map[string]any{"ref": "feat"},
			"user":     map[string]any{"login": "bob"},
			"title":    "T",
			"body":     "B",
			"html_url": "http://x/2",
		},
	})
	w := post(t, h, "pull_request", body, testSecret)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	msgs := mock.Messages()
	if len(msgs) != 1 || msgs[0].ChatID != "-2001" {
		t.Fatalf("messages = %+v", msgs)
	}
	want := "Pull request by bob:\nBranch: feat -> dev\nMessage: T\nCommit message: B\nLink: http://x/2"
	if msgs[0].Text != want {
		t.Errorf("text = %q, want %q", msgs[0].Text, want)
	}
}

func TestWebhookHandlerRepoNotConfigured(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"repository absent", `{"ref": "refs/heads/main", "head_commit": {}}`},
		{"repository unknown", `{"repository": {"name": "other"}, "ref": "refs/heads/main"}`},
		{"repository not an object", `{"repository": "portfolio_v2", "ref": "refs/heads/main"}`},
		{"array body", `[1]`},
		{"string body", `"portfolio_v2"`},
		{"null body", `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mock, _ := newTestHandler(t, testSecret)
			w := post(t, h, "push", []byte(tt.body), testSecret)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if got := status(t, w); got != StatusRepoNotConfigured {
				t.Errorf("status = %q", got)
			}
			if mock.Calls() != 0 {
				t.Errorf("sent %d messages, want 0", mock.Calls())
			}
		})
	}
}

func TestWebhookHandlerPartialDeliveryFailure(t *testing.T) {
	h, mock, _ := newTestHandler(t, testSecret)
	mock.Errors = map[string]error{"-1001": &telegram.APIError{Code: 403, Description: "Forbidden: bot was kicked"}}

	body := mustJSON(t, map[string]any{
		"repository":  map[string]any{"name": "portfolio_v2"},
		"ref":         "refs/heads/dev",
		"head_commit": map[string]any{"message": "m"},
	})
	w := post(t, h, "push", body, testSecret)

	if w.Code != http.StatusOK || status(t, w) != StatusSuccess {
		t.Errorf("got %d %s, want 200 success despite failed destination", w.Code, w.Body.String())
	}
	if mock.Calls() != 2 {
		t.Errorf("attempts = %d, want 2", mock.Calls())
	}
	if msgs := mock.Messages(); len(msgs) != 1 || msgs[0].ChatID != "-1002" {
		t.Errorf("delivered = %+v", msgs)
	}
}

func TestWebhookHandlerMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/webhook", http.NoBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("Allow = %q", allow)
	}
}

func TestWebhookHandlerSignatures(t *testing.T) {
	body := mustJSON(t, map[string]any{"repository": map[string]any{"name": "portfolio_v2"}})

	tests := []struct {
		name      string
		secret    string
		signature string
		want      int
	}{
		{"missing signature", testSecret, "", http.StatusUnauthorized},
		{"wrong signature", testSecret, "sha256=deadbeef", http.StatusUnauthorized},
		{"signed with other secret", testSecret, sign(body, "other"), http.StatusUnauthorized},
		{"valid signature", testSecret, sign(body, testSecret), http.StatusOK},
		{"verification disabled", "", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandler(t, tt.secret)
			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
			req.Header.Set("X-GitHub-Event", "push") //nolint:canonicalheader // GitHub webhook header
			if tt.signature != "" {
				req.Header.Set("X-Hub-Signature-256", tt.signature)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWebhookHandlerPayloadTooLarge(t *testing.T) {
	h, _, _ := newTestHandler(t, testSecret)

	large := bytes.Repeat([]byte("a"), maxPayloadSize+1)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(large))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}

	// Unknown length: the limit is enforced while reading.
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(large)))
	req.ContentLength = -1
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("streamed status = %d, want 413", w.Code)
	}
}

func TestWebhookHandlerInvalidJSON(t *testing.T) {
	h, _, _ := newTestHandler(t, testSecret)
	body := []byte(`{"repository": `)

	w := post(t, h, "push", body, testSecret)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := status(t, w); got != StatusInvalidPayload {
		t.Errorf("status = %q", got)
	}
}

func TestWebhookHandlerPing(t *testing.T) {
	h, mock, _ := newTestHandler(t, testSecret)
	body := mustJSON(t, map[string]any{"zen": "Keep it logically awesome.", "hook_id": 1})

	w := post(t, h, "ping", body, testSecret)
	if w.Code != http.StatusOK || status(t, w) != StatusSuccess {
		t.Errorf("got %d %s", w.Code, w.Body.String())
	}
	if mock.Calls() != 0 {
		t.Error("ping must not dispatch")
	}
}

func TestWebhookHandlerClientDisconnect(t *testing.T) {
	h, mock, _ := newTestHandler(t, "")
	body := mustJSON(t, map[string]any{
		"repository":  map[string]any{"name": "portfolio_v2"},
		"ref":         "refs/heads/main",
		"head_commit": map[string]any{"message": "m"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if len(mock.Messages()) != 2 {
		t.Errorf("delivered %d, want 2 after inbound cancel", len(mock.Messages()))
	}
}
