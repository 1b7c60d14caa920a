// Package telegram provides a minimal Telegram Bot API client for sending
// chat messages and validating the bot credential at startup.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
)

const (
	// DefaultBaseURL is the public Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"

	clientTimeout   = 30 * time.Second
	maxResponseSize = 1 << 20
	userAgent       = "hookrelay/1.0"
)

// ErrNotBot is returned by GetMe when the token belongs to a user account.
var ErrNotBot = errors.New("token does not belong to a bot account")

// APIError is an error response from the Bot API.
type APIError struct {
	Description string
	Code        int
	RetryAfter  int
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram API error %d: %s (retry after %ds)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// User is the bot account returned by getMe.
type User struct {
	Username string `json:"username"`
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
}

type apiResponse struct {
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	ErrorCode int  `json:"error_code"`
	OK        bool `json:"ok"`
}

// Client talks to the Bot API over a bounded connection pool.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a client for the bot identified by token. maxConns caps
// concurrent connections to the API host.
func NewClient(baseURL, token string, maxConns int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if maxConns < 1 {
		maxConns = 1
	}
	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:errcheck,forcetypeassert // DefaultTransport is always *http.Transport
	transport.MaxConnsPerHost = maxConns
	transport.MaxIdleConnsPerHost = maxConns

	return &Client{
		httpClient: &http.Client{
			Timeout:   clientTimeout,
			Transport: transport,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// SendMessage posts text to chatID. It makes a single attempt; callers
// decide what a failure means.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	return err
}

// GetMe returns the bot account, retrying transient failures. An invalid
// token fails immediately.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var user *User
	var lastErr error

	err := retry.Do(
		func() error {
			result, err := c.call(ctx, "getMe", nil)
			if err != nil {
				lastErr = err
				var apiErr *APIError
				if errors.As(err, &apiErr) && !retryable(apiErr.Code) {
					return retry.Unrecoverable(err)
				}
				logger.Warn(ctx, "telegram getMe failed (will retry)", logger.Fields{"error": err.Error()})
				return err
			}

			var u User
			if err := json.Unmarshal(result, &u); err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to parse getMe result: %w", err))
			}
			if !u.IsBot {
				lastErr = ErrNotBot
				return retry.Unrecoverable(ErrNotBot)
			}
			user = &u
			return nil
		},
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return user, nil
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// call invokes a Bot API method and returns the raw result on success.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	body := []byte("{}")
	if params != nil {
		var err error
		body, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
		}
	}

	endpoint := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", c.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", c.redact(err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debug(ctx, "failed to close response body", logger.Fields{"error": err.Error()})
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &APIError{Code: resp.StatusCode, Description: fmt.Sprintf("unparseable response (%d bytes)", len(data))}
	}
	if !parsed.OK || resp.StatusCode != http.StatusOK {
		code := parsed.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return nil, &APIError{Code: code, Description: parsed.Description, RetryAfter: parsed.Parameters.RetryAfter}
	}
	return parsed.Result, nil
}

// redact strips the bot token from transport errors, which embed the request
// URL. It must run before the error is wrapped, since wrapping formats the
// message eagerly.
func (c *Client) redact(err error) error {
	var urlErr *url.Error
	if c.token != "" && errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, c.token, "<redacted>")
	}
	return err
}
