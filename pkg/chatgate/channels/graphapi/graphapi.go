// Package graphapi is a small Graph API client shared by the Meta channels
// (WhatsApp Cloud API and Instagram messaging).
package graphapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// DefaultBaseURL is the versioned Graph API root.
const DefaultBaseURL = "https://graph.facebook.com/v21.0"

const maxResponse = 1 << 20

// Error is an error response of the Graph API.
type Error struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("graph api %d: %s (type=%s code=%d)", e.Status, e.Message, e.Type, e.Code)
}

// Unauthorized reports an invalid or expired access token.
func (e *Error) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Code == 190
}

// Throttled reports a rate-limit rejection.
func (e *Error) Throttled() bool {
	return e.Status == http.StatusTooManyRequests || e.Code == 4 || e.Code == 613 || e.Code == 80007 || e.Code == 130429
}

// Client performs authenticated Graph API calls.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a client. An empty baseURL selects DefaultBaseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: timeout}}
}

// Do performs one request and decodes the JSON response into out. Transport
// failures wrap channels.ErrNetwork; error responses are returned as *Error.
func (c *Client) Do(ctx context.Context, method, path, token string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/"+strings.TrimLeft(path, "/"), body)
	if err != nil {
		return fmt.Errorf("graphapi: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("graphapi: %s %s: %w: %v", method, path, channels.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return fmt.Errorf("graphapi: reading response: %w: %v", channels.ErrNetwork, err)
	}

	if resp.StatusCode >= 300 {
		var envelope struct {
			Error Error `json:"error"`
		}
		_ = json.Unmarshal(raw, &envelope)
		gerr := envelope.Error
		gerr.Status = resp.StatusCode
		if gerr.Message == "" {
			gerr.Message = http.StatusText(resp.StatusCode)
		}
		return &gerr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("graphapi: decoding response: %w", err)
	}
	return nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path, token string, out any) error {
	return c.Do(ctx, http.MethodGet, path, token, nil, "", out)
}

// PostJSON posts payload as JSON.
func (c *Client) PostJSON(ctx context.Context, path, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("graphapi: marshal: %w", err)
	}
	return c.Do(ctx, http.MethodPost, path, token, bytes.NewReader(body), "application/json", out)
}

// Classify maps a failed call onto a close reason.
func Classify(err error) channels.CloseReason {
	var gerr *Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Unauthorized():
			return channels.ReasonUnauthorized
		case gerr.Throttled():
			return channels.ReasonRateLimited
		case gerr.Status >= 500:
			return channels.ReasonConnectionLost
		}
		return channels.ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.ReasonTimeout
	}
	return channels.ReasonFromError(err)
}

// Rejected reports failures that guarantee the request was not accepted:
// a bad token or throttling. Senders report them as
// channels.ErrProviderUnavailable so the dispatcher may fall back.
func Rejected(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && (gerr.Unauthorized() || gerr.Throttled())
}

// Unauthorized reports whether err is a token rejection.
func Unauthorized(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Unauthorized()
}
