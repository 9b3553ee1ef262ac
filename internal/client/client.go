// Package client talks to the promptgate API on behalf of the client core.
// One Client implements session.AuthProvider, entitlement.Repository and
// settlement.PaymentGateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"promptgate/internal/entitlement"
	"promptgate/internal/session"
	"promptgate/internal/settlement"
)

var (
	_ session.AuthProvider      = (*Client)(nil)
	_ entitlement.Repository    = (*Client)(nil)
	_ settlement.PaymentGateway = (*Client)(nil)
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenStore
	logger  zerolog.Logger
	now     func() time.Time

	mu           sync.Mutex
	listeners    map[int]func(session.AuthEvent)
	nextListener int
}

// New returns a client for the API at baseURL. tokens persists the session
// between runs.
func New(baseURL string, tokens TokenStore, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 15 * time.Second},
		tokens:    tokens,
		logger:    log.Logger,
		now:       time.Now,
		listeners: map[int]func(session.AuthEvent){},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "api-client").Logger()
	return c
}

func (c *Client) accessToken() string {
	sess, err := c.tokens.Load()
	if err != nil || sess == nil {
		return ""
	}
	return sess.AccessToken
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.accessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err == nil {
			apiErr.Message = payload.Error
			apiErr.Reason = payload.Reason
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Str("reason", apiErr.Reason).Msg("API error")
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func reasonOf(err error) (int, string) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, apiErr.Reason
	}
	return 0, ""
}
