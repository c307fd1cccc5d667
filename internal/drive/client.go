// Package drive is a stateless client for the Google Drive v3 REST API,
// limited to what mirroring a folder of markdown files needs.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fclairamb/kbsync/internal/apperrors"
)

// Credential is an OAuth bearer token. Its lifecycle is managed elsewhere.
type Credential string

const (
	// BaseURL is the Drive API base URL.
	BaseURL = "https://www.googleapis.com/drive/v3"
	// UploadURL is the Drive media upload base URL.
	UploadURL = "https://www.googleapis.com/upload/drive/v3"

	// DefaultPageSize is the largest page size Drive accepts for listings.
	DefaultPageSize = 1000

	// DefaultRateLimit is the default number of requests per second.
	DefaultRateLimit = 10

	httpTimeout       = 30 * time.Second
	defaultMaxRetries = 3
	initialBackoff    = time.Second

	httpStatusBadRequest = 400
)

// Client is a Drive API client with rate limiting.
type Client struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	uploadURL   string
	pageSize    int
	maxRetries  int
	backoff     time.Duration
	logger      *slog.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = l
	}
}

// WithBaseURL sets a custom API base URL (useful for testing).
func WithBaseURL(url string) ClientOption {
	return func(client *Client) {
		client.baseURL = strings.TrimRight(url, "/")
	}
}

// WithUploadURL sets a custom upload base URL (useful for testing).
func WithUploadURL(url string) ClientOption {
	return func(client *Client) {
		client.uploadURL = strings.TrimRight(url, "/")
	}
}

// WithRateLimit sets the number of requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) ClientOption {
	return func(client *Client) {
		if perSecond <= 0 {
			client.rateLimiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		client.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithPageSize sets the listing page size.
func WithPageSize(n int) ClientOption {
	return func(client *Client) {
		if n > 0 {
			client.pageSize = n
		}
	}
}

// WithRetry sets how many times a 429 response is retried, and the first backoff.
func WithRetry(maxRetries int, backoff time.Duration) ClientOption {
	return func(client *Client) {
		client.maxRetries = maxRetries
		client.backoff = backoff
	}
}

// NewClient creates a new Drive API client.
func NewClient(opts ...ClientOption) *Client {
	client := &Client{
		httpClient:  &http.Client{Timeout: httpTimeout},
		rateLimiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), 1),
		baseURL:     BaseURL,
		uploadURL:   UploadURL,
		pageSize:    DefaultPageSize,
		maxRetries:  defaultMaxRetries,
		backoff:     initialBackoff,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// request describes one HTTP call. It is rebuilt for every attempt so the
// body can be replayed.
type request struct {
	method      string
	url         string
	body        []byte
	contentType string
}

func jsonRequest(method, url string, body any) (request, error) {
	r := request{method: method, url: url}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return r, fmt.Errorf("marshal body: %w", err)
		}
		r.body = data
		r.contentType = "application/json"
	}
	return r, nil
}

// doJSON performs a request and decodes the JSON response into result.
func (c *Client) doJSON(ctx context.Context, cred Credential, r request, result any) error {
	respBody, err := c.do(ctx, cred, r)
	if err != nil {
		return err
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// do performs an HTTP request with rate limiting and retries on 429.
func (c *Client) do(ctx context.Context, cred Credential, r request) ([]byte, error) {
	if cred == "" {
		return nil, &apperrors.AuthError{Message: "missing credential"}
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	c.logger.DebugContext(ctx, "API request", "method", r.method, "url", r.url)
	startTime := time.Now()
	backoff := c.backoff

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, r.method, r.url, bytes.NewReader(r.body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+string(cred))
		if r.contentType != "" {
			req.Header.Set("Content-Type", r.contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &apperrors.TransportError{Op: r.method + " " + r.url, Err: err}
		}

		respBody, err := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.WarnContext(ctx, "failed to close response body", "error", closeErr)
		}
		if err != nil {
			return nil, &apperrors.TransportError{Op: "read response", Err: err}
		}

		if resp.StatusCode < httpStatusBadRequest {
			c.logger.DebugContext(ctx, "API response",
				"method", r.method, "url", r.url, "status", resp.StatusCode, "duration", time.Since(startTime))
			return respBody, nil
		}

		apiErr := parseError(resp.StatusCode, respBody)
		if attempt >= c.maxRetries || !isRateLimited(apiErr) {
			return nil, apiErr
		}

		c.logger.WarnContext(ctx, "rate limited, backing off", "attempt", attempt+1, "backoff", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			backoff *= 2
		}
	}
}

func isRateLimited(err error) bool {
	apiErr, ok := err.(*apperrors.RemoteAPIError)
	return ok && apiErr.Code == http.StatusTooManyRequests
}

// parseError maps an error response to the error taxonomy. A 403 with a
// rate limit reason is reported as 429.
func parseError(status int, body []byte) error {
	var errResp errorResponse
	_ = json.Unmarshal(body, &errResp)

	msg := errResp.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	reason := errResp.reason()

	if status == http.StatusUnauthorized {
		return &apperrors.AuthError{Message: msg}
	}
	if status == http.StatusForbidden && (reason == "rateLimitExceeded" || reason == "userRateLimitExceeded") {
		status = http.StatusTooManyRequests
	}

	return &apperrors.RemoteAPIError{Code: status, Reason: reason, Message: msg}
}
