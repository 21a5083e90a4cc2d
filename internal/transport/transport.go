// Package transport is the shared outbound HTTP layer: pooled connections,
// a per-attempt timeout and bounded exponential-backoff retries on transient
// failures.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	errx "github.com/synochat-relay/server/internal/core/error"
	"github.com/synochat-relay/server/internal/metrics"
	logx "github.com/synochat-relay/server/pkg/logger"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 120 * time.Second

	// maxErrorBody bounds how much of an upstream body ends up in errors and logs.
	maxErrorBody = 400
)

// retryableStatus lists the statuses treated as transient.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryableStatus reports whether a response with this status is retried.
func IsRetryableStatus(code int) bool {
	return retryableStatus[code]
}

// Config tunes a Client. Zero durations fall back to the defaults above;
// MaxRetries is taken as is (0 disables retries).
type Config struct {
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	HTTPClient  *http.Client
	Metrics     *metrics.Metrics
}

// Client executes outbound requests. It is safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	metrics     *metrics.Metrics
}

// Request is a single outbound call. Body is replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read upstream answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// BodyPreview returns the body truncated for logs and error messages.
func (r *Response) BodyPreview() string {
	if r == nil {
		return ""
	}
	return truncate(string(r.Body), maxErrorBody)
}

// New creates a transport client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &Client{
		httpClient:  hc,
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		metrics:     cfg.Metrics,
	}
}

// HTTPClient exposes the pooled client for SDKs that manage their own requests.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// WithMaxRetries returns a client sharing the same connection pool with a
// different retry budget. Probes use WithMaxRetries(0) for a single round-trip.
func (c *Client) WithMaxRetries(n int) *Client {
	if n < 0 {
		n = 0
	}
	cp := *c
	cp.maxRetries = n
	return &cp
}

// Timeout returns the per-attempt timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Execute performs req, retrying connection failures and transient statuses
// up to MaxRetries times. Non-transient responses, including 4xx, are
// returned to the caller untouched. Once retries are exhausted the last
// failure is returned as an *errx.Error of kind timeout, connection or
// http_status.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt); err != nil {
				return nil, classify(err)
			}
			logx.Debug().
				Str("url", req.URL).
				Int("attempt", attempt+1).
				Err(lastErr).
				Msg("retrying outbound request")
		}

		resp, err := c.once(ctx, req)
		if err != nil {
			c.metrics.TransportAttempt("error")
			lastErr = classify(err)
			if ctx.Err() != nil || errx.KindOf(lastErr) == errx.KindConfig {
				break
			}
			continue
		}

		if retryableStatus[resp.StatusCode] {
			c.metrics.TransportAttempt("retryable_status")
			lastErr = errx.HTTPStatus(resp.StatusCode, resp.BodyPreview())
			continue
		}

		if resp.OK() {
			c.metrics.TransportAttempt("success")
		} else {
			c.metrics.TransportAttempt("client_status")
		}
		return resp, nil
	}

	logx.Warn().
		Str("url", req.URL).
		Int("max_retries", c.maxRetries).
		Err(lastErr).
		Msg("outbound request failed")
	return nil, lastErr
}

// PostJSON marshals v and posts it with a JSON content type.
func (c *Client) PostJSON(ctx context.Context, rawURL string, header http.Header, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errx.Unexpected(fmt.Errorf("marshal request body: %w", err))
	}
	h := cloneHeader(header)
	h.Set("Content-Type", "application/json")
	return c.Execute(ctx, Request{Method: http.MethodPost, URL: rawURL, Header: h, Body: body})
}

// PostForm posts url-encoded form values.
func (c *Client) PostForm(ctx context.Context, rawURL string, header http.Header, form url.Values) (*Response, error) {
	h := cloneHeader(header)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.Execute(ctx, Request{Method: http.MethodPost, URL: rawURL, Header: h, Body: []byte(form.Encode())})
}

// Retry runs op under the same attempt budget and backoff as Execute, for
// clients that do their own HTTP. retryable decides which errors are transient.
func (c *Client) Retry(ctx context.Context, op func(ctx context.Context) error, retryable func(error) bool) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt); err != nil {
				return classify(err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			c.metrics.TransportAttempt("success")
			return nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			c.metrics.TransportAttempt("error")
			return err
		}
		c.metrics.TransportAttempt("retryable_status")
	}
	return lastErr
}

// Backoff returns the delay before the given retry (1-based):
// base * 2^(retry-1), capped at the configured maximum.
func (c *Client) Backoff(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	d := float64(c.baseBackoff) * math.Pow(2, float64(retry-1))
	if d > float64(c.maxBackoff) {
		return c.maxBackoff
	}
	return time.Duration(d)
}

func (c *Client) wait(ctx context.Context, retry int) error {
	t := time.NewTimer(c.Backoff(retry))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, errx.New(errx.KindConfig, err, http.StatusInternalServerError, "invalid outbound request")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		if closeErr := Body.Close(); closeErr != nil {
			logx.Warn().Err(closeErr).Str("url", req.URL).Msg("failed to close response body")
		}
	}(res.Body)

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: b}, nil
}

// Classify maps a transport error onto the errx taxonomy.
func Classify(err error) error {
	return classify(err)
}

func classify(err error) error {
	var e *errx.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errx.Timeout(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errx.Timeout(err)
	}
	return errx.Connection(err)
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

// BearerHeader builds the Authorization header used by every backend.
func BearerHeader(apiKey string) http.Header {
	h := http.Header{}
	if strings.TrimSpace(apiKey) != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
