// Package transport implements the resilient HTTP client the readers and
// pagination strategies share: bounded retries with jittered exponential
// backoff, Retry-After handling for rate limits, and HTTP/2 connection
// reuse. One client is created per pipeline run and closed with it.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/net/http2"
)

// retriableStatusCodes are the response statuses worth retrying. Everything
// else in the 4xx range fails fast.
var retriableStatusCodes = map[int]string{
	104: "connection reset",
	408: "request timeout",
	429: "too many requests (rate limited)",
	500: "internal server error",
	502: "bad gateway",
	503: "service unavailable",
	504: "gateway timeout",
}

// Options tunes the connection pool and retry policy.
type Options struct {
	ConnectTimeout  time.Duration // TCP dial
	ReadTimeout     time.Duration // waiting for response headers
	WriteTimeout    time.Duration // TLS handshake
	PoolTimeout     time.Duration // idle connection lifetime in the pool
	MaxConnections  int
	MaxKeepalive    int
	KeepaliveExpiry time.Duration

	// MaxAttempts is the total number of tries (initial + retries).
	MaxAttempts int

	DefaultHeaders http.Header
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PoolTimeout == 0 {
		o.PoolTimeout = 2 * time.Second
	}
	if o.MaxConnections == 0 {
		o.MaxConnections = 50
	}
	if o.MaxKeepalive == 0 {
		o.MaxKeepalive = 20
	}
	if o.KeepaliveExpiry == 0 {
		o.KeepaliveExpiry = 30 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	return o
}

// StatusError is returned for non-retriable response statuses and for
// retriable statuses once attempts are exhausted.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// Client is a retrying HTTP client returning parsed JSON payloads.
type Client struct {
	http           *http.Client
	maxAttempts    int
	defaultHeaders http.Header

	// sleep and now are swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New builds a Client with an HTTP/2-enabled pooled transport.
func New(opts Options) *Client {
	opts = opts.withDefaults()

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: opts.KeepaliveExpiry,
		}).DialContext,
		TLSHandshakeTimeout:   opts.WriteTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxConnsPerHost:       opts.MaxConnections,
		MaxIdleConns:          opts.MaxKeepalive,
		MaxIdleConnsPerHost:   opts.MaxKeepalive,
		IdleConnTimeout:       opts.PoolTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		slog.Warn("http2 not enabled", "error", err)
	}

	return &Client{
		http:           &http.Client{Transport: tr},
		maxAttempts:    opts.MaxAttempts,
		defaultHeaders: opts.DefaultHeaders,
		sleep:          sleepCtx,
		now:            time.Now,
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// RequestOptions carries per-request headers, query params, JSON body, and
// the backoff seed delay in seconds.
type RequestOptions struct {
	BackoffStart float64
	Headers      http.Header
	Params       url.Values
	JSON         any
}

// Get issues a GET with retry and returns the decoded JSON payload.
func (c *Client) Get(ctx context.Context, rawURL string, opts RequestOptions) (any, error) {
	return c.do(ctx, http.MethodGet, rawURL, opts)
}

// Post issues a POST with retry and returns the decoded JSON payload.
func (c *Client) Post(ctx context.Context, rawURL string, opts RequestOptions) (any, error) {
	return c.do(ctx, http.MethodPost, rawURL, opts)
}

// Put issues a PUT with retry and returns the decoded JSON payload.
func (c *Client) Put(ctx context.Context, rawURL string, opts RequestOptions) (any, error) {
	return c.do(ctx, http.MethodPut, rawURL, opts)
}

// Delete issues a DELETE with retry and returns the decoded JSON payload.
func (c *Client) Delete(ctx context.Context, rawURL string, opts RequestOptions) (any, error) {
	return c.do(ctx, http.MethodDelete, rawURL, opts)
}

func (c *Client) do(ctx context.Context, method, rawURL string, opts RequestOptions) (any, error) {
	if opts.BackoffStart == 0 {
		opts.BackoffStart = 1
	}

	fullURL, err := mergeParams(rawURL, opts.Params)
	if err != nil {
		return nil, fmt.Errorf("build request url: %w", err)
	}

	var body []byte
	if opts.JSON != nil {
		body, err = json.Marshal(opts.JSON)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		payload, retryIn, err := c.once(ctx, method, fullURL, body, opts, attempt)
		if err == nil && retryIn < 0 {
			return payload, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if retryIn < 0 {
				// Non-retriable.
				return nil, err
			}
		}
		if attempt < c.maxAttempts-1 {
			slog.Warn("transient http failure, retrying",
				"method", method, "url", rawURL,
				"attempt", attempt+1, "max_attempts", c.maxAttempts,
				"backoff", retryIn.Round(time.Millisecond), "error", lastErr)
			if err := c.sleep(ctx, retryIn); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// once performs a single attempt. retryIn < 0 means do not retry; a
// non-negative retryIn with err set schedules the next attempt.
func (c *Client) once(ctx context.Context, method, fullURL string, body []byte, opts RequestOptions, attempt int) (any, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, -1, fmt.Errorf("build request: %w", err)
	}
	applyHeaders(req, c.defaultHeaders)
	applyHeaders(req, opts.Headers)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, connection failures, and protocol errors are all
		// transient from the caller's perspective.
		return nil, c.backoff(attempt, opts.BackoffStart), fmt.Errorf("%s %s: %w", method, fullURL, err)
	}
	defer resp.Body.Close()

	if _, retriable := retriableStatusCodes[resp.StatusCode]; retriable {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{StatusCode: resp.StatusCode, URL: fullURL, Body: string(raw)}
		return nil, c.backoffForResponse(resp, attempt, opts.BackoffStart), statusErr
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, -1, &StatusError{StatusCode: resp.StatusCode, URL: fullURL, Body: string(raw)}
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, -1, fmt.Errorf("decode response from %s: %w", fullURL, err)
	}
	return payload, -1, nil
}

// backoff computes the jittered exponential delay for an attempt.
func (c *Client) backoff(attempt int, start float64) time.Duration {
	jittered := start - 0.2 + rand.Float64()*0.4
	if jittered < 0 {
		jittered = 0
	}
	seconds := jittered * math.Pow(2, float64(attempt))
	return time.Duration(seconds * float64(time.Second))
}

// backoffForResponse honors Retry-After on 429/503 before falling back to
// the computed backoff.
func (c *Client) backoffForResponse(resp *http.Response, attempt int, start float64) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if d, ok := c.parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return d
		}
	}
	return c.backoff(attempt, start)
}

// parseRetryAfter understands both integer seconds and HTTP-date forms.
// Dates in the past are ignored.
func (c *Client) parseRetryAfter(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second, true
	}
	when, err := http.ParseTime(header)
	if err != nil {
		slog.Warn("could not parse Retry-After header", "value", header)
		return 0, false
	}
	d := when.Sub(c.now())
	if d <= 0 {
		return 0, false
	}
	return d, true
}

func applyHeaders(req *http.Request, h http.Header) {
	for key, values := range h {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}
}

func mergeParams(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Set(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
