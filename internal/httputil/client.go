package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/lawrab/haar-weather/internal/metrics"
)

const (
	DefaultTimeout = 30 * time.Second
	ArchiveTimeout = 60 * time.Second

	maxBodyBytes = 32 << 20
	userAgent    = "haar-weather/1.0 (+https://github.com/lawrab/haar-weather)"
)

// NewHTTPClient returns an HTTP client with the given timeout, or
// DefaultTimeout when timeout is zero.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// StatusError is a non-2xx response. Detail holds the decoded body when the
// server answered with JSON.
type StatusError struct {
	StatusCode int
	URL        string
	Body       []byte
	Detail     any
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("%s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.URL, e.StatusCode, msg)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsStatus reports whether err is a StatusError with one of codes.
func IsStatus(err error, codes ...int) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.StatusCode == c {
			return true
		}
	}
	return false
}

// Options configures a Client.
type Options struct {
	Source    string        // metrics and breaker label
	Timeout   time.Duration // per request
	Retries   int           // extra attempts after the first for transient failures
	RetryWait time.Duration // first backoff interval
	Header    http.Header   // sent with every request
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Client performs JSON API calls with retries and a circuit breaker.
type Client struct {
	source    string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	retries   int
	retryWait time.Duration
	header    http.Header
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewForTesting()
	}
	retryWait := opts.RetryWait
	if retryWait <= 0 {
		retryWait = 500 * time.Millisecond
	}

	return &Client{
		source: opts.Source,
		http:   NewHTTPClient(opts.Timeout),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        opts.Source,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "source", name, "from", from.String(), "to", to.String())
			},
		}),
		retries:   opts.Retries,
		retryWait: retryWait,
		header:    opts.Header.Clone(),
		metrics:   opts.Metrics,
		logger:    logger.With("component", "http", "source", opts.Source),
	}
}

// Get issues a GET for rawURL with params appended to its query.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, header http.Header) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	return c.do(ctx, u.Path, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}, header)
}

// PostForm issues a form-encoded POST.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	encoded := form.Encode()

	return c.do(ctx, u.Path, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, nil)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, endpoint string, build func() (*http.Request, error), header http.Header) ([]byte, error) {
	var body []byte

	operation := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")
		for k, vs := range c.header {
			req.Header[k] = vs
		}
		for k, vs := range header {
			req.Header[k] = vs
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.roundTrip(req, endpoint)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("%s circuit open: %w", c.source, err))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			var se *StatusError
			if errors.As(err, &se) && !se.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		body = result.([]byte)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait
	bo.MaxElapsedTime = 2 * time.Minute
	var policy backoff.BackOff = backoff.WithMaxRetries(bo, uint64(max(c.retries, 0)))

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying", "endpoint", endpoint, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) roundTrip(req *http.Request, endpoint string) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.APILatency.WithLabelValues(c.source, endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.APICallsTotal.WithLabelValues(c.source, endpoint, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.APICallsTotal.WithLabelValues(c.source, endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode, URL: endpoint, Body: body}
		if trimmed := bytes.TrimSpace(body); json.Valid(trimmed) && len(trimmed) > 0 {
			var detail any
			if json.Unmarshal(trimmed, &detail) == nil {
				se.Detail = detail
			}
		}
		return nil, se
	}
	return body, nil
}
