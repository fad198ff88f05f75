// Package httpfetch downloads record content over HTTP with per-host rate
// limiting and client-side tracing.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ahrav/harvest-armada/pkg/common"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 64 << 20
	userAgent       = "harvest-armada/1"
)

// Config tunes a Fetcher.
type Config struct {
	Timeout time.Duration

	// RequestsPerSecond and Burst limit requests per remote host.
	RequestsPerSecond float64
	Burst             int

	// MaxBytes bounds the size of a fetched body.
	MaxBytes int64
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.Code)
}

// Permanent reports whether retrying the request cannot succeed. Client
// errors are permanent except for throttling and timeouts.
func (e *StatusError) Permanent() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// BodyTooLargeError is returned when a response body exceeds the configured
// limit. Refetching returns the same body, so it is always permanent.
type BodyTooLargeError struct {
	URL   string
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("body of %s exceeds %d bytes", e.URL, e.Limit)
}

// Permanent implements the fetch stage's permanence check.
func (e *BodyTooLargeError) Permanent() bool { return true }

// Fetcher is a rate-limited HTTP client.
type Fetcher struct {
	client   *http.Client
	limiter  *common.RateLimiter
	maxBytes int64
}

// New creates a Fetcher. The transport is wrapped with otelhttp so every
// request carries the caller's trace context.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Fetcher{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:  common.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		maxBytes: cfg.MaxBytes,
	}
}

// Fetch GETs rawURL and returns its body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &StatusError{URL: rawURL, Code: http.StatusBadRequest}
	}
	if err := f.limiter.Wait(ctx, u.Host); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", rawURL, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &BodyTooLargeError{URL: rawURL, Limit: f.maxBytes}
	}
	return body, nil
}
