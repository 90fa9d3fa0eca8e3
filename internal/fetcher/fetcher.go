package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// Sentinel errors classify fetch failures. Transient conditions are retried
// locally; the rest surface immediately as fatal chunk errors.
var (
	ErrNotFound     = errors.New("fetcher: resource not found")
	ErrUnauthorized = errors.New("fetcher: unauthorized")
	ErrForbidden    = errors.New("fetcher: access forbidden")
	ErrServerError  = errors.New("fetcher: server error")
	ErrRateLimited  = errors.New("fetcher: rate limited")
	ErrShortRead    = errors.New("fetcher: response shorter than requested range")
)

// Options configures the chunk fetcher.
type Options struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryBackoff is the initial backoff between attempts.
	RetryBackoff time.Duration

	// RetryMaxBackoff caps the exponential backoff.
	RetryMaxBackoff time.Duration

	// MaxIdleConnsPerHost tunes the transport for many parallel range
	// requests against the same host.
	MaxIdleConnsPerHost int
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:             30 * time.Second,
		MaxRetries:          4,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
		MaxIdleConnsPerHost: 64,
	}
}

// Client retrieves encrypted chunk bytes over HTTP. It is stateless across
// calls and safe for concurrent use by pool workers.
type Client struct {
	client *http.Client
	opts   Options
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = DefaultOptions().RetryMaxBackoff
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = DefaultOptions().MaxIdleConnsPerHost
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
}

// Fetch retrieves the byte range [offset, offset+length) from the locator.
// Transient failures (transport errors, 5xx, 429) are retried with
// exponential backoff and jitter; the abort of ctx is honored between
// attempts. Non-retryable conditions return immediately.
func (c *Client) Fetch(ctx context.Context, locator string, offset, length int64) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		data, err := c.fetchOnce(ctx, locator, offset, length)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("fetch failed after %d attempts: %w", c.opts.MaxRetries+1, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, locator string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if length > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerError, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrForbidden
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrServerError, err)
	}
	if length > 0 && int64(len(data)) < length {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, len(data), length)
	}
	if length > 0 && int64(len(data)) > length {
		// A server without range support returns the whole object with 200.
		if resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Range") == "" {
			if int64(len(data)) < offset+length {
				return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, len(data), offset+length)
			}
			return data[offset : offset+length], nil
		}
		data = data[:length]
	}
	return data, nil
}

// retryable reports whether the fetch error is a transient condition.
func retryable(err error) bool {
	return errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrShortRead)
}

// backoff waits for an exponentially increasing duration with 0.5-1.5x
// jitter, or until the context is cancelled.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	wait := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if wait > c.opts.RetryMaxBackoff {
		wait = c.opts.RetryMaxBackoff
	}
	jittered := time.Duration(float64(wait) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jittered):
		return nil
	}
}
