package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Common errors.
var (
	ErrNotFound            = errors.New("http: resource not found")
	ErrForbidden           = errors.New("http: access forbidden")
	ErrUnauthorized        = errors.New("http: unauthorized")
	ErrServerError         = errors.New("http: server error")
	ErrRangeNotSatisfiable = errors.New("http: requested range not satisfiable")
	ErrInactivityTimeout   = errors.New("http: no data received within inactivity timeout")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 4
	MaxIdleConnsPerHost int

	// InactivityTimeout aborts a request when no response headers or body
	// bytes arrive for this long. There is no limit on total duration.
	// Default: 30m
	InactivityTimeout time.Duration

	// RetryAttempts is the maximum number of retry attempts for
	// establishing a request. Body reads are never retried.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 4,
		InactivityTimeout:   30 * time.Minute,
		RetryAttempts:       3,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
	}
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size          int64
	ETag          string
	AcceptsRanges bool
	ContentType   string
	LastModified  time.Time
}

// Response is an open GET response.
type Response struct {
	// Body streams the payload. Reads fail with ErrInactivityTimeout when
	// the server stalls. Callers must close it.
	Body io.ReadCloser

	// ContentLength is the number of bytes in Body, or -1 if unknown.
	ContentLength int64

	// Partial is true when the server honored the range (206).
	Partial bool

	// Total is the full size of the resource, or -1 if unknown.
	Total int64

	ETag string
}

// Client is an HTTP client for single-stream resumable downloads.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // Byte offsets must match the file on disk
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Head performs a HEAD request to get file metadata.
func (c *Client) Head(ctx context.Context, url string) (*FileInfo, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%w: %s", ErrServerError, resp.Status)
			continue
		}

		if err := checkStatusCode(resp.StatusCode); err != nil {
			return nil, err
		}

		info := &FileInfo{
			Size:          resp.ContentLength,
			ETag:          cleanETag(resp.Header.Get("ETag")),
			AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
			ContentType:   resp.Header.Get("Content-Type"),
		}

		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				info.LastModified = t
			}
		}

		return info, nil
	}

	return nil, fmt.Errorf("head request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// Fetch issues a GET for url. When offset is positive the request carries
// "Range: bytes=<offset>-"; check Response.Partial to learn whether the
// server honored it.
//
// Canceling ctx aborts the transfer, including reads from the returned
// body.
func (c *Client) Fetch(ctx context.Context, url string, offset int64) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		resp, retry, err := c.fetchOnce(ctx, url, offset)
		if err == nil {
			return resp, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("get request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, url string, offset int64) (*Response, bool, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	w := newWatchdog(c.opts.InactivityTimeout, cancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		w.stop()
		cancel(nil)
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		w.stop()
		cause := context.Cause(reqCtx)
		cancel(nil)
		if ctx.Err() != nil {
			return nil, false, context.Cause(ctx)
		}
		if errors.Is(cause, ErrInactivityTimeout) {
			return nil, true, ErrInactivityTimeout
		}
		return nil, true, err
	}

	fail := func(retry bool, err error) (*Response, bool, error) {
		resp.Body.Close()
		w.stop()
		cancel(nil)
		return nil, retry, err
	}

	switch {
	case resp.StatusCode >= 500:
		return fail(true, fmt.Errorf("%w: %s", ErrServerError, resp.Status))
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return fail(false, ErrRangeNotSatisfiable)
	}
	if err := checkStatusCode(resp.StatusCode); err != nil {
		return fail(false, err)
	}

	out := &Response{
		ContentLength: resp.ContentLength,
		Partial:       resp.StatusCode == http.StatusPartialContent,
		Total:         -1,
		ETag:          cleanETag(resp.Header.Get("ETag")),
	}

	if out.Partial {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if _, _, total, err := ParseContentRange(cr); err == nil {
				out.Total = total
			}
		}
		if out.Total < 0 && out.ContentLength >= 0 {
			out.Total = offset + out.ContentLength
		}
	} else {
		out.Total = resp.ContentLength
	}

	w.reset()
	out.Body = &watchedBody{
		body:     resp.Body,
		ctx:      reqCtx,
		watchdog: w,
		cancel:   cancel,
	}
	return out, false, nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	t := time.NewTimer(jitter)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// watchdog cancels a request when it is not reset within timeout.
// A zero timeout disables it.
type watchdog struct {
	timeout time.Duration
	mu      sync.Mutex
	timer   *time.Timer
}

func newWatchdog(timeout time.Duration, cancel context.CancelCauseFunc) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			cancel(ErrInactivityTimeout)
		})
	}
	return w
}

func (w *watchdog) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

type watchedBody struct {
	body     io.ReadCloser
	ctx      context.Context
	watchdog *watchdog
	cancel   context.CancelCauseFunc
}

func (b *watchedBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.watchdog.reset()
	}
	if err != nil && err != io.EOF {
		// Report why the request context ended rather than the
		// transport's generic "context canceled".
		if cause := context.Cause(b.ctx); cause != nil {
			return n, cause
		}
	}
	return n, err
}

func (b *watchedBody) Close() error {
	b.watchdog.stop()
	err := b.body.Close()
	b.cancel(nil)
	return err
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	rng, size, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if size == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}
