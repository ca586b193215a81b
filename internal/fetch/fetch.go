// Package fetch downloads remote resources into memory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultHTTPTimeout = 20 * time.Second
	defaultMaxBytes    = 16 << 20
)

var (
	ErrStatus   = errors.New("unexpected http status")
	ErrTooLarge = errors.New("response body too large")
	ErrEmptyURL = errors.New("empty url")
)

type ctxKey int

const (
	ctxKeyHTTPTimeout ctxKey = iota
)

// WithHTTPTimeout returns a child context that carries the HTTP client timeout
func WithHTTPTimeout(parent context.Context, timeout time.Duration) context.Context {
	return context.WithValue(parent, ctxKeyHTTPTimeout, timeout)
}

func httpTimeoutFromContext(ctx context.Context, fallback time.Duration) time.Duration {
	v := ctx.Value(ctxKeyHTTPTimeout)
	if d, ok := v.(time.Duration); ok && d > 0 {
		return d
	}
	return fallback
}

type Client struct {
	http     *http.Client
	timeout  time.Duration
	maxBytes int64
}

// New builds a Client. Zero values select the defaults.
func New(timeout time.Duration, maxBytes int64) *Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Client{
		http:     &http.Client{},
		timeout:  timeout,
		maxBytes: maxBytes,
	}
}

// Get downloads rawURL. Non-2xx responses fail with ErrStatus and bodies
// larger than the configured limit with ErrTooLarge.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	url := strings.TrimSpace(rawURL)
	if url == "" {
		return nil, ErrEmptyURL
	}
	ctx, cancel := context.WithTimeout(ctx, httpTimeoutFromContext(ctx, c.timeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpResponse, err := c.http.Do(req)
	if err != nil {
		log.Warn().Str("url", url).Err(err).Msg("http request failed")
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		log.Warn().Str("url", url).Int("status", httpResponse.StatusCode).Msg("unexpected status code")
		return nil, fmt.Errorf("%w: %d", ErrStatus, httpResponse.StatusCode)
	}
	if httpResponse.ContentLength > c.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, httpResponse.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, c.maxBytes)
	}
	return body, nil
}
