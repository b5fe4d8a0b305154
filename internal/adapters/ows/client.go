// Package ows fetches raster cells from OGC web services: WCS coverages
// for elevation and WMS maps for imagery.
package ows

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/jobrunner/demtiler/internal/domain"
)

// maxBodyBytes caps a single response.
const maxBodyBytes = 1 << 30

// ClientConfig holds HTTP client configuration.
type ClientConfig struct {
	Timeout   time.Duration
	UserAgent string
	CacheSize int64         // Cached responses; 0 disables the cache
	CacheTTL  time.Duration // default: 10m
}

// Client performs GET requests against OGC services. Validated response
// bodies are cached by URL and concurrent identical requests share one
// round trip.
type Client struct {
	http      *http.Client
	userAgent string
	cache     *ccache.Cache[[]byte]
	ttl       time.Duration
	inflight  singleflight.Group
	closeOnce sync.Once
}

// NewClient creates a new client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "demtiler"
	}

	c := &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		ttl:       cfg.CacheTTL,
	}
	if cfg.CacheSize > 0 {
		c.cache = ccache.New(ccache.Configure[[]byte]().MaxSize(cfg.CacheSize))
	}
	return c
}

// Close stops the cache's background worker. It is safe to call more than
// once; the client must not be used afterwards.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cache != nil {
			c.cache.Stop()
		}
	})
}

// Validator inspects a successful response before it is returned or cached.
type Validator func(contentType string, body []byte) error

// Get fetches url and runs validate on the body.
func (c *Client) Get(ctx context.Context, url string, validate Validator) ([]byte, error) {
	if c.cache != nil {
		if item := c.cache.Get(url); item != nil && !item.Expired() {
			return item.Value(), nil
		}
	}

	ch := c.inflight.DoChan(url, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		body, err := c.get(context.WithoutCancel(ctx), url, validate)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.Set(url, body, c.ttl)
		}
		return body, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (c *Client) get(ctx context.Context, url string, validate Validator) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.FetchError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s: %s", resp.Status, snippet(body)),
		}
	}
	if validate != nil {
		if err := validate(resp.Header.Get("Content-Type"), body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// ServiceException is returned when a service answers with an XML error
// document instead of data.
type ServiceException struct {
	Message string
}

// Error implements the error interface.
func (e *ServiceException) Error() string {
	return "service exception: " + e.Message
}

// Unwrap marks the exception as a rejection that retrying will not fix.
func (e *ServiceException) Unwrap() error {
	return domain.ErrServiceRejected
}

// checkException rejects XML bodies.
func checkException(contentType string, body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if strings.Contains(strings.ToLower(contentType), "xml") ||
		bytes.HasPrefix(trimmed, []byte("<?xml")) ||
		bytes.HasPrefix(trimmed, []byte("<ServiceExceptionReport")) {
		return &ServiceException{Message: snippet(body)}
	}
	return nil
}

// snippet returns the start of body for error messages.
func snippet(body []byte) string {
	const n = 200
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		s = s[:n] + "..."
	}
	return s
}
