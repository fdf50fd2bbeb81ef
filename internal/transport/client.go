// Package transport provides the shared HTTP client used by remote vault
// providers. It retries transient failures with exponential backoff and
// classifies HTTP status codes into the provider error taxonomy so
// callers never branch on raw status codes.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
)

// DefaultUserAgent identifies the client to remote backends.
const DefaultUserAgent = "keyfold/1.0"

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	UserAgent  string
}

// Client is an HTTP client with retry and error classification.
type Client struct {
	client    *http.Client
	userAgent string
	logger    *events.Logger

	maxRetries int
	retryDelay time.Duration
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ETag returns the response's entity tag with surrounding quotes
// stripped, or empty when absent.
func (r *Response) ETag() string {
	return TrimEtag(r.Header.Get("ETag"))
}

// TrimEtag strips quotes and a weak-validator prefix from an etag value.
func TrimEtag(etag string) string {
	if len(etag) >= 2 && etag[0] == 'W' && etag[1] == '/' {
		etag = etag[2:]
	}
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		etag = etag[1 : len(etag)-1]
	}
	return etag
}

// New creates a transport client.
func New(opts Options, logger *events.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	return &Client{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent:  opts.UserAgent,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		logger:     logger.WithField("component", "transport"),
	}
}

// Request describes one HTTP call. Header entries are optional.
type Request struct {
	Provider string // error classification tag
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
}

// Do executes the request, retrying transient failures. Any non-2xx
// status is returned as a classified *models.ProviderError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	c.logger.WithFields(map[string]interface{}{
		"method": req.Method,
		"url":    req.URL,
		"size":   len(req.Body),
	}).Debug("Sending request")

	var resp *Response
	err := c.retry(ctx, req.Provider, func() error {
		var err error
		resp, err = c.doOnce(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(resp.Body),
	}).Debug("Received response")
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.userAgent)
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewProviderError(req.Provider, models.KindNetwork, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, models.NewProviderError(req.Provider, models.KindNetwork, fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, ClassifyStatus(req.Provider, httpResp.StatusCode, httpResp.Header, respBody)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// retry executes fn with exponential backoff, honoring any RetryAfter
// hint carried by a rate-limit error.
func (c *Client) retry(ctx context.Context, provider string, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var pe *models.ProviderError
		if !errors.As(err, &pe) || !pe.Retryable() {
			return err
		}
		if pe.RetryAfter > delay {
			delay = pe.RetryAfter
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// ClassifyStatus maps a non-2xx HTTP status to a provider error.
func ClassifyStatus(provider string, status int, header http.Header, body []byte) error {
	err := fmt.Errorf("HTTP %d: %s", status, truncate(body, 256))

	switch status {
	case http.StatusUnauthorized:
		return models.NewProviderError(provider, models.KindAuthExpired, err)
	case http.StatusForbidden:
		return models.NewProviderError(provider, models.KindPermissionDenied, err)
	case http.StatusNotFound:
		return models.NewProviderError(provider, models.KindNotFound, err)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return models.NewProviderError(provider, models.KindConflict, err)
	case http.StatusTooManyRequests:
		pe := models.NewProviderError(provider, models.KindRateLimited, err)
		pe.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		return pe
	case http.StatusInsufficientStorage:
		return models.NewProviderError(provider, models.KindQuotaExceeded, err)
	}
	if status >= 500 {
		return models.NewProviderError(provider, models.KindNetwork, err)
	}
	return models.NewProviderError(provider, models.KindGeneric, err)
}

// parseRetryAfter reads a Retry-After header given in seconds. HTTP-date
// values are ignored; the backoff schedule covers them.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
