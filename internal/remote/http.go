package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/floorstate/internal/syncer"
)

// DefaultTimeout bounds one HTTP write.
const DefaultTimeout = 10 * time.Second

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: unexpected status %d: %s", e.Code, e.Body)
}

// HTTP posts each batch as JSON to a single endpoint:
//
//	POST <url>
//	Idempotency-Key: <batch id>
//	{"id": "<batch id>", "fields": {...}, "items": [...]}
//
// Any 2xx response is success.
type HTTP struct {
	url     string
	client  *http.Client
	headers http.Header
	logger  *slog.Logger
}

// HTTPOption configures an HTTP remote.
type HTTPOption func(*HTTP)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		if d > 0 {
			h.client.Timeout = d
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTP) { h.headers.Add(key, value) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTP) { h.logger = l }
}

// NewHTTP returns a remote posting to url.
func NewHTTP(url string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		url:     url,
		client:  &http.Client{Timeout: DefaultTimeout},
		headers: http.Header{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Write implements syncer.Remote.
func (h *HTTP) Write(ctx context.Context, b syncer.Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("remote: encode batch %s: %w", b.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	for k, vs := range h.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", b.ID)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: post batch %s: %w", b.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	h.logger.Debug("remote: batch accepted", "batch", b.ID, "status", resp.StatusCode)
	return nil
}
