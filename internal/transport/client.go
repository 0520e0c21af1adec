// Package transport posts sealed batches to the analytics ingest endpoint.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vincentbai/heroes-agent/internal/models"
)

// maxErrorBody bounds how much of a rejection body is kept for diagnostics.
const maxErrorBody = 512

// Client sends batch payloads over HTTP.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(endpoint string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient.CheckRedirect == nil {
		// A followed redirect turns the POST into a bodyless GET whose 2xx
		// would read as an acknowledgment, so 3xx is returned as is.
		httpClient := *c.httpClient
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		c.httpClient = &httpClient
	}
	c.logger = c.logger.With("component", "transport")
	return c
}

// Send posts payload, a JSON array of events. It returns nil on 2xx, a
// NetworkError for transport failures, 408, 429 and 5xx, a RejectionError for
// other statuses including redirects, and the context error when ctx is done.
func (c *Client) Send(ctx context.Context, batchID string, payload []byte) error {
	const op = "transport.Send"

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.RejectionError(op, 0, err.Error())
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Idempotency-Key", batchID)
	request.Header.Set("X-Batch-Id", batchID)

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return models.NetworkError(op, err)
	}
	defer response.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	c.logger.Debug("batch posted",
		"batch_id", batchID,
		"status", response.StatusCode,
		"bytes", len(payload),
		"latency", time.Since(started).String(),
	)

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return nil
	case Transient(response.StatusCode):
		return models.NetworkError(op, fmt.Errorf("ingest returned %d: %s", response.StatusCode, strings.TrimSpace(string(body))))
	default:
		return models.RejectionError(op, response.StatusCode, strings.TrimSpace(string(body)))
	}
}

// Transient reports whether a non-2xx status is worth retrying.
func Transient(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}
