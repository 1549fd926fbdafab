// Package remote is the transport boundary against the upstream transaction
// system. Every response is a loosely structured JSON document; callers extract
// the fields they care about through the Document helpers.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks transactgw/internal/remote Client

// Operation describes one request against the remote system. Paths are
// product-specific; components receive them pre-built so they only depend on
// the semantic shape of the call.
type Operation struct {
	Name   string // logical name, used in logs and error messages
	Method string
	Path   string
	Query  url.Values
	Body   any // JSON-encoded when non-nil
}

// Client issues a single operation and returns the decoded response document.
type Client interface {
	Do(ctx context.Context, op Operation) (Document, error)
}

// Config holds HTTP client settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPClient is the production Client backed by net/http.
type HTTPClient struct {
	base   *url.URL
	token  string
	httpc  *http.Client
	logger *slog.Logger
}

func NewHTTPClient(cfg Config, logger *slog.Logger) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote base URL %q must be absolute", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		base:   base,
		token:  cfg.Token,
		httpc:  &http.Client{Timeout: timeout},
		logger: logger.With("component", "remote"),
	}, nil
}

func (c *HTTPClient) Do(ctx context.Context, op Operation) (Document, error) {
	target := *c.base
	target.Path = strings.TrimRight(target.Path, "/") + "/" + strings.TrimLeft(op.Path, "/")
	if len(op.Query) > 0 {
		target.RawQuery = op.Query.Encode()
	}

	var body io.Reader
	if op.Body != nil {
		encoded, err := json.Marshal(op.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request body: %w", op.Name, err)
		}
		body = bytes.NewReader(encoded)
	}

	method := op.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	if op.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn("remote call failed", "op", op.Name, "url", target.String(), "error", err)
		return nil, &TransportError{Op: op.Name, URL: target.String(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: op.Name, URL: target.String(), Err: err}
	}

	c.logger.Debug("remote call",
		"op", op.Name,
		"method", method,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	doc := decodeDocument(raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{
			Op:         op.Name,
			StatusCode: resp.StatusCode,
			Message:    declineMessage(doc, resp.StatusCode),
		}
	}
	return doc, nil
}

const maxResponseBytes = 4 << 20 // 4 MiB

// decodeDocument tolerates empty and non-object bodies; the remote is not
// trusted to be well-formed.
func decodeDocument(raw []byte) Document {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Document{}
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}
	}
	return doc
}

// declineMessage pulls a human-readable rejection reason out of an error body.
func declineMessage(doc Document, statusCode int) string {
	for _, key := range []string{"message", "error", "detail"} {
		if s, ok := doc.String(key); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("remote returned status %d", statusCode)
}
