// Package recordstore is the HTTP client for the shared health record
// store, a FHIR R4 server that owns Patient, Consent, Observation and
// Coverage resources. The client holds transport configuration only.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when the store does not answer within the
	// configured per-call timeout.
	ErrTimeout = errors.New("record store: timeout")
	// ErrUnavailable is returned for transport failures (DNS, refused
	// connection, unreadable body).
	ErrUnavailable = errors.New("record store: unavailable")
)

const defaultTimeout = 15 * time.Second

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client issues FHIR REST calls against the record store.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a record store client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOption customises a single request.
type RequestOption func(*http.Request)

// IfMatch makes a write conditional on the resource still being at version.
// An empty version leaves the request unconditional.
func IfMatch(version string) RequestOption {
	return func(r *http.Request) {
		if version != "" {
			r.Header.Set("If-Match", `W/"`+version+`"`)
		}
	}
}

// WithRequestID propagates the inbound request id to the store.
func WithRequestID(id string) RequestOption {
	return func(r *http.Request) {
		if id != "" {
			r.Header.Set("X-Request-ID", id)
		}
	}
}

// Read fetches {resourceType}/{id}.
func (c *Client) Read(ctx context.Context, resourceType, id string, opts ...RequestOption) (*Result, error) {
	return c.Get(ctx, "/"+resourceType+"/"+url.PathEscape(id), nil, opts...)
}

// Search runs a type-level search, e.g. Patient?identifier=123.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values, opts ...RequestOption) (*Result, error) {
	return c.Get(ctx, "/"+resourceType, params, opts...)
}

// Update upserts a full resource at {resourceType}/{id}.
func (c *Client) Update(ctx context.Context, resourceType, id string, resource any, opts ...RequestOption) (*Result, error) {
	return c.Put(ctx, "/"+resourceType+"/"+url.PathEscape(id), resource, opts...)
}

// Create posts a resource and lets the store assign its id.
func (c *Client) Create(ctx context.Context, resourceType string, resource any, opts ...RequestOption) (*Result, error) {
	return c.Post(ctx, "/"+resourceType, resource, opts...)
}

// Transaction posts a batch/transaction Bundle to the store base.
func (c *Client) Transaction(ctx context.Context, bundle any, opts ...RequestOption) (*Result, error) {
	return c.Post(ctx, "/", bundle, opts...)
}

// Get issues a GET to path (relative to the base URL) with query.
func (c *Client) Get(ctx context.Context, path string, query url.Values, opts ...RequestOption) (*Result, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, opts)
}

// Put issues a PUT with body marshalled as JSON.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...RequestOption) (*Result, error) {
	return c.do(ctx, http.MethodPut, path, body, opts)
}

// Post issues a POST with body marshalled as JSON.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Result, error) {
	return c.do(ctx, http.MethodPost, path, body, opts)
}

func (c *Client) do(ctx context.Context, method, path string, body any, opts []RequestOption) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		payload, err := encodeBody(body)
		if err != nil {
			return nil, fmt.Errorf("record store: encode %s %s: %w", method, path, err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("record store: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, method, path, err)
	}

	return newResult(resp, data), nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

func classify(ctx context.Context, method, path string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
}
