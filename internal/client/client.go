// Package client talks to a running query service over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/basket/decisiontrace/pkg/xray"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 5 * time.Second

// APIError is a non-2xx response from the query service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("query service returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for addr, which may be a bare host:port (as in
// bind_addr) or a full URL.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		base: BaseURL(addr),
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL normalises a bind address into an http URL without a trailing
// slash.
func BaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func (c *Client) BaseURL() string { return c.base }

// Health is the decoded /health body.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/health", &h)
	return h, err
}

// ListTraces calls GET /traces. A zero Limit lets the server pick its default.
func (c *Client) ListTraces(ctx context.Context, opts xray.ListOptions) ([]xray.Trace, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	path := "/traces"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var traces []xray.Trace
	if err := c.get(ctx, path, &traces); err != nil {
		return nil, err
	}
	return traces, nil
}

// GetTrace calls GET /traces/{id}. A 404 is reported as xray.ErrNotFound.
func (c *Client) GetTrace(ctx context.Context, traceID string) (xray.Trace, error) {
	var tr xray.Trace
	err := c.get(ctx, "/traces/"+url.PathEscape(traceID), &tr)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return xray.Trace{}, xray.ErrNotFound
	}
	return tr, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
