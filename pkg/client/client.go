package client

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var (
	// ErrNotFound: the message no longer exists. Stop processing it.
	ErrNotFound = errors.New("message not found")
	// ErrExpired: the lease was lost to another consumer. Stop processing it.
	ErrExpired = errors.New("lease expired")
	// ErrUnavailable: the server or its store is temporarily down. Retry
	// with backoff.
	ErrUnavailable = errors.New("queue unavailable")
)

// APIError is a non-2xx response. It wraps ErrNotFound, ErrExpired or
// ErrUnavailable when the status maps to one of them.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Op, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrExpired
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrUnavailable
	}
	return nil
}

// Client talks to a leaseq server.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new client. Requests carry the W3C trace context from
// their ctx.
func NewClient(baseURL string) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: 30 * time.Second})
}

func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  hc,
	}
}

// EnqueueOptions for customizing message enqueue
type EnqueueOptions struct {
	// Delay hides the message from receivers until it passes.
	Delay time.Duration
}

// Message is a leased message.
type Message struct {
	ID           int64           `json:"id"`
	Body         json.RawMessage `json:"body"`
	Receipt      string          `json:"receipt"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleUntil time.Time       `json:"visible_until"`
	Attempts     int             `json:"attempts"`
}

// ReceiveOptions controls a receive call. Zero values take server defaults.
type ReceiveOptions struct {
	Max        int
	Visibility time.Duration
	// Wait long-polls up to this long when the queue is empty.
	Wait time.Duration
}

// Enqueue sends a message to a queue. body is marshalled to JSON.
func (c *Client) Enqueue(ctx context.Context, queue string, body any, opts *EnqueueOptions) (int64, error) {
	if opts == nil {
		opts = &EnqueueOptions{}
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal body: %w", err)
	}

	req := map[string]any{
		"body": json.RawMessage(bodyJSON),
	}
	if opts.Delay > 0 {
		req["delay_ms"] = opts.Delay.Milliseconds()
	}

	var result struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, "enqueue", http.MethodPost, "/v1/queues/"+url.PathEscape(queue)+"/messages", req, http.StatusCreated, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// Receive leases up to opts.Max messages. An empty slice means the queue had
// nothing eligible.
func (c *Client) Receive(ctx context.Context, queue string, opts ReceiveOptions) ([]Message, error) {
	req := map[string]any{
		"max":           opts.Max,
		"visibility_ms": opts.Visibility.Milliseconds(),
		"wait_ms":       opts.Wait.Milliseconds(),
	}
	var msgs []Message
	if err := c.do(ctx, "receive", http.MethodPost, "/v1/queues/"+url.PathEscape(queue)+":receive", req, http.StatusOK, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Ack deletes the message. ErrNotFound or ErrExpired mean the lease was lost.
func (c *Client) Ack(ctx context.Context, m Message) error {
	return c.lease(ctx, "ack", m, 0)
}

// Release hands the message back for immediate redelivery.
func (c *Client) Release(ctx context.Context, m Message) error {
	return c.lease(ctx, "release", m, 0)
}

// Extend keeps the message hidden for d from now.
func (c *Client) Extend(ctx context.Context, m Message, d time.Duration) error {
	return c.lease(ctx, "extend", m, d)
}

func (c *Client) lease(ctx context.Context, op string, m Message, d time.Duration) error {
	req := map[string]any{"receipt": m.Receipt}
	if d > 0 {
		req["visibility_ms"] = d.Milliseconds()
	}
	return c.do(ctx, op, http.MethodPost, fmt.Sprintf("/v1/messages/%d:%s", m.ID, op), req, http.StatusOK, nil)
}

// Count returns the number of messages in queue, leased or not.
func (c *Client) Count(ctx context.Context, queue string) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, "count", http.MethodGet, "/v1/queues/"+url.PathEscape(queue)+"/count", nil, http.StatusOK, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// Purge deletes every message in queue and returns how many were removed.
func (c *Client) Purge(ctx context.Context, queue string) (int, error) {
	var result struct {
		Purged int `json:"purged"`
	}
	if err := c.do(ctx, "purge", http.MethodDelete, "/v1/queues/"+url.PathEscape(queue)+"/messages", nil, http.StatusOK, &result); err != nil {
		return 0, err
	}
	return result.Purged, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error   string `json:"error"`
			Outcome string `json:"outcome"`
		}
		msg := strings.TrimSpace(string(bodyBytes))
		if json.Unmarshal(bodyBytes, &apiErr) == nil {
			if apiErr.Error != "" {
				msg = apiErr.Error
			} else if apiErr.Outcome != "" {
				msg = apiErr.Outcome
			}
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
