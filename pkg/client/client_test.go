package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/aridsondez/leaseq/internal/api"
	"github.com/aridsondez/leaseq/internal/notify"
	"github.com/aridsondez/leaseq/internal/queue/store/sqlite"
)

func newServer(t *testing.T) *Client {
	t.Helper()
	s, err := sqlite.Open(sqlite.MemoryPath, "queue_messages")
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))

	srv := httptest.NewServer(api.NewRouter(s, notify.NewHub(), api.Options{MaxWait: 2 * time.Second}))
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return NewClient(srv.URL + "/")
}

func TestLifecycle(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "emails", map[string]string{"to": "a@example.com"}, nil)
	require.NoError(t, err)

	n, err := c.Count(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := c.Receive(ctx, "emails", ReceiveOptions{Max: 10, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(msgs[0].Body))

	require.NoError(t, c.Extend(ctx, msgs[0], 2*time.Minute))
	require.NoError(t, c.Ack(ctx, msgs[0]))

	err = c.Ack(ctx, msgs[0])
	assert.ErrorIs(t, err, ErrNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestReleaseThenStaleReceiptExpired(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "q", "x", nil)
	require.NoError(t, err)

	first, err := c.Receive(ctx, "q", ReceiveOptions{})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, c.Release(ctx, first[0]))

	second, err := c.Receive(ctx, "q", ReceiveOptions{})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Attempts)

	assert.ErrorIs(t, c.Ack(ctx, first[0]), ErrExpired)
	assert.NoError(t, c.Ack(ctx, second[0]))
}

func TestDelayAndPurge(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "later", "x", &EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	msgs, err := c.Receive(ctx, "later", ReceiveOptions{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	purged, err := c.Purge(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestLongPoll(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = c.Enqueue(ctx, "lp", "wake", nil)
	}()

	msgs, err := c.Receive(ctx, "lp", ReceiveOptions{Wait: 2 * time.Second})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestUnreachableServerIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Count(context.Background(), "q")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestServiceUnavailableMapsToErrUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"claim failed: queue store unavailable"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Receive(context.Background(), "q", ReceiveOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "queue store unavailable")
}

func TestInjectsTraceparent(t *testing.T) {
	old := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(old)

	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("traceparent"))
		_, _ = w.Write([]byte(`{"queue":"q","count":0}`))
	}))
	defer srv.Close()

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parent)

	_, err := NewClient(srv.URL).Count(ctx, "q")
	require.NoError(t, err)
	assert.NotEmpty(t, got.Load())
}
