package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/api"
	"github.com/aridsondez/leaseq/internal/notify"
	"github.com/aridsondez/leaseq/internal/queue/store/sqlite"
	"github.com/aridsondez/leaseq/pkg/client"
)

func newClient(t *testing.T) *client.Client {
	t.Helper()
	s, err := sqlite.Open(sqlite.MemoryPath, "queue_messages")
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))

	srv := httptest.NewServer(api.NewRouter(s, notify.NewHub(), api.Options{MaxWait: time.Second}))
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return client.NewClient(srv.URL)
}

// runWorker starts w and returns a func that stops it and waits for Run.
func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func drained(c *client.Client, q string) func() bool {
	return func() bool {
		n, err := c.Count(context.Background(), q)
		return err == nil && n == 0
	}
}

func TestWorkerAcksOnSuccess(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := c.Enqueue(ctx, "jobs", i, nil)
		require.NoError(t, err)
	}

	var handled atomic.Int32
	w := New(Config{Client: c, PollDelay: 10 * time.Millisecond, Concurrency: 2})
	w.Handle("jobs", func(ctx context.Context, msg *Message) error {
		assert.Equal(t, "jobs", msg.Queue)
		handled.Add(1)
		return nil
	})
	stop := runWorker(t, w)
	defer stop()

	assert.Eventually(t, drained(c, "jobs"), 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(5), handled.Load())
}

func TestWorkerReleasesOnErrorAndPanic(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	_, err := c.Enqueue(ctx, "flaky", "x", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var attempts []int
	w := New(Config{Client: c, PollDelay: 10 * time.Millisecond})
	w.Handle("flaky", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		attempts = append(attempts, msg.Attempts)
		n := len(attempts)
		mu.Unlock()
		switch n {
		case 1:
			return errors.New("transient")
		case 2:
			panic("boom")
		}
		return nil
	})
	stop := runWorker(t, w)
	defer stop()

	assert.Eventually(t, drained(c, "flaky"), 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestHandlerCanExtendLease(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	_, err := c.Enqueue(ctx, "slow", "x", nil)
	require.NoError(t, err)

	extended := make(chan error, 1)
	w := New(Config{Client: c, PollDelay: 10 * time.Millisecond, Visibility: time.Second})
	w.Handle("slow", func(ctx context.Context, msg *Message) error {
		err := msg.Extend(ctx, time.Minute)
		extended <- err
		return err
	})
	stop := runWorker(t, w)
	defer stop()

	select {
	case err := <-extended:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	assert.Eventually(t, drained(c, "slow"), 5*time.Second, 20*time.Millisecond)
}

func TestHandlerCancelledAtLeaseEnd(t *testing.T) {
	c := newClient(t)
	_, err := c.Enqueue(context.Background(), "deadline", "x", nil)
	require.NoError(t, err)

	got := make(chan error, 1)
	w := New(Config{Client: c, PollDelay: 10 * time.Millisecond, Visibility: 300 * time.Millisecond})
	w.Handle("deadline", func(ctx context.Context, msg *Message) error {
		select {
		case <-ctx.Done():
			got <- context.Cause(ctx)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			got <- nil
			return nil
		}
	})
	stop := runWorker(t, w)
	defer stop()

	select {
	case cause := <-got:
		assert.ErrorIs(t, cause, errLeaseEnded)
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestExtendPostponesCancellation(t *testing.T) {
	c := newClient(t)
	_, err := c.Enqueue(context.Background(), "extend", "x", nil)
	require.NoError(t, err)

	alive := make(chan bool, 1)
	w := New(Config{Client: c, PollDelay: 10 * time.Millisecond, Visibility: 300 * time.Millisecond})
	w.Handle("extend", func(ctx context.Context, msg *Message) error {
		if err := msg.Extend(ctx, 5*time.Second); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			alive <- false
		case <-time.After(600 * time.Millisecond):
			alive <- true
		}
		return nil
	})
	stop := runWorker(t, w)
	defer stop()

	select {
	case ok := <-alive:
		assert.True(t, ok, "handler context cancelled despite extension")
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	assert.Eventually(t, drained(c, "extend"), 5*time.Second, 20*time.Millisecond)
}

func TestWorkerIdentity(t *testing.T) {
	a := New(Config{BaseURL: "http://localhost:8080"})
	b := New(Config{BaseURL: "http://localhost:8080"})
	_, err := ulid.Parse(a.ID())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestRunWithoutHandlers(t *testing.T) {
	assert.Error(t, New(Config{BaseURL: "http://localhost:8080"}).Run(context.Background()))
}
