package observed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store/sqlite"
	"github.com/aridsondez/leaseq/internal/queue/store/storetest"
)

func newStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	opts := []sqlite.Option{}
	if now != nil {
		opts = append(opts, sqlite.WithClock(now))
	}
	inner, err := sqlite.Open(sqlite.MemoryPath, "queue_messages", opts...)
	require.NoError(t, err)
	s := New(inner)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// The decorator must not change store semantics.
func TestObservedStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		return storetest.Harness{Store: newStore(t, c.Now), Advance: c.Advance}
	})
}

func TestMetricsRecorded(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	q := fmt.Sprintf("metrics-%d", time.Now().UnixNano())

	enqBefore := testutil.ToFloat64(metrics.MessagesEnqueued.WithLabelValues(q))
	claimBefore := testutil.ToFloat64(metrics.MessagesClaimed.WithLabelValues(q))
	ackOK := testutil.ToFloat64(metrics.LeaseOutcomes.WithLabelValues("ack", "ok"))
	ackMissing := testutil.ToFloat64(metrics.LeaseOutcomes.WithLabelValues("ack", "not_found"))

	for i := 0; i < 2; i++ {
		_, err := s.Enqueue(ctx, queue.Message{Queue: q, Payload: []byte("x")}, 0)
		require.NoError(t, err)
	}
	msgs, err := s.Claim(ctx, queue.ClaimOptions{Queue: q, Limit: 5, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	out, err := s.Ack(ctx, msgs[0].Receipt())
	require.NoError(t, err)
	assert.Equal(t, queue.OK, out)
	out, err = s.Ack(ctx, msgs[0].Receipt())
	require.NoError(t, err)
	assert.Equal(t, queue.NotFound, out)

	assert.Equal(t, enqBefore+2, testutil.ToFloat64(metrics.MessagesEnqueued.WithLabelValues(q)))
	assert.Equal(t, claimBefore+2, testutil.ToFloat64(metrics.MessagesClaimed.WithLabelValues(q)))
	assert.Equal(t, ackOK+1, testutil.ToFloat64(metrics.LeaseOutcomes.WithLabelValues("ack", "ok")))
	assert.Equal(t, ackMissing+1, testutil.ToFloat64(metrics.LeaseOutcomes.WithLabelValues("ack", "not_found")))
}

func TestErrorsCountedByKind(t *testing.T) {
	s := newStore(t, nil)
	before := testutil.ToFloat64(metrics.StoreErrors.WithLabelValues("claim", "invalid"))

	_, err := s.Claim(context.Background(), queue.ClaimOptions{Queue: "q"})
	assert.ErrorIs(t, err, queue.ErrInvalidArgument)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.StoreErrors.WithLabelValues("claim", "invalid")))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "unavailable", errorKind(fmt.Errorf("x: %w", queue.ErrStoreUnavailable)))
	assert.Equal(t, "schema", errorKind(fmt.Errorf("x: %w", queue.ErrSchema)))
	assert.Equal(t, "canceled", errorKind(context.Canceled))
	assert.Equal(t, "other", errorKind(fmt.Errorf("boom")))
}
