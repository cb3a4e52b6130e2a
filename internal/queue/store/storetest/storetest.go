// Package storetest is the behavioral contract every store.Store must pass.
// Backends call Run from their own tests with a factory for fresh stores.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// Harness is one store under test plus control over its clock.
type Harness struct {
	Store store.Store
	// Advance moves the store's notion of now forward by at least d. Stores
	// that read the database clock simply sleep.
	Advance func(d time.Duration)
}

const lease = time.Minute

// Run executes the contract suite. newHarness is called once per subtest.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"EnqueueThenClaim", testEnqueueThenClaim},
		{"ClaimEmptyQueue", testClaimEmptyQueue},
		{"ClaimIsFIFO", testClaimIsFIFO},
		{"ClaimRespectsLimit", testClaimRespectsLimit},
		{"ClaimRejectsBadOptions", testClaimRejectsBadOptions},
		{"DelayedMessage", testDelayedMessage},
		{"AckedNeverReturned", testAckedNeverReturned},
		{"ExpiredLeaseIsReclaimed", testExpiredLeaseIsReclaimed},
		{"StaleReceiptIsExpired", testStaleReceiptIsExpired},
		{"ReleaseMakesClaimable", testReleaseMakesClaimable},
		{"ExtendLeaseKeepsMessageHidden", testExtendLeaseKeepsMessageHidden},
		{"UnknownMessageIsNotFound", testUnknownMessageIsNotFound},
		{"SweepClearsLapsedLeases", testSweepClearsLapsedLeases},
		{"CountAndPurge", testCountAndPurge},
		{"SchemaCheck", testSchemaCheck},
		{"ConcurrentClaimsNeverOverlap", testConcurrentClaimsNeverOverlap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newHarness(t))
		})
	}
}

func queueName(t *testing.T) string {
	return fmt.Sprintf("q-%s-%d", t.Name(), time.Now().UnixNano())
}

func enqueue(t *testing.T, h Harness, q, payload string) int64 {
	t.Helper()
	id, err := h.Store.Enqueue(context.Background(), queue.Message{Queue: q, Payload: []byte(payload)}, 0)
	require.NoError(t, err)
	require.Positive(t, id)
	return id
}

func claim(t *testing.T, h Harness, q string, limit int, visibility time.Duration) []queue.Message {
	t.Helper()
	msgs, err := h.Store.Claim(context.Background(), queue.ClaimOptions{Queue: q, Limit: limit, Visibility: visibility})
	require.NoError(t, err)
	return msgs
}

func ids(msgs []queue.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func testEnqueueThenClaim(t *testing.T, h Harness) {
	q := queueName(t)
	id := enqueue(t, h, q, "hello")

	msgs := claim(t, h, q, 10, lease)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, id, m.ID)
	assert.Equal(t, q, m.Queue)
	assert.Equal(t, []byte("hello"), m.Payload)
	assert.Equal(t, 1, m.Attempts)
	require.NotNil(t, m.ClaimToken)
	assert.NotEmpty(t, *m.ClaimToken)
	assert.True(t, m.VisibleAt.After(m.EnqueuedAt), "claim must push visible_at past enqueue time")

	assert.Empty(t, claim(t, h, q, 10, lease), "a leased message must stay invisible")
}

func testClaimEmptyQueue(t *testing.T, h Harness) {
	msgs := claim(t, h, queueName(t), 5, lease)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func testClaimIsFIFO(t *testing.T, h Harness) {
	q := queueName(t)
	var want []int64
	for i := 0; i < 3; i++ {
		want = append(want, enqueue(t, h, q, fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, want, ids(claim(t, h, q, 3, lease)))
}

func testClaimRespectsLimit(t *testing.T, h Harness) {
	q := queueName(t)
	for i := 0; i < 5; i++ {
		enqueue(t, h, q, "x")
	}

	assert.Len(t, claim(t, h, q, 2, lease), 2)
	assert.Len(t, claim(t, h, q, 2, lease), 2)
	assert.Len(t, claim(t, h, q, 2, lease), 1)
	assert.Empty(t, claim(t, h, q, 2, lease))
}

func testClaimRejectsBadOptions(t *testing.T, h Harness) {
	ctx := context.Background()
	_, err := h.Store.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 0, Visibility: lease})
	assert.ErrorIs(t, err, queue.ErrInvalidArgument)

	_, err = h.Store.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 1})
	assert.ErrorIs(t, err, queue.ErrInvalidArgument)

	_, err = h.Store.Enqueue(ctx, queue.Message{Payload: []byte("x")}, 0)
	assert.ErrorIs(t, err, queue.ErrInvalidArgument)
}

func testDelayedMessage(t *testing.T, h Harness) {
	q := queueName(t)
	id, err := h.Store.Enqueue(context.Background(), queue.Message{Queue: q, Payload: []byte("later")}, time.Second)
	require.NoError(t, err)

	assert.Empty(t, claim(t, h, q, 1, lease))

	h.Advance(1500 * time.Millisecond)
	assert.Equal(t, []int64{id}, ids(claim(t, h, q, 1, lease)))
}

func testAckedNeverReturned(t *testing.T, h Harness) {
	ctx := context.Background()
	q := queueName(t)
	enqueue(t, h, q, "done")

	msgs := claim(t, h, q, 1, time.Second)
	require.Len(t, msgs, 1)

	out, err := h.Store.Ack(ctx, msgs[0].Receipt())
	require.NoError(t, err)
	assert.Equal(t, queue.OK, out)

	h.Advance(1500 * time.Millisecond)
	assert.Empty(t, claim(t, h, q, 1, lease), "acked message must never come back")

	out, err = h.Store.Ack(ctx, msgs[0].Receipt())
	require.NoError(t, err)
	assert.Equal(t, queue.NotFound, out)
}

func testExpiredLeaseIsReclaimed(t *testing.T, h Harness) {
	q := queueName(t)
	id := enqueue(t, h, q, "retry me")

	first := claim(t, h, q, 1, time.Second)
	require.Len(t, first, 1)

	h.Advance(1500 * time.Millisecond)

	second := claim(t, h, q, 1, lease)
	require.Len(t, second, 1)
	assert.Equal(t, id, second[0].ID)
	assert.Equal(t, 2, second[0].Attempts)
	assert.True(t, second[0].VisibleAt.After(first[0].VisibleAt), "visible_at must increase on every claim")
	assert.NotEqual(t, *first[0].ClaimToken, *second[0].ClaimToken)
}

func testStaleReceiptIsExpired(t *testing.T, h Harness) {
	ctx := context.Background()
	q := queueName(t)
	enqueue(t, h, q, "contended")

	first := claim(t, h, q, 1, time.Second)
	require.Len(t, first, 1)
	h.Advance(1500 * time.Millisecond)
	second := claim(t, h, q, 1, lease)
	require.Len(t, second, 1)

	stale := first[0].Receipt()

	out, err := h.Store.ExtendLease(ctx, stale, lease)
	require.NoError(t, err)
	assert.Equal(t, queue.Expired, out, "extending a reclaimed lease must fail")

	out, err = h.Store.Ack(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, queue.Expired, out)

	out, err = h.Store.Release(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, queue.Expired, out)

	// The current holder is unaffected.
	out, err = h.Store.Ack(ctx, second[0].Receipt())
	require.NoError(t, err)
	assert.Equal(t, queue.OK, out)
}

func testReleaseMakesClaimable(t *testing.T, h Harness) {
	ctx := context.Background()
	q := queueName(t)
	id := enqueue(t, h, q, "give back")

	msgs := claim(t, h, q, 1, lease)
	require.Len(t, msgs, 1)

	out, err := h.Store.Release(ctx, msgs[0].Receipt())
	require.NoError(t, err)
	assert.Equal(t, queue.OK, out)

	again := claim(t, h, q, 1, lease)
	require.Len(t, again, 1)
	assert.Equal(t, id, again[0].ID)
	assert.Equal(t, 2, again[0].Attempts)

	out, err = h.Store.Release(ctx, msgs[0].Receipt())
	require.NoError(t, err)
	assert.Equal(t, queue.Expired, out)
}

func testExtendLeaseKeepsMessageHidden(t *testing.T, h Harness) {
	ctx := context.Background()
	q := queueName(t)
	enqueue(t, h, q, "slow")

	msgs := claim(t, h, q, 1, time.Second)
	require.Len(t, msgs, 1)

	out, err := h.Store.ExtendLease(ctx, msgs[0].Receipt(), lease)
	require.NoError(t, err)
	assert.Equal(t, queue.OK, out)

	h.Advance(1500 * time.Millisecond)
	assert.Empty(t, claim(t, h, q, 1, lease))

	out, err = h.Store.Ack(ctx, msgs[0].Receipt())
	require.NoError(t, err)
	assert.Equal(t, queue.OK, out)

	_, err = h.Store.ExtendLease(ctx, msgs[0].Receipt(), 0)
	assert.ErrorIs(t, err, queue.ErrInvalidArgument)
}

func testUnknownMessageIsNotFound(t *testing.T, h Harness) {
	ctx := context.Background()
	r := queue.Receipt{ID: 1 << 40, Token: "nobody"}

	out, err := h.Store.Ack(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, queue.NotFound, out)

	out, err = h.Store.Release(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, queue.NotFound, out)

	out, err = h.Store.ExtendLease(ctx, r, lease)
	require.NoError(t, err)
	assert.Equal(t, queue.NotFound, out)

	_, err = h.Store.Ack(ctx, queue.Receipt{ID: 1})
	assert.ErrorIs(t, err, queue.ErrInvalidArgument)
}

func testSweepClearsLapsedLeases(t *testing.T, h Harness) {
	ctx := context.Background()
	q := queueName(t)
	id := enqueue(t, h, q, "abandoned")

	msgs := claim(t, h, q, 1, time.Second)
	require.Len(t, msgs, 1)
	h.Advance(1500 * time.Millisecond)

	n, err := h.Store.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	// The worker that lost the lease can no longer extend it.
	out, err := h.Store.ExtendLease(ctx, msgs[0].Receipt(), lease)
	require.NoError(t, err)
	assert.Equal(t, queue.Expired, out)

	again := claim(t, h, q, 1, lease)
	require.Len(t, again, 1)
	assert.Equal(t, id, again[0].ID)
}

func testCountAndPurge(t *testing.T, h Harness) {
	ctx := context.Background()
	q := queueName(t)
	other := q + "-other"
	for i := 0; i < 3; i++ {
		enqueue(t, h, q, "x")
	}
	enqueue(t, h, other, "y")
	claim(t, h, q, 1, lease)

	n, err := h.Store.Count(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "count includes leased messages")

	purged, err := h.Store.Purge(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 3, purged)

	n, err = h.Store.Count(ctx, q)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.Store.Count(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testSchemaCheck(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CheckSchema(ctx))
	require.NoError(t, h.Store.EnsureSchema(ctx), "EnsureSchema must be idempotent")
}

func testConcurrentClaimsNeverOverlap(t *testing.T, h Harness) {
	const (
		messages = 40
		workers  = 4
	)
	q := queueName(t)
	for i := 0; i < messages; i++ {
		enqueue(t, h, q, fmt.Sprintf("job-%d", i))
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
		errs = make(chan error, workers)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := h.Store.Claim(context.Background(), queue.ClaimOptions{Queue: q, Limit: 3, Visibility: lease})
				if err != nil {
					errs <- err
					return
				}
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, seen, messages)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %d delivered %d times", id, n)
	}
}
