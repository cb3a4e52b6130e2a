package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store/storetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T, clock *fakeClock) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"), "queue_messages", WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		clock := newFakeClock()
		return storetest.Harness{
			Store:   openTestStore(t, clock),
			Advance: clock.Advance,
		}
	})
}

func TestInMemoryStore(t *testing.T) {
	s, err := Open(MemoryPath, "jobs")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))

	id, err := s.Enqueue(ctx, queue.Message{Queue: "mem", Payload: []byte("x")}, 0)
	require.NoError(t, err)

	msgs, err := s.Claim(ctx, queue.ClaimOptions{Queue: "mem", Limit: 1, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
}

func TestMissingTableIsSchemaError(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "empty.db"), "queue_messages")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	assert.ErrorIs(t, s.CheckSchema(ctx), queue.ErrSchema)

	_, err = s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 1, Visibility: time.Second})
	assert.ErrorIs(t, err, queue.ErrSchema)
	assert.False(t, queue.IsRetryable(err))
}

func TestMalformedTableIsSchemaError(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "bad.db"), "queue_messages")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.db.ExecContext(ctx, `CREATE TABLE queue_messages (id INTEGER PRIMARY KEY, body BLOB)`)
	require.NoError(t, err)

	assert.ErrorIs(t, s.CheckSchema(ctx), queue.ErrSchema)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "closed.db"), "queue_messages")
	require.NoError(t, err)
	s.Close()

	_, err = s.Claim(context.Background(), queue.ClaimOptions{Queue: "q", Limit: 1, Visibility: time.Second})
	require.Error(t, err)
	assert.True(t, queue.IsRetryable(err))
}

func TestNewRejectsBadTableNames(t *testing.T) {
	for _, name := range []string{"", "drop table x;", "main.queue", "1abc"} {
		_, err := Open(MemoryPath, name)
		assert.ErrorIs(t, err, queue.ErrInvalidArgument, name)
	}
}

func TestDeadlineIsStrictlyAfterNow(t *testing.T) {
	assert.Equal(t, int64(1001), deadline(1000, 0))
	assert.Equal(t, int64(1001), deadline(1000, 200*time.Microsecond))
	assert.Equal(t, int64(3000), deadline(1000, 2*time.Second))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "file::memory:?_pragma=busy_timeout%285000%29", dsn(MemoryPath))
	assert.Contains(t, dsn("/tmp/q.db"), "journal_mode%28WAL%29")
}
