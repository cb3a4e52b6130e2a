package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/notify"
	"github.com/aridsondez/leaseq/internal/queue/handler"
	"github.com/aridsondez/leaseq/internal/queue/store/observed"
	"github.com/aridsondez/leaseq/internal/queue/sweeper"
)

// setupPostgresServer wires the full server stack against the database named
// by LEASEQ_TEST_PG_DSN, on a table private to the test.
func setupPostgresServer(t *testing.T) *testServer {
	t.Helper()
	dsn := os.Getenv("LEASEQ_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("LEASEQ_TEST_PG_DSN not set")
	}
	ctx := context.Background()

	table := fmt.Sprintf("leaseq_api_%d", time.Now().UnixNano())
	h, err := handler.New(map[string]string{"dsn": dsn, "table_name": table})
	require.NoError(t, err)
	raw, err := h.Open(ctx)
	require.NoError(t, err)
	s := observed.New(raw)
	require.NoError(t, s.EnsureSchema(ctx))

	swpCtx, cancel := context.WithCancel(ctx)
	swp := sweeper.New(s, 200*time.Millisecond)
	go swp.Start(swpCtx)

	srv := httptest.NewServer(NewRouter(s, notify.NewHub(), Options{MaxWait: 2 * time.Second}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		s.Close()
		if conn, err := pgx.Connect(context.Background(), h.ConnString()); err == nil {
			_, _ = conn.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
			_ = conn.Close(context.Background())
		}
	})
	return &testServer{Server: srv}
}

func TestPostgresBasicFlow(t *testing.T) {
	ts := setupPostgresServer(t)

	id := ts.enqueue(t, "basic", map[string]string{"task": "process-order"})
	msgs := ts.receive(t, "basic", receiveRequest{Max: 1, VisibilityMS: 30_000})
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	code := ts.do(t, http.MethodPost, fmt.Sprintf("/v1/messages/%d:ack", id), leaseRequest{Receipt: msgs[0].Receipt}, nil)
	require.Equal(t, http.StatusOK, code)

	assert.Empty(t, ts.receive(t, "basic", receiveRequest{Max: 1}))
}

func TestPostgresExpiredLeaseRedelivered(t *testing.T) {
	ts := setupPostgresServer(t)

	id := ts.enqueue(t, "requeue", map[string]string{"task": "test-requeue"})
	first := ts.receive(t, "requeue", receiveRequest{Max: 1, VisibilityMS: 1000})
	require.Len(t, first, 1)

	time.Sleep(1500 * time.Millisecond)

	second := ts.receive(t, "requeue", receiveRequest{Max: 1, VisibilityMS: 30_000})
	require.Len(t, second, 1)
	assert.Equal(t, id, second[0].ID)
	assert.Equal(t, 2, second[0].Attempts)

	code := ts.do(t, http.MethodPost, fmt.Sprintf("/v1/messages/%d:ack", id), leaseRequest{Receipt: first[0].Receipt}, nil)
	assert.Equal(t, http.StatusConflict, code)
}
