// Package sqlite is the embedded queue store. SQLite serializes writers, so
// every mutating operation runs inside BEGIN IMMEDIATE on a dedicated
// connection: the write lock is taken up front and waits on busy_timeout
// instead of failing on a lock upgrade halfway through.
package sqlite

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// Ensure *SQLiteStore implements store.Store at compile time.
var _ store.Store = (*SQLiteStore)(nil)

const (
	driverName  = "sqlite"
	MemoryPath  = ":memory:"
	busyTimeout = 5 * time.Second
)

type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
	q   queries
}

type Option func(*SQLiteStore)

// WithClock replaces time.Now. Lease deadlines are computed from this clock,
// which lets tests expire leases without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// Open opens (or creates) the database file at path. MemoryPath gives a
// private in-memory database held on a single connection.
func Open(path, table string, opts ...Option) (*SQLiteStore, error) {
	db, err := sqlx.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == MemoryPath {
		// Every new connection to :memory: is a new, empty database.
		db.SetMaxOpenConns(1)
	}

	s, err := New(db, table, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. The store takes ownership: Close closes db.
func New(db *sqlx.DB, table string, opts ...Option) (*SQLiteStore, error) {
	parts, err := store.SplitTableName(table)
	if err != nil {
		return nil, err
	}
	if len(parts) != 1 {
		return nil, fmt.Errorf("%w: sqlite table name %q must not be schema-qualified", queue.ErrInvalidArgument, table)
	}

	s := &SQLiteStore{
		db:  db,
		now: time.Now,
		q:   buildQueries(quote(table), quote(table+"_queue_visible_idx")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func dsn(path string) string {
	v := url.Values{}
	v.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	if path != MemoryPath {
		v.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + path + "?" + v.Encode()
}

func quote(ident string) string {
	return `"` + ident + `"`
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

// deadline returns now+d in milliseconds, always strictly after now.
func deadline(nowMs int64, d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return nowMs + ms
}

// withImmediateTx runs fn inside BEGIN IMMEDIATE on one pooled connection.
func (s *SQLiteStore) withImmediateTx(ctx context.Context, op string, fn func(conn *sqlx.Conn) error) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return classify(op, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return classify(op, err)
	}
	if err := fn(conn); err != nil {
		// The connection goes back to the pool; never leave it inside a
		// transaction, even when ctx is already done.
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return classify(op, err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return classify(op, err)
	}
	return nil
}

// Enqueue inserts a message with optional delay.
func (s *SQLiteStore) Enqueue(ctx context.Context, m queue.Message, delay time.Duration) (int64, error) {
	if m.Queue == "" {
		return 0, fmt.Errorf("%w: queue name is required", queue.ErrInvalidArgument)
	}
	if delay < 0 {
		delay = 0
	}
	if m.Payload == nil {
		m.Payload = []byte{}
	}

	now := s.nowMillis()
	var id int64
	err := s.withImmediateTx(ctx, "enqueue", func(conn *sqlx.Conn) error {
		res, err := conn.ExecContext(ctx, s.q.enqueue, m.Queue, m.Payload, now, now+delay.Milliseconds())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

type row struct {
	ID           int64          `db:"id"`
	Queue        string         `db:"queue"`
	Payload      []byte         `db:"payload"`
	EnqueuedAt   int64          `db:"enqueued_at"`
	VisibleAt    int64          `db:"visible_at"`
	ClaimedToken sql.NullString `db:"claimed_token"`
	Attempts     int            `db:"attempts"`
}

func (r row) message() queue.Message {
	m := queue.Message{
		ID:         r.ID,
		Queue:      r.Queue,
		Payload:    r.Payload,
		EnqueuedAt: time.UnixMilli(r.EnqueuedAt).UTC(),
		VisibleAt:  time.UnixMilli(r.VisibleAt).UTC(),
		Attempts:   r.Attempts,
	}
	if r.ClaimedToken.Valid {
		token := r.ClaimedToken.String
		m.ClaimToken = &token
	}
	return m
}

// Claim leases up to opts.Limit messages for opts.Visibility.
func (s *SQLiteStore) Claim(ctx context.Context, opts queue.ClaimOptions) ([]queue.Message, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	now := s.nowMillis()

	out := make([]queue.Message, 0, opts.Limit)
	err := s.withImmediateTx(ctx, "claim", func(conn *sqlx.Conn) error {
		rows, err := conn.QueryxContext(ctx, s.q.claim, deadline(now, opts.Visibility), token, opts.Queue, now, opts.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r row
			if err := rows.StructScan(&r); err != nil {
				return err
			}
			out = append(out, r.message())
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b queue.Message) int {
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Ack deletes the message if r still owns the lease.
func (s *SQLiteStore) Ack(ctx context.Context, r queue.Receipt) (queue.Outcome, error) {
	if err := r.Validate(); err != nil {
		return queue.NotFound, err
	}
	return s.leaseOp(ctx, "ack", r.ID, s.q.ack, r.ID, r.Token)
}

// Release clears the lease and makes the message visible right away.
func (s *SQLiteStore) Release(ctx context.Context, r queue.Receipt) (queue.Outcome, error) {
	if err := r.Validate(); err != nil {
		return queue.NotFound, err
	}
	return s.leaseOp(ctx, "release", r.ID, s.q.release, s.nowMillis(), r.ID, r.Token)
}

func (s *SQLiteStore) ExtendLease(ctx context.Context, r queue.Receipt, d time.Duration) (queue.Outcome, error) {
	if err := r.Validate(); err != nil {
		return queue.NotFound, err
	}
	if d <= 0 {
		return queue.NotFound, fmt.Errorf("%w: lease duration must be positive, got %s", queue.ErrInvalidArgument, d)
	}
	return s.leaseOp(ctx, "extend lease", r.ID, s.q.extend, deadline(s.nowMillis(), d), r.ID, r.Token)
}

// leaseOp runs a token-guarded statement; when it touches nothing, the
// existence check in the same transaction tells NotFound from Expired.
func (s *SQLiteStore) leaseOp(ctx context.Context, op string, id int64, stmt string, args ...any) (queue.Outcome, error) {
	result := queue.NotFound
	err := s.withImmediateTx(ctx, op, func(conn *sqlx.Conn) error {
		res, err := conn.ExecContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			result = queue.OK
			return nil
		}

		var exists bool
		if err := conn.GetContext(ctx, &exists, s.q.exists, id); err != nil {
			return err
		}
		if exists {
			result = queue.Expired
		}
		return nil
	})
	if err != nil {
		return queue.NotFound, err
	}
	return result, nil
}

// Sweep clears the claim token of every lapsed lease.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	var n int64
	err := s.withImmediateTx(ctx, "sweep", func(conn *sqlx.Conn) error {
		res, err := conn.ExecContext(ctx, s.q.sweep, s.nowMillis())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *SQLiteStore) Count(ctx context.Context, queueName string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q.count, queueName); err != nil {
		return 0, classify("count", err)
	}
	return n, nil
}

func (s *SQLiteStore) Purge(ctx context.Context, queueName string) (int, error) {
	var n int64
	err := s.withImmediateTx(ctx, "purge", func(conn *sqlx.Conn) error {
		res, err := conn.ExecContext(ctx, s.q.purge, queueName)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	return s.withImmediateTx(ctx, "ensure schema", func(conn *sqlx.Conn) error {
		for _, stmt := range s.q.schema {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) CheckSchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, s.q.check)
	if err != nil {
		return classify("check schema", err)
	}
	defer rows.Close()
	return classify("check schema", rows.Err())
}

// Ping opens a connection, which creates the database file if needed.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}
