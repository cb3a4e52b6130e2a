// Package mysql is the queue store for MySQL 8 (InnoDB). Claims take row
// locks with FOR UPDATE SKIP LOCKED inside one READ COMMITTED transaction, so
// concurrent claimers never wait on each other and only the rows actually
// handed out stay locked.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/aridsondez/leaseq/internal/log"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// Ensure *MySQLStore implements store.Store at compile time.
var _ store.Store = (*MySQLStore)(nil)

const driverName = "mysql"

// minLease keeps a claimed message hidden past the claiming statement's
// timestamp.
const minLease = time.Millisecond

type MySQLStore struct {
	db *sqlx.DB
	q  queries
}

// driverLogger routes the driver's own diagnostics (dropped connections,
// malformed packets) into the service log.
type driverLogger struct{}

func (driverLogger) Print(v ...any) {
	log.Warn(append([]any{"mysql driver: "}, v...)...)
}

// Open connects with cfg. ParseTime, ClientFoundRows and a UTC location are
// forced: rows scan into time.Time and RowsAffected counts matched rows.
// Like sql.Open, it does not dial; call Ping to verify the server.
func Open(cfg *mysqldrv.Config, table string) (*MySQLStore, error) {
	cfg = cfg.Clone()
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	cfg.Logger = driverLogger{}

	connector, err := mysqldrv.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql config: %w", queue.ErrInvalidArgument, err)
	}
	db := sqlx.NewDb(sql.OpenDB(connector), driverName)

	s, err := New(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. The store takes ownership: Close closes db.
// The connection must scan DATETIME into time.Time (parseTime=true).
func New(db *sqlx.DB, table string) (*MySQLStore, error) {
	parts, err := store.SplitTableName(table)
	if err != nil {
		return nil, err
	}
	return &MySQLStore{db: db, q: buildQueries(quote(parts))}, nil
}

// quote renders `schema`.`table`. Parts are validated identifiers, so they
// never contain a backtick.
func quote(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "`" + p + "`"
	}
	return strings.Join(quoted, ".")
}

func micros(d time.Duration) int64 {
	return d.Microseconds()
}

func leaseMicros(d time.Duration) int64 {
	return micros(max(d, minLease))
}

// withTx runs fn in a READ COMMITTED transaction: record locks only, no gap
// locks, and locks on rows that fail the WHERE clause are released early.
func (s *MySQLStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(op, err)
	}
	return classify(op, tx.Commit())
}

// Enqueue inserts a message with optional delay.
func (s *MySQLStore) Enqueue(ctx context.Context, m queue.Message, delay time.Duration) (int64, error) {
	if m.Queue == "" {
		return 0, fmt.Errorf("%w: queue name is required", queue.ErrInvalidArgument)
	}
	if delay < 0 {
		delay = 0
	}
	if m.Payload == nil {
		m.Payload = []byte{}
	}

	res, err := s.db.ExecContext(ctx, s.q.enqueue, m.Queue, m.Payload, micros(delay))
	if err != nil {
		return 0, classify("enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("enqueue", err)
	}
	return id, nil
}

type row struct {
	ID           int64          `db:"id"`
	Queue        string         `db:"queue"`
	Payload      []byte         `db:"payload"`
	EnqueuedAt   time.Time      `db:"enqueued_at"`
	VisibleAt    time.Time      `db:"visible_at"`
	ClaimedToken sql.NullString `db:"claimed_token"`
	Attempts     int            `db:"attempts"`
}

func (r row) message() queue.Message {
	m := queue.Message{
		ID:         r.ID,
		Queue:      r.Queue,
		Payload:    r.Payload,
		EnqueuedAt: r.EnqueuedAt.UTC(),
		VisibleAt:  r.VisibleAt.UTC(),
		Attempts:   r.Attempts,
	}
	if r.ClaimedToken.Valid {
		token := r.ClaimedToken.String
		m.ClaimToken = &token
	}
	return m
}

// Claim leases up to opts.Limit messages for opts.Visibility: pick and lock,
// stamp the claim token, then read the claimed rows back by that token.
func (s *MySQLStore) Claim(ctx context.Context, opts queue.ClaimOptions) ([]queue.Message, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	token := uuid.NewString()

	out := make([]queue.Message, 0, opts.Limit)
	err := s.withTx(ctx, "claim", func(tx *sqlx.Tx) error {
		var ids []int64
		if err := tx.SelectContext(ctx, &ids, s.q.pick, opts.Queue, opts.Limit); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		query, args, err := sqlx.In(s.q.claim, leaseMicros(opts.Visibility), token, ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return err
		}

		var rows []row
		if err := tx.SelectContext(ctx, &rows, s.q.claimed, token); err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, r.message())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ack deletes the message if r still owns the lease.
func (s *MySQLStore) Ack(ctx context.Context, r queue.Receipt) (queue.Outcome, error) {
	if err := r.Validate(); err != nil {
		return queue.NotFound, err
	}
	return s.leaseOp(ctx, "ack", r.ID, s.q.ack, r.ID, r.Token)
}

// Release clears the lease and makes the message visible right away.
func (s *MySQLStore) Release(ctx context.Context, r queue.Receipt) (queue.Outcome, error) {
	if err := r.Validate(); err != nil {
		return queue.NotFound, err
	}
	return s.leaseOp(ctx, "release", r.ID, s.q.release, r.ID, r.Token)
}

func (s *MySQLStore) ExtendLease(ctx context.Context, r queue.Receipt, d time.Duration) (queue.Outcome, error) {
	if err := r.Validate(); err != nil {
		return queue.NotFound, err
	}
	if d <= 0 {
		return queue.NotFound, fmt.Errorf("%w: lease duration must be positive, got %s", queue.ErrInvalidArgument, d)
	}
	return s.leaseOp(ctx, "extend lease", r.ID, s.q.extend, leaseMicros(d), r.ID, r.Token)
}

// leaseOp runs a token-guarded statement; when it matches nothing, the
// existence check in the same transaction tells NotFound from Expired.
func (s *MySQLStore) leaseOp(ctx context.Context, op string, id int64, stmt string, args ...any) (queue.Outcome, error) {
	result := queue.NotFound
	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, stmt, args...)
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
		if err := tx.GetContext(ctx, &exists, s.q.exists, id); err != nil {
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
func (s *MySQLStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q.sweep)
	if err != nil {
		return 0, classify("sweep", err)
	}
	n, err := res.RowsAffected()
	return int(n), classify("sweep", err)
}

func (s *MySQLStore) Count(ctx context.Context, queueName string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q.count, queueName); err != nil {
		return 0, classify("count", err)
	}
	return n, nil
}

func (s *MySQLStore) Purge(ctx context.Context, queueName string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q.purge, queueName)
	if err != nil {
		return 0, classify("purge", err)
	}
	n, err := res.RowsAffected()
	return int(n), classify("purge", err)
}

func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.schema); err != nil {
		return classify("ensure schema", err)
	}
	return nil
}

func (s *MySQLStore) CheckSchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, s.q.check)
	if err != nil {
		return classify("check schema", err)
	}
	defer rows.Close()
	return classify("check schema", rows.Err())
}

// Ping dials the server.
func (s *MySQLStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

func (s *MySQLStore) Close() {
	_ = s.db.Close()
}
