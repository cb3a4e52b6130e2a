package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aridsondez/leaseq/internal/log"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/google/uuid"
)

// Ensure *PostgresStore implements store.Store at compile time.
var _ store.Store = (*PostgresStore)(nil)

type PostgresStore struct {
	pool          *pgxpool.Pool
	notifyChannel string
	q             queries
}

type Option func(*PostgresStore)

// WithNotifyChannel makes Enqueue issue pg_notify(channel, queue) so
// listeners in other processes can wake long-polling receivers.
func WithNotifyChannel(channel string) Option {
	return func(p *PostgresStore) {
		p.notifyChannel = channel
	}
}

// New wraps pool. The store takes ownership of the pool: Close closes it.
func New(pool *pgxpool.Pool, table string, opts ...Option) (*PostgresStore, error) {
	parts, err := store.SplitTableName(table)
	if err != nil {
		return nil, err
	}
	p := &PostgresStore{
		pool: pool,
		q:    buildQueries(pgx.Identifier(parts).Sanitize(), pgx.Identifier{parts[len(parts)-1] + "_queue_visible_idx"}.Sanitize()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// helper: convert a Go duration to a Postgres interval literal like "12.500000s".
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}

// minLease keeps a claimed message hidden past the claiming statement's
// now(). Anything shorter would render as a zero interval.
const minLease = time.Millisecond

// leaseInterval is toInterval for lease lengths, floored at minLease.
func leaseInterval(d time.Duration) string {
	return toInterval(max(d, minLease))
}

// Enqueue inserts a message with optional delay.
func (p *PostgresStore) Enqueue(ctx context.Context, m queue.Message, delay time.Duration) (int64, error) {
	if m.Queue == "" {
		return 0, fmt.Errorf("%w: queue name is required", queue.ErrInvalidArgument)
	}
	if delay < 0 {
		delay = 0
	}
	if m.Payload == nil {
		m.Payload = []byte{}
	}

	var id int64
	err := p.pool.QueryRow(ctx, p.q.enqueue, m.Queue, m.Payload, toInterval(delay)).Scan(&id)
	if err != nil {
		return 0, classify("enqueue", err)
	}

	if p.notifyChannel != "" {
		// The row is committed; a lost notification only delays long-pollers
		// until their next poll.
		if _, err := p.pool.Exec(ctx, sqlNotify, p.notifyChannel, m.Queue); err != nil {
			log.Warnf("notify %s for queue %s: %v", p.notifyChannel, m.Queue, err)
		}
	}
	return id, nil
}

// Claim leases up to opts.Limit messages for opts.Visibility.
func (p *PostgresStore) Claim(ctx context.Context, opts queue.ClaimOptions) ([]queue.Message, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	token := uuid.NewString()

	rows, err := p.pool.Query(ctx, p.q.claim, opts.Queue, opts.Limit, leaseInterval(opts.Visibility), token)
	if err != nil {
		return nil, classify("claim", err)
	}
	defer rows.Close()

	out := make([]queue.Message, 0, opts.Limit)
	for rows.Next() {
		var m queue.Message
		// NOTE: column order must match the RETURNING list.
		err = rows.Scan(
			&m.ID,
			&m.Queue,
			&m.Payload,
			&m.EnqueuedAt,
			&m.VisibleAt,
			&m.ClaimToken,
			&m.Attempts,
		)
		if err != nil {
			return nil, classify("claim scan", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("claim", err)
	}

	// UPDATE ... RETURNING does not keep the CTE's order.
	slices.SortFunc(out, func(a, b queue.Message) int {
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Ack deletes the message if r still owns the lease.
func (p *PostgresStore) Ack(ctx context.Context, r queue.Receipt) (queue.Outcome, error) {
	if err := r.Validate(); err != nil {
		return queue.NotFound, err
	}
	return p.leaseOp(ctx, "ack", p.q.ack, r.ID, r.Token)
}

// Release clears the lease and makes the message visible right away.
func (p *PostgresStore) Release(ctx context.Context, r queue.Receipt) (queue.Outcome, error) {
	if err := r.Validate(); err != nil {
		return queue.NotFound, err
	}
	return p.leaseOp(ctx, "release", p.q.release, r.ID, r.Token)
}

func (p *PostgresStore) ExtendLease(ctx context.Context, r queue.Receipt, d time.Duration) (queue.Outcome, error) {
	if err := r.Validate(); err != nil {
		return queue.NotFound, err
	}
	if d <= 0 {
		return queue.NotFound, fmt.Errorf("%w: lease duration must be positive, got %s", queue.ErrInvalidArgument, d)
	}
	return p.leaseOp(ctx, "extend lease", p.q.extend, r.ID, r.Token, leaseInterval(d))
}

// leaseOp runs one of the token-guarded statements. Each returns
// (row existed, row changed) from a single snapshot.
func (p *PostgresStore) leaseOp(ctx context.Context, op, sql string, args ...any) (queue.Outcome, error) {
	var existed, changed bool
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&existed, &changed); err != nil {
		return queue.NotFound, classify(op, err)
	}
	return outcome(existed, changed), nil
}

func outcome(existed, changed bool) queue.Outcome {
	switch {
	case changed:
		return queue.OK
	case existed:
		return queue.Expired
	default:
		return queue.NotFound
	}
}

// Sweep clears the claim token of every lapsed lease.
func (p *PostgresStore) Sweep(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, p.q.sweep)
	if err != nil {
		return 0, classify("sweep", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) Count(ctx context.Context, queueName string) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, p.q.count, queueName).Scan(&n); err != nil {
		return 0, classify("count", err)
	}
	return n, nil
}

func (p *PostgresStore) Purge(ctx context.Context, queueName string) (int, error) {
	tag, err := p.pool.Exec(ctx, p.q.purge, queueName)
	if err != nil {
		return 0, classify("purge", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	// No bind arguments, so pgx uses the simple protocol and accepts
	// several statements at once.
	if _, err := p.pool.Exec(ctx, p.q.schema); err != nil {
		return classify("ensure schema", err)
	}
	return nil
}

func (p *PostgresStore) CheckSchema(ctx context.Context) error {
	rows, err := p.pool.Query(ctx, p.q.check)
	if err != nil {
		return classify("check schema", err)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classify("check schema", err)
	}
	return nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}
