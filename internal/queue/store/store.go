package store

import (
	"context"
	"time"

	"github.com/aridsondez/leaseq/internal/queue"
)

// Store is the DB-agnostic interface the rest of the app uses.
//
// Every method is a single atomic statement or one explicit transaction.
// Lifecycle methods report logical results as queue.Outcome and reserve the
// error return for store failures (queue.ErrStoreUnavailable,
// queue.ErrSchema, queue.ErrInvalidArgument).
type Store interface {
	// Enqueue inserts a message (delay can be 0).
	Enqueue(ctx context.Context, m queue.Message, delay time.Duration) (int64, error)

	// Claim atomically leases up to Limit visible messages from a queue,
	// oldest first. No eligible rows is an empty result, not an error.
	Claim(ctx context.Context, opts queue.ClaimOptions) ([]queue.Message, error)

	// Ack deletes the message if the receipt still owns its lease.
	Ack(ctx context.Context, r queue.Receipt) (queue.Outcome, error)

	// Release clears the lease so the message is immediately claimable.
	Release(ctx context.Context, r queue.Receipt) (queue.Outcome, error)

	// ExtendLease moves visibility to now+d if the receipt still owns the lease.
	ExtendLease(ctx context.Context, r queue.Receipt, d time.Duration) (queue.Outcome, error)

	// Sweep clears claim tokens of lapsed leases and returns how many it cleared.
	Sweep(ctx context.Context) (int, error)

	Count(ctx context.Context, queueName string) (int, error)
	Purge(ctx context.Context, queueName string) (int, error)

	// EnsureSchema creates the queue table and index if they do not exist.
	EnsureSchema(ctx context.Context) error
	// CheckSchema verifies the table has the expected columns.
	CheckSchema(ctx context.Context) error

	Close()
}
