package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aridsondez/leaseq/internal/queue"
)

// classify maps a pgx error onto the queue error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case isSchemaCode(pgErr.Code):
			return fmt.Errorf("%s: %w: %w", op, queue.ErrSchema, err)
		case isTransientCode(pgErr.Code):
			return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	// Everything that never reached the server as a statement: dial
	// failures, broken connections, a closed pool.
	return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
}

func isSchemaCode(code string) bool {
	switch code {
	case "42P01", // undefined_table
		"42703", // undefined_column
		"42804": // datatype_mismatch
		return true
	}
	return false
}

func isTransientCode(code string) bool {
	if strings.HasPrefix(code, "08") { // connection_exception
		return true
	}
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"53300", // too_many_connections
		"57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03": // cannot_connect_now
		return true
	}
	return false
}
