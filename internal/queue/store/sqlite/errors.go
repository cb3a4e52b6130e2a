package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aridsondez/leaseq/internal/queue"
)

// classify maps a database/sql or modernc error onto the queue error
// taxonomy. Errors already classified pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrStoreUnavailable) || errors.Is(err, queue.ErrSchema) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
	}

	msg := err.Error()
	if strings.Contains(msg, "database is closed") {
		return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
	}
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") {
		return fmt.Errorf("%s: %w: %w", op, queue.ErrSchema, err)
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY,
			sqlite3.SQLITE_LOCKED,
			sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_FULL:
			return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
