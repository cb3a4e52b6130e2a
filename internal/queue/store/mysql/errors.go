package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/aridsondez/leaseq/internal/queue"
)

// Server error numbers, see the MySQL error reference.
const (
	erTooManyConnections = 1040
	erServerShutdown     = 1053
	erBadField           = 1054
	erNoSuchTable        = 1146
	erLockWaitTimeout    = 1205
	erDeadlock           = 1213
	erDataTooLong        = 1406
	erLockNowait         = 3572
)

// classify maps a go-sql-driver/mysql error onto the queue error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrStoreUnavailable) || errors.Is(err, queue.ErrSchema) || errors.Is(err, queue.ErrInvalidArgument) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case erNoSuchTable, erBadField:
			return fmt.Errorf("%s: %w: %w", op, queue.ErrSchema, err)
		case erTooManyConnections, erServerShutdown, erLockWaitTimeout, erDeadlock, erLockNowait:
			return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
		case erDataTooLong:
			return fmt.Errorf("%s: %w: %w", op, queue.ErrInvalidArgument, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysqldrv.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
