package queue

import "errors"

var (
	// ErrStoreUnavailable marks transient connectivity failures. Callers
	// should retry with backoff.
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrSchema means the queue table is missing or malformed. Not retryable.
	ErrSchema = errors.New("queue table schema error")

	ErrInvalidArgument = errors.New("invalid argument")
)

// Outcome is the logical result of a lifecycle operation on a single lease.
// NotFound and Expired are final: the caller must stop processing the
// message and must not retry the call.
type Outcome int

const (
	OK Outcome = iota
	// NotFound: the message no longer exists (acked by someone, or purged).
	NotFound
	// Expired: the message exists but the lease was lost to another claim
	// or cleared by the sweeper.
	Expired
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case NotFound:
		return "not_found"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
