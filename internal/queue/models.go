package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is the durable queue row mapped to Go.
type Message struct {
	ID         int64
	Queue      string
	Payload    []byte
	EnqueuedAt time.Time
	VisibleAt  time.Time
	ClaimToken *string
	Attempts   int
}

// Receipt returns the lease proof for a claimed message. It is the zero
// Receipt when the message is not claimed.
func (m Message) Receipt() Receipt {
	if m.ClaimToken == nil {
		return Receipt{ID: m.ID}
	}
	return Receipt{ID: m.ID, Token: *m.ClaimToken}
}

// ClaimOptions controls how we receive messages.
type ClaimOptions struct {
	Queue      string
	Limit      int
	Visibility time.Duration
}

func (o ClaimOptions) Validate() error {
	if o.Queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidArgument)
	}
	if o.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, o.Limit)
	}
	if o.Visibility <= 0 {
		return fmt.Errorf("%w: visibility must be positive, got %s", ErrInvalidArgument, o.Visibility)
	}
	return nil
}

// Receipt identifies one lease on one message. Token changes on every claim,
// so a receipt from an earlier claim no longer matches once the message is
// reclaimed.
type Receipt struct {
	ID    int64
	Token string
}

func (r Receipt) String() string {
	return strconv.FormatInt(r.ID, 10) + "." + r.Token
}

func (r Receipt) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("%w: invalid message id %d", ErrInvalidArgument, r.ID)
	}
	if r.Token == "" {
		return fmt.Errorf("%w: claim token is required", ErrInvalidArgument)
	}
	return nil
}

// ParseReceipt parses the "<id>.<token>" form produced by Receipt.String.
func ParseReceipt(s string) (Receipt, error) {
	idStr, token, ok := strings.Cut(s, ".")
	if !ok || token == "" {
		return Receipt{}, fmt.Errorf("%w: malformed receipt %q", ErrInvalidArgument, s)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: malformed receipt id %q", ErrInvalidArgument, idStr)
	}
	r := Receipt{ID: id, Token: token}
	return r, r.Validate()
}
