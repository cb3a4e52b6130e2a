package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aridsondez/leaseq/internal/queue"
)

const DefaultTableName = "queue_messages"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// SplitTableName validates a table name and returns its parts. A name may be
// schema-qualified ("jobs.queue") but each part must be a plain identifier;
// the name ends up in SQL text, never as a bind parameter.
func SplitTableName(name string) ([]string, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: table name is required", queue.ErrInvalidArgument)
	}
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: table name %q has too many parts", queue.ErrInvalidArgument, name)
	}
	for _, p := range parts {
		if !identPattern.MatchString(p) {
			return nil, fmt.Errorf("%w: invalid table name %q", queue.ErrInvalidArgument, name)
		}
	}
	return parts, nil
}
