// Package sqlname validates identifiers interpolated into SQL statements.
package sqlname

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRequired is returned when the table name is empty.
	ErrRequired = errors.New("table name is required")
	// ErrInvalid is returned when the table name has disallowed characters.
	ErrInvalid = errors.New("invalid table name")
)

// Sanitize accepts dot-separated identifiers made of ASCII letters, digits
// and underscores, e.g. "outbox_queues" or "chat.outbox_queues".
func Sanitize(name string) (string, error) {
	if name == "" {
		return "", ErrRequired
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return "", fmt.Errorf("%w: %s", ErrInvalid, name)
		}
		for _, r := range part {
			if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				continue
			}

			return "", fmt.Errorf("%w: %s", ErrInvalid, name)
		}
	}

	return name, nil
}
