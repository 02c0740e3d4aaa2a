package outbox

import (
	"fmt"

	"github.com/google/uuid"
)

// KeyGenerator creates idempotency keys for entries submitted without one.
type KeyGenerator interface {
	// NewKey returns a key that is unique across the queue.
	NewKey() (string, error)
}

// KeyGeneratorFunc adapts a function to KeyGenerator.
type KeyGeneratorFunc func() (string, error)

// NewKey implements KeyGenerator.
func (fn KeyGeneratorFunc) NewKey() (string, error) {
	return fn()
}

// UUIDv7Generator produces time-ordered UUID v7 keys.
type UUIDv7Generator struct{}

// NewKey returns the canonical string form of a new UUID v7.
func (UUIDv7Generator) NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("outbox: generate idempotency key failed: %w", err)
	}

	return id.String(), nil
}
