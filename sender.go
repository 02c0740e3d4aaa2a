package outbox

import "context"

// Sender delivers a single item to the backend.
type Sender interface {
	// Send delivers item.Payload and returns an error on failure.
	// Implementations should honor ctx and must not retain item.
	Send(ctx context.Context, item Item) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, item Item) error

// Send implements Sender.
func (fn SenderFunc) Send(ctx context.Context, item Item) error {
	return fn(ctx, item)
}
