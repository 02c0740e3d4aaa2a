package outbox

import (
	"context"
	"errors"
	"fmt"
)

// FailureAction defines how a failed attempt should be handled.
type FailureAction int

const (
	// FailureRetry reschedules the item with backoff until its attempt budget is spent.
	FailureRetry FailureAction = iota
	// FailureDrop retires the item immediately.
	FailureDrop
)

// FailureClassifier decides whether a failed attempt is retryable.
type FailureClassifier func(ctx context.Context, item Item, err error) FailureAction

// PermanentFailureHandler is called after an item is retired without being delivered.
type PermanentFailureHandler func(item Item, err error)

// Permanent wraps err so the default classifier drops the item instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func defaultFailureClassifier(_ context.Context, _ Item, err error) FailureAction {
	if errors.Is(err, ErrPermanent) {
		return FailureDrop
	}

	return FailureRetry
}
