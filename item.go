package outbox

import (
	"bytes"
	"encoding/json"
	"time"
)

// Entry describes a message submitted to the outbox.
type Entry struct {
	// ClientID identifies the logical message; a repeated ClientID replaces the pending item.
	ClientID string
	// IdempotencyKey is optional, if empty, the outbox reuses the key of the replaced item or generates one.
	IdempotencyKey string
	// Payload is passed verbatim to the Sender and persisted as JSON.
	Payload json.RawMessage
}

// Validate checks required fields and JSON validity.
func (e Entry) Validate() error {
	if e.ClientID == "" {
		return ErrClientIDRequired
	}
	if len(e.Payload) == 0 {
		return ErrPayloadRequired
	}
	if !json.Valid(e.Payload) {
		return ErrInvalidPayload
	}

	return nil
}

// Item is a pending outbound message held by the outbox.
type Item struct {
	ClientID       string
	IdempotencyKey string
	Payload        json.RawMessage
	// Attempt counts delivery attempts already made.
	Attempt int
	// NextAt is the earliest time the item may be attempted.
	NextAt    time.Time
	CreatedAt time.Time
}

// Eligible reports whether the item may be attempted at now.
func (it Item) Eligible(now time.Time) bool {
	return !now.Before(it.NextAt)
}

func (it Item) clone() Item {
	out := it
	if it.Payload != nil {
		out.Payload = append(json.RawMessage(nil), it.Payload...)
	}

	return out
}

func (it Item) samePayload(payload json.RawMessage) bool {
	return bytes.Equal(it.Payload, payload)
}

// slot holds one queued item; rev changes whenever the item is
// replaced, so a settled attempt can tell whether it still owns the slot.
type slot struct {
	item Item
	rev  uint64
}
