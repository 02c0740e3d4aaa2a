package outbox

import "errors"

var (
	// ErrClientIDRequired is returned when Entry.ClientID is empty.
	ErrClientIDRequired = errors.New("outbox client id is required")
	// ErrPayloadRequired is returned when Entry.Payload is empty.
	ErrPayloadRequired = errors.New("outbox payload is required")
	// ErrInvalidPayload is returned when Entry.Payload is not valid JSON.
	ErrInvalidPayload = errors.New("outbox payload must be valid JSON")
	// ErrNotFound is returned by a Storage when the key holds no value.
	ErrNotFound = errors.New("outbox storage key not found")
	// ErrUnsupportedVersion indicates persisted data written by a newer layout.
	ErrUnsupportedVersion = errors.New("outbox persisted version is not supported")
	// ErrMalformedQueue indicates persisted data that is neither a versioned envelope nor an array.
	ErrMalformedQueue = errors.New("outbox persisted queue is malformed")
	// ErrClosed is returned by operations on a closed outbox.
	ErrClosed = errors.New("outbox is closed")
	// ErrAlreadyRunning is returned when Run is called while another Run is active.
	ErrAlreadyRunning = errors.New("outbox delivery loop is already running")
	// ErrSendPanic indicates a Sender panic, handled as a failed attempt.
	ErrSendPanic = errors.New("outbox sender panic")
	// ErrPermanent marks a delivery failure that must not be retried.
	ErrPermanent = errors.New("outbox permanent delivery failure")
)
