package outbox

import "time"

// Clock abstracts time and timers for deterministic tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc calls fn in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending call created by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the call from firing and reports whether it was still pending.
	Stop() bool
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc implements Clock with time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
