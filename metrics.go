package outbox

import "time"

// Metrics captures delivery telemetry of one outbox.
type Metrics interface {
	// ObservePassDuration records the time spent in one delivery pass.
	ObservePassDuration(duration time.Duration)
	// AddDelivered increments the count of delivered items.
	AddDelivered(count int)
	// AddFailures increments the count of failed attempts.
	AddFailures(count int)
	// AddRetries increments the count of rescheduled items.
	AddRetries(count int)
	// AddDropped increments the count of items retired undelivered.
	AddDropped(count int)
	// AddStorageErrors increments the count of failed storage reads and writes.
	AddStorageErrors(count int)
	// SetPending updates the current queue length.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObservePassDuration implements Metrics.
func (NopMetrics) ObservePassDuration(time.Duration) {}

// AddDelivered implements Metrics.
func (NopMetrics) AddDelivered(int) {}

// AddFailures implements Metrics.
func (NopMetrics) AddFailures(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddDropped implements Metrics.
func (NopMetrics) AddDropped(int) {}

// AddStorageErrors implements Metrics.
func (NopMetrics) AddStorageErrors(int) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
