package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)

	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true

	return active
}

// Advance moves the clock forward and fires due timers in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Active returns the deadlines of timers that are neither stopped nor fired.
func (c *manualClock) Active() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Time
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at)
		}
	}

	return out
}

type sendCall struct {
	item Item
	at   time.Time
}

// recordingSender records every attempt and answers with the next scripted result.
type recordingSender struct {
	mu       sync.Mutex
	clock    Clock
	calls    []sendCall
	results  []error
	fallback error
}

func (s *recordingSender) Send(_ context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var at time.Time
	if s.clock != nil {
		at = s.clock.Now()
	}
	s.calls = append(s.calls, sendCall{item: item, at: at})
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]

		return err
	}

	return s.fallback
}

func (s *recordingSender) Calls() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]sendCall(nil), s.calls...)
}

type failingStorage struct {
	getErr error
	setErr error
	data   []byte
	sets   int
}

func (s *failingStorage) Get(context.Context, string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.data == nil {
		return nil, ErrNotFound
	}

	return s.data, nil
}

func (s *failingStorage) Set(_ context.Context, _ string, value []byte) error {
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.data = value

	return nil
}

type captureMetrics struct {
	mu            sync.Mutex
	delivered     int
	failures      int
	retries       int
	dropped       int
	storageErrors int
	pending       int
}

func (*captureMetrics) ObservePassDuration(time.Duration) {}

func (m *captureMetrics) AddDelivered(n int) { m.mu.Lock(); m.delivered += n; m.mu.Unlock() }

func (m *captureMetrics) AddFailures(n int) { m.mu.Lock(); m.failures += n; m.mu.Unlock() }

func (m *captureMetrics) AddRetries(n int) { m.mu.Lock(); m.retries += n; m.mu.Unlock() }

func (m *captureMetrics) AddDropped(n int) { m.mu.Lock(); m.dropped += n; m.mu.Unlock() }

func (m *captureMetrics) AddStorageErrors(n int) { m.mu.Lock(); m.storageErrors += n; m.mu.Unlock() }

func (m *captureMetrics) SetPending(n int) { m.mu.Lock(); m.pending = n; m.mu.Unlock() }

var errBoom = errors.New("boom")

func payload(v string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"text": v})

	return data
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
