package outbox

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFlushOfflineDoesNothing(t *testing.T) {
	clock := newManualClock()
	sender := &recordingSender{clock: clock}
	o := openTest(t, clock, sender, WithOnline(false))

	enqueue(t, o, Entry{ClientID: "a", Payload: payload("a")})
	enqueue(t, o, Entry{ClientID: "b", Payload: payload("b")})
	before := o.Queue()

	flush(t, o)

	if n := len(sender.Calls()); n != 0 {
		t.Fatalf("expected no sends while offline, got %d", n)
	}
	if !reflect.DeepEqual(before, o.Queue()) {
		t.Fatalf("expected queue unchanged, got %+v", o.Queue())
	}
	if o.IsOnline() {
		t.Fatal("expected offline")
	}
}

func TestComingOnlineDeliversQueuedItems(t *testing.T) {
	clock := newManualClock()
	sender := &recordingSender{clock: clock}
	events := make(chan bool)
	o := openTest(t, clock, sender, WithOnline(false), WithConnectivity(events))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()

	enqueue(t, o, Entry{ClientID: "a", Payload: payload("a")})
	enqueue(t, o, Entry{ClientID: "b", Payload: payload("b")})
	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := len(sender.Calls()); n != 0 {
		t.Fatalf("expected no sends before going online, got %d", n)
	}

	events <- true
	waitFor(t, time.Second, func() bool { return o.Len() == 0 }, "queue drained")
	if n := len(sender.Calls()); n != 2 {
		t.Fatalf("expected 2 sends, got %d", n)
	}
	if !o.IsOnline() {
		t.Fatal("expected online")
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunAppliesOfflineEventWhileSendBlocks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	sender := SenderFunc(func(context.Context, Item) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}

		return nil
	})
	passes := make(chan struct{}, 8)
	events := make(chan bool)
	o := openTest(t, newManualClock(), sender,
		WithConnectivity(events),
		WithOnFlush(func() { passes <- struct{}{} }),
	)
	enqueue(t, o, Entry{ClientID: "a", Payload: payload("a")})
	enqueue(t, o, Entry{ClientID: "b", Payload: payload("b")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()

	<-started
	events <- false
	waitFor(t, time.Second, func() bool { return !o.IsOnline() }, "offline event applied during send")

	close(release)
	select {
	case <-passes:
	case <-time.After(time.Second):
		t.Fatal("expected the pass to finish")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected dispatch to stop after going offline, got %d sends", n)
	}
	queue := o.Queue()
	if len(queue) != 1 || queue[0].ClientID != "b" {
		t.Fatalf("expected only b pending, got %+v", queue)
	}

	events <- true
	waitFor(t, time.Second, func() bool { return o.Len() == 0 }, "b delivered after coming online")
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 sends, got %d", n)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunStopsWatchingClosedConnectivity(t *testing.T) {
	events := make(chan bool)
	o := openTest(t, newManualClock(), &recordingSender{}, WithConnectivity(events))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()

	close(events)
	enqueue(t, o, Entry{ClientID: "a", Payload: payload("a")})
	waitFor(t, time.Second, func() bool { return o.Len() == 0 }, "delivery continues after events close")

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}

func TestAlwaysFailingSenderCalledMaxAttemptsTimes(t *testing.T) {
	clock := newManualClock()
	sender := &recordingSender{clock: clock, fallback: errBoom}
	metrics := &captureMetrics{}

	var retired []Item
	var retiredErr error
	o := openTest(t, clock, sender,
		WithMaxAttempts(4),
		WithMetrics(metrics),
		WithOnPermanentFailure(func(item Item, err error) {
			retired = append(retired, item)
			retiredErr = err
		}),
	)

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	for i := 0; i < 10; i++ {
		flush(t, o)
		clock.Advance(time.Minute)
	}

	if n := len(sender.Calls()); n != 4 {
		t.Fatalf("expected 4 attempts, got %d", n)
	}
	if o.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", o.Len())
	}
	if len(retired) != 1 || retired[0].ClientID != "c1" || retired[0].Attempt != 4 {
		t.Fatalf("unexpected retired items: %+v", retired)
	}
	if !errors.Is(retiredErr, errBoom) {
		t.Fatalf("expected errBoom, got %v", retiredErr)
	}
	if metrics.failures != 4 || metrics.retries != 3 || metrics.dropped != 1 {
		t.Fatalf("unexpected metrics: failures=%d retries=%d dropped=%d", metrics.failures, metrics.retries, metrics.dropped)
	}
}

func TestRetryDelaysGrowExponentially(t *testing.T) {
	clock := newManualClock()
	sender := &recordingSender{clock: clock, results: []error{errBoom, errBoom, nil}}
	o := openTest(t, clock, sender, WithBaseRetryDelay(time.Second))

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	flush(t, o)
	if n := len(sender.Calls()); n != 1 {
		t.Fatalf("expected 1 attempt, got %d", n)
	}
	if want := []time.Time{clock.Now().Add(time.Second)}; !reflect.DeepEqual(clock.Active(), want) {
		t.Fatalf("expected timer at %v, got %v", want, clock.Active())
	}

	flush(t, o)
	clock.Advance(999 * time.Millisecond)
	flush(t, o)
	if n := len(sender.Calls()); n != 1 {
		t.Fatalf("expected no attempt before NextAt, got %d", n)
	}

	clock.Advance(time.Millisecond)
	flush(t, o)
	if n := len(sender.Calls()); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
	if got := o.Queue()[0].Attempt; got != 2 {
		t.Fatalf("expected attempt 2, got %d", got)
	}

	clock.Advance(1999 * time.Millisecond)
	flush(t, o)
	if n := len(sender.Calls()); n != 2 {
		t.Fatalf("expected no attempt before NextAt, got %d", n)
	}

	clock.Advance(time.Millisecond)
	flush(t, o)

	calls := sender.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(calls))
	}
	if o.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", o.Len())
	}
	if gap := calls[1].at.Sub(calls[0].at); gap < time.Second {
		t.Fatalf("expected first gap >= 1s, got %v", gap)
	}
	if gap := calls[2].at.Sub(calls[1].at); gap < 2*time.Second {
		t.Fatalf("expected second gap >= 2s, got %v", gap)
	}
	if active := clock.Active(); len(active) != 0 {
		t.Fatalf("expected no armed timer, got %v", active)
	}
}

func TestNextAtNeverDecreases(t *testing.T) {
	clock := newManualClock()
	sender := &recordingSender{clock: clock, fallback: errBoom}
	o := openTest(t, clock, sender,
		WithJitter(true),
		WithRandom(func() float64 { return 0 }),
		WithMaxAttempts(10),
		WithMaxDelay(4*time.Second),
	)

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	var last time.Time
	for i := 0; i < 8; i++ {
		flush(t, o)
		next := o.Queue()[0].NextAt
		if next.Before(last) {
			t.Fatalf("round %d: NextAt moved backwards from %v to %v", i, last, next)
		}
		last = next
		clock.Advance(4 * time.Second)
	}
}

func TestClearCancelsPendingRetry(t *testing.T) {
	clock := newManualClock()
	storage := NewMemoryStorage()
	sender := &recordingSender{clock: clock, fallback: errBoom}
	o := openTest(t, clock, sender, WithStorage(storage))

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	enqueue(t, o, Entry{ClientID: "c2", Payload: payload("y")})
	flush(t, o)
	if n := len(clock.Active()); n != 1 {
		t.Fatalf("expected one armed timer, got %d", n)
	}

	if err := o.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if o.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", o.Len())
	}
	if n := len(clock.Active()); n != 0 {
		t.Fatalf("expected timer cancelled, got %d", n)
	}

	clock.Advance(time.Hour)
	flush(t, o)
	if n := len(sender.Calls()); n != 2 {
		t.Fatalf("expected no sends after clear, got %d total", n)
	}

	reopened := openTest(t, clock, sender, WithStorage(storage))
	if reopened.Len() != 0 {
		t.Fatalf("expected cleared queue persisted, got %d", reopened.Len())
	}
}

func TestRunDeliversEnqueuedItemsInOrder(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	sender := SenderFunc(func(_ context.Context, item Item) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, item.ClientID)

		return nil
	})
	o := Open(context.Background(), sender)
	t.Cleanup(func() { _ = o.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	for _, id := range []string{"m1", "m2", "m3"} {
		enqueue(t, o, Entry{ClientID: id, Payload: payload(id)})
	}

	waitFor(t, time.Second, func() bool { return o.Len() == 0 }, "queue drained")
	mu.Lock()
	defer mu.Unlock()
	if want := []string{"m1", "m2", "m3"}; !reflect.DeepEqual(sent, want) {
		t.Fatalf("expected %v, got %v", want, sent)
	}
}

func TestRunRetriesOnTimer(t *testing.T) {
	var calls atomic.Int32
	sender := SenderFunc(func(context.Context, Item) error {
		if calls.Add(1) < 3 {
			return errBoom
		}

		return nil
	})
	o := Open(context.Background(), sender, WithBaseRetryDelay(5*time.Millisecond), WithJitter(false))
	t.Cleanup(func() { _ = o.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	waitFor(t, 2*time.Second, func() bool { return o.Len() == 0 }, "retries delivered")
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestSenderPanicIsAFailedAttempt(t *testing.T) {
	clock := newManualClock()
	sender := SenderFunc(func(context.Context, Item) error { panic("transport exploded") })
	o := openTest(t, clock, sender)

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	flush(t, o)

	queue := o.Queue()
	if len(queue) != 1 {
		t.Fatalf("expected item kept, got %d", len(queue))
	}
	if queue[0].Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", queue[0].Attempt)
	}
	if want := clock.Now().Add(time.Second); !queue[0].NextAt.Equal(want) {
		t.Fatalf("expected NextAt %v, got %v", want, queue[0].NextAt)
	}
}

func TestPermanentErrorDropsImmediately(t *testing.T) {
	clock := newManualClock()
	sender := &recordingSender{clock: clock, results: []error{Permanent(errBoom)}}
	var gotErr error
	o := openTest(t, clock, sender, WithOnPermanentFailure(func(_ Item, err error) { gotErr = err }))

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	flush(t, o)

	if o.Len() != 0 {
		t.Fatalf("expected item dropped, got %d pending", o.Len())
	}
	if n := len(sender.Calls()); n != 1 {
		t.Fatalf("expected 1 attempt, got %d", n)
	}
	if !errors.Is(gotErr, ErrPermanent) || !errors.Is(gotErr, errBoom) {
		t.Fatalf("expected permanent errBoom, got %v", gotErr)
	}
}

func TestPermanentFailureCallbackMayFlush(t *testing.T) {
	clock := newManualClock()
	sender := &recordingSender{clock: clock, results: []error{Permanent(errBoom)}}

	var o *Outbox
	var resubmitted atomic.Bool
	o = openTest(t, clock, sender, WithOnPermanentFailure(func(item Item, _ error) {
		if resubmitted.Swap(true) {
			return
		}
		ctx := context.Background()
		if _, err := o.Enqueue(ctx, Entry{ClientID: item.ClientID + "-retry", Payload: item.Payload}); err != nil {
			t.Errorf("resubmit: %v", err)
		}
		if err := o.Flush(ctx); err != nil {
			t.Errorf("flush from callback: %v", err)
		}
	}))

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	done := make(chan error, 1)
	go func() { done <- o.Flush(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("flush: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("flush did not return when the callback flushed")
	}

	calls := sender.Calls()
	if len(calls) != 2 || calls[1].item.ClientID != "c1-retry" {
		t.Fatalf("expected resubmitted item delivered, got %+v", calls)
	}
	if o.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", o.Len())
	}
}

func TestCustomFailureClassifier(t *testing.T) {
	clock := newManualClock()
	sender := &recordingSender{clock: clock, fallback: errBoom}
	classifier := func(_ context.Context, item Item, err error) FailureAction {
		if item.ClientID == "fatal" {
			return FailureDrop
		}

		return FailureRetry
	}
	o := openTest(t, clock, sender, WithFailureClassifier(classifier))

	enqueue(t, o, Entry{ClientID: "fatal", Payload: payload("x")})
	enqueue(t, o, Entry{ClientID: "soft", Payload: payload("y")})
	flush(t, o)

	queue := o.Queue()
	if len(queue) != 1 || queue[0].ClientID != "soft" {
		t.Fatalf("expected only soft pending, got %+v", queue)
	}
}

func TestReplacementDuringSendSurvivesSuccess(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	sender := SenderFunc(func(context.Context, Item) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}

		return nil
	})
	o := openTest(t, newManualClock(), sender)

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("old")})
	done := make(chan error, 1)
	go func() { done <- o.Flush(context.Background()) }()

	<-started
	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("new")})
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("flush: %v", err)
	}

	queue := o.Queue()
	if len(queue) != 1 {
		t.Fatalf("expected replacement kept, got %d items", len(queue))
	}
	if string(queue[0].Payload) != string(payload("new")) || queue[0].Attempt != 0 {
		t.Fatalf("unexpected item: %+v", queue[0])
	}
}

func TestClearDuringSendDiscardsOutcome(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	sender := SenderFunc(func(context.Context, Item) error {
		close(started)
		<-release

		return errBoom
	})
	clock := newManualClock()
	o := openTest(t, clock, sender)

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	done := make(chan error, 1)
	go func() { done <- o.Flush(context.Background()) }()

	<-started
	if err := o.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("flush: %v", err)
	}

	if o.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", o.Len())
	}
	if active := clock.Active(); len(active) != 0 {
		t.Fatalf("expected no armed timer, got %v", active)
	}
}

func TestGoingOfflineMidPassStopsDispatch(t *testing.T) {
	clock := newManualClock()
	var o *Outbox
	var calls atomic.Int32
	sender := SenderFunc(func(context.Context, Item) error {
		calls.Add(1)
		o.SetOnline(false)

		return nil
	})
	o = openTest(t, clock, sender)

	enqueue(t, o, Entry{ClientID: "a", Payload: payload("a")})
	enqueue(t, o, Entry{ClientID: "b", Payload: payload("b")})
	flush(t, o)

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected 1 send, got %d", n)
	}
	queue := o.Queue()
	if len(queue) != 1 || queue[0].ClientID != "b" {
		t.Fatalf("expected only b pending, got %+v", queue)
	}
	if active := clock.Active(); len(active) != 0 {
		t.Fatalf("expected no armed timer while offline, got %v", active)
	}
}

func TestPassesNeverOverlap(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	sender := SenderFunc(func(context.Context, Item) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)

		return nil
	})
	o := Open(context.Background(), sender)
	t.Cleanup(func() { _ = o.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_, _ = o.Enqueue(context.Background(), Entry{ClientID: id, Payload: payload(id)})
			_ = o.Flush(context.Background())
		}(i)
	}
	wg.Wait()

	waitFor(t, time.Second, func() bool { return o.Len() == 0 }, "queue drained")
	if n := maxInFlight.Load(); n != 1 {
		t.Fatalf("expected at most one send in flight, got %d", n)
	}
}

func TestOnFlushCalledAfterPass(t *testing.T) {
	flushed := make(chan struct{}, 4)
	o := openTest(t, newManualClock(), &recordingSender{}, WithOnFlush(func() { flushed <- struct{}{} }))

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	flush(t, o)

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("expected OnFlush callback")
	}
}

func TestSendTimeoutBoundsAttempt(t *testing.T) {
	clock := newManualClock()
	sender := SenderFunc(func(ctx context.Context, _ Item) error {
		<-ctx.Done()

		return ctx.Err()
	})
	o := openTest(t, clock, sender, WithSendTimeout(10*time.Millisecond))

	enqueue(t, o, Entry{ClientID: "c1", Payload: payload("x")})
	flush(t, o)

	if got := o.Queue()[0].Attempt; got != 1 {
		t.Fatalf("expected attempt 1 after timeout, got %d", got)
	}
}
