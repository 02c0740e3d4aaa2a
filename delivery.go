package outbox

import (
	"context"
	"fmt"
	"time"
)

type candidate struct {
	clientID string
	rev      uint64
}

type retiredItem struct {
	item Item
	err  error
}

type passStats struct {
	attempted int
	delivered int
	retried   int
	dropped   int
	retired   []retiredItem
}

// runPass attempts every eligible item once, in queue order, then reports
// retired items. Callbacks run after the pass lock is released, so they may
// enqueue or flush.
func (o *Outbox) runPass(ctx context.Context) {
	retired, ran := o.pass(ctx)
	if !ran {
		return
	}
	for _, r := range retired {
		o.notifyPermanentFailure(r.item, r.err)
	}
	o.notifyFlush()
}

// pass is serialized by passMu. The queue lock is never held while the
// Sender runs.
func (o *Outbox) pass(ctx context.Context) ([]retiredItem, bool) {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	o.mu.Lock()
	if !o.online || o.closed {
		o.mu.Unlock()

		return nil, false
	}
	candidates := make([]candidate, 0, len(o.slots))
	for _, s := range o.slots {
		candidates = append(candidates, candidate{clientID: s.item.ClientID, rev: s.rev})
	}
	o.mu.Unlock()

	start := time.Now()
	var stats passStats
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		item, ok, online := o.claim(c)
		if !online {
			o.cfg.Logger.Debug("outbox pass stopped; offline or closed", "attempted", stats.attempted)

			break
		}
		if !ok {
			continue
		}

		stats.attempted++
		err := o.send(ctx, item)
		o.settle(ctx, c, item, err, &stats)
	}

	o.mu.Lock()
	o.armTimerLocked()
	o.mu.Unlock()

	o.cfg.Metrics.ObservePassDuration(time.Since(start))
	if stats.attempted > 0 {
		o.cfg.Logger.Debug("outbox pass finished",
			"attempted", stats.attempted,
			"delivered", stats.delivered,
			"retried", stats.retried,
			"dropped", stats.dropped,
		)
	}

	return stats.retired, true
}

// claim returns a copy of the candidate's item if it is still queued,
// unreplaced and eligible now.
func (o *Outbox) claim(c candidate) (Item, bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.online || o.closed {
		return Item{}, false, false
	}
	idx := o.slotIndexLocked(c)
	if idx < 0 {
		return Item{}, false, true
	}
	item := o.slots[idx].item
	if !item.Eligible(o.cfg.Clock.Now()) {
		return Item{}, false, true
	}

	return item.clone(), true, true
}

// send calls the Sender, turning a panic into an ordinary failed attempt.
func (o *Outbox) send(ctx context.Context, item Item) (err error) {
	sendCtx := ctx
	cancel := func() {}
	if o.cfg.SendTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, o.cfg.SendTimeout)
	}
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			o.cfg.Logger.Error("outbox sender panic", "client_id", item.ClientID, "panic", rec)
			err = fmt.Errorf("%w: %v", ErrSendPanic, rec)
		}
	}()

	return o.sender.Send(sendCtx, item)
}

// settle applies the outcome of one attempt. Outcomes for items that were
// replaced or removed while the attempt ran are discarded.
func (o *Outbox) settle(ctx context.Context, c candidate, sent Item, sendErr error, stats *passStats) {
	if sendErr != nil {
		o.cfg.Metrics.AddFailures(1)
	}

	o.mu.Lock()
	idx := o.slotIndexLocked(c)
	if idx < 0 {
		o.mu.Unlock()
		o.cfg.Logger.Debug("outbox attempt outcome discarded; item replaced or cleared", "client_id", c.clientID, "err", sendErr)

		return
	}

	if sendErr == nil {
		o.removeLocked(idx)
		snap := o.snapshotLocked()
		o.mu.Unlock()

		stats.delivered++
		o.cfg.Metrics.AddDelivered(1)
		o.persist(ctx, snap)

		return
	}

	s := o.slots[idx]
	attempt := s.item.Attempt + 1
	action := o.cfg.FailureClassifier(ctx, sent, sendErr)
	if action == FailureDrop || attempt >= o.cfg.MaxAttempts {
		retired := s.item.clone()
		retired.Attempt = attempt
		o.removeLocked(idx)
		snap := o.snapshotLocked()
		o.mu.Unlock()

		stats.dropped++
		o.cfg.Metrics.AddDropped(1)
		o.cfg.Logger.Warn("outbox item dropped", "client_id", retired.ClientID, "attempts", attempt, "err", sendErr)
		o.persist(ctx, snap)
		stats.retired = append(stats.retired, retiredItem{item: retired, err: sendErr})

		return
	}

	delay := o.backoff.Delay(s.item.Attempt)
	next := o.cfg.Clock.Now().Add(delay)
	if next.Before(s.item.NextAt) {
		next = s.item.NextAt
	}
	s.item.Attempt = attempt
	s.item.NextAt = next
	snap := o.snapshotLocked()
	o.mu.Unlock()

	stats.retried++
	o.cfg.Metrics.AddRetries(1)
	o.cfg.Logger.Info("outbox attempt failed; retry scheduled", "client_id", sent.ClientID, "attempt", attempt, "delay", delay, "err", sendErr)
	o.persist(ctx, snap)
}

// armTimerLocked points the single retry timer at the soonest NextAt among
// remaining items. Callers hold o.mu.
func (o *Outbox) armTimerLocked() {
	if !o.online || o.closed || len(o.slots) == 0 {
		o.stopTimerLocked()

		return
	}

	soonest := o.slots[0].item.NextAt
	for _, s := range o.slots[1:] {
		if s.item.NextAt.Before(soonest) {
			soonest = s.item.NextAt
		}
	}
	o.stopTimerLocked()

	delay := soonest.Sub(o.cfg.Clock.Now())
	if delay < 0 {
		delay = 0
	}
	o.timer = o.cfg.Clock.AfterFunc(delay, o.trigger)
}

func (o *Outbox) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Outbox) slotIndexLocked(c candidate) int {
	for i, s := range o.slots {
		if s.rev == c.rev && s.item.ClientID == c.clientID {
			return i
		}
	}

	return -1
}

func (o *Outbox) removeLocked(idx int) {
	o.slots = append(o.slots[:idx], o.slots[idx+1:]...)
}

func (o *Outbox) notifyFlush() {
	fn := o.cfg.OnFlush
	if fn == nil {
		return
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				o.cfg.Logger.Error("outbox flush callback panic", "panic", rec)
			}
		}()
		fn()
	}()
}

func (o *Outbox) notifyPermanentFailure(item Item, err error) {
	fn := o.cfg.OnPermanentFailure
	if fn == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			o.cfg.Logger.Error("outbox permanent failure callback panic", "client_id", item.ClientID, "panic", rec)
		}
	}()
	fn(item, err)
}
