package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Outbox queues outbound items for one conversation and delivers them
// through a Sender, one pass at a time.
type Outbox struct {
	sender  Sender
	cfg     Config
	backoff Backoff

	mu         sync.Mutex
	slots      []*slot
	storageKey string
	online     bool
	closed     bool
	rev        uint64
	timer      Timer
	saveSeq    uint64

	passMu sync.Mutex

	persistMu sync.Mutex
	savedSeq  uint64

	kick    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// Open constructs an Outbox and loads the queue persisted under the
// configured storage key. Load failures leave the queue empty.
func Open(ctx context.Context, sender Sender, opts ...Option) *Outbox {
	if sender == nil {
		panic("outbox: nil Sender")
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	o := &Outbox{
		sender:     sender,
		cfg:        cfg,
		backoff:    cfg.backoff(),
		storageKey: cfg.StorageKey,
		online:     cfg.Online,
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	o.slots = o.newSlots(o.load(ctx, cfg.StorageKey))
	o.cfg.Metrics.SetPending(len(o.slots))

	return o
}

// Enqueue adds entry to the queue or replaces the pending item with the same
// client id or idempotency key. Repeating an identical entry is a no-op.
// The returned Item is a snapshot of the queued item.
func (o *Outbox) Enqueue(ctx context.Context, entry Entry) (Item, error) {
	if err := entry.Validate(); err != nil {
		return Item{}, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()

		return Item{}, ErrClosed
	}

	byClient := o.indexLocked(func(it Item) bool { return it.ClientID == entry.ClientID })
	byKey := -1
	if entry.IdempotencyKey != "" {
		byKey = o.indexLocked(func(it Item) bool { return it.IdempotencyKey == entry.IdempotencyKey })
	}

	target := byClient
	if target < 0 || (byKey >= 0 && byKey < target) {
		target = byKey
	}

	if byClient >= 0 && (byKey < 0 || byKey == byClient) {
		current := o.slots[byClient].item
		if current.samePayload(entry.Payload) && (entry.IdempotencyKey == "" || entry.IdempotencyKey == current.IdempotencyKey) {
			o.mu.Unlock()

			return current.clone(), nil
		}
	}

	key := entry.IdempotencyKey
	if key == "" && byClient >= 0 {
		key = o.slots[byClient].item.IdempotencyKey
	}
	if key == "" {
		var err error
		key, err = o.cfg.KeyGenerator.NewKey()
		if err != nil {
			o.mu.Unlock()

			return Item{}, err
		}
	}

	now := o.cfg.Clock.Now()
	item := Item{
		ClientID:       entry.ClientID,
		IdempotencyKey: key,
		Payload:        append([]byte(nil), entry.Payload...),
		NextAt:         now,
		CreatedAt:      now,
	}

	o.rev++
	if target < 0 {
		o.slots = append(o.slots, &slot{item: item, rev: o.rev})
	} else {
		item.CreatedAt = o.slots[target].item.CreatedAt
		if other := byClient + byKey - target; byClient >= 0 && byKey >= 0 && other != target {
			if created := o.slots[other].item.CreatedAt; created.Before(item.CreatedAt) {
				item.CreatedAt = created
			}
			o.slots[target] = &slot{item: item, rev: o.rev}
			o.slots = append(o.slots[:other], o.slots[other+1:]...)
		} else {
			o.slots[target] = &slot{item: item, rev: o.rev}
		}
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Logger.Debug("outbox item enqueued", "client_id", item.ClientID, "idempotency_key", item.IdempotencyKey, "replaced", target >= 0)
	o.persist(ctx, snap)
	o.trigger()

	return item.clone(), nil
}

// Flush runs exactly one delivery pass and returns when it completes.
// It waits for a pass already in progress. Offline, it does nothing.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}

	o.runPass(ctx)

	return ctx.Err()
}

// Clear empties the queue and cancels the pending retry timer.
// An attempt already handed to the Sender completes but no longer affects the queue.
func (o *Outbox) Clear(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()

		return ErrClosed
	}
	dropped := len(o.slots)
	o.slots = nil
	o.stopTimerLocked()
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Logger.Info("outbox cleared", "dropped", dropped)
	o.persist(ctx, snap)

	return nil
}

// Queue returns a copy of the pending items in queue order.
func (o *Outbox) Queue() []Item {
	o.mu.Lock()
	defer o.mu.Unlock()

	items := make([]Item, 0, len(o.slots))
	for _, s := range o.slots {
		items = append(items, s.item.clone())
	}

	return items
}

// Len returns the number of pending items.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.slots)
}

// IsOnline reports the current connectivity state.
func (o *Outbox) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.online
}

// SetOnline records a connectivity change. Going offline stops the retry
// timer without cancelling an attempt in flight; coming online triggers a pass.
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	prev := o.online
	o.online = online
	if !online {
		o.stopTimerLocked()
	}
	o.mu.Unlock()

	if prev == online {
		return
	}
	o.cfg.Logger.Info("outbox connectivity changed", "online", online)
	if online {
		o.trigger()
	}
}

// StorageKey returns the key the queue is currently persisted under.
func (o *Outbox) StorageKey() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.storageKey
}

// ChangeStorageKey switches persistence to key and replaces the in-memory
// queue with the one loaded from it. Nothing is merged from the previous key.
func (o *Outbox) ChangeStorageKey(ctx context.Context, key string) error {
	if key == "" {
		key = defaultStorageKey
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()

		return ErrClosed
	}
	if key == o.storageKey {
		o.mu.Unlock()

		return nil
	}
	o.mu.Unlock()

	items := o.load(ctx, key)

	o.mu.Lock()
	o.storageKey = key
	o.slots = o.newSlots(items)
	o.stopTimerLocked()
	pending := len(o.slots)
	o.mu.Unlock()

	o.cfg.Metrics.SetPending(pending)
	o.cfg.Logger.Info("outbox storage key changed", "key", key, "pending", pending)
	o.trigger()

	return nil
}

// Run drives the delivery loop until ctx is done or the outbox is closed.
// It runs a pass at start, then one pass per coalesced trigger. Events from
// the connectivity channel are applied as they arrive, including while a
// pass is blocked in the Sender.
func (o *Outbox) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.running.Store(false)

	var wg sync.WaitGroup
	defer wg.Wait()
	if events := o.cfg.Connectivity; events != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.watchConnectivity(ctx, events)
		}()
	}

	o.trigger()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		case <-o.done:
			return nil
		case <-o.kick:
			o.runPass(ctx)
		}
	}
}

// watchConnectivity applies host events until Run stops or events is closed.
func (o *Outbox) watchConnectivity(ctx context.Context, events <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case online, ok := <-events:
			if !ok {
				return
			}
			o.SetOnline(online)
		}
	}
}

// Close stops the retry timer and ends Run. Items stay persisted.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true
	o.stopTimerLocked()
	close(o.done)

	return nil
}

func (o *Outbox) trigger() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Outbox) indexLocked(match func(Item) bool) int {
	for i, s := range o.slots {
		if match(s.item) {
			return i
		}
	}

	return -1
}
