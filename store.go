package outbox

import (
	"context"
	"errors"
)

type snapshot struct {
	key     string
	seq     uint64
	data    []byte
	pending int
}

// load reads the queue stored under key. Every failure degrades to an empty queue.
func (o *Outbox) load(ctx context.Context, key string) []Item {
	if o.cfg.Storage == nil {
		return nil
	}

	data, err := o.cfg.Storage.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			o.cfg.Metrics.AddStorageErrors(1)
			o.cfg.Logger.Warn("outbox storage read failed; starting empty", "key", key, "err", err)
		}

		return nil
	}

	items, err := decodeQueue(data)
	if err != nil {
		o.cfg.Logger.Warn("outbox persisted queue ignored", "key", key, "err", err)

		return nil
	}

	return o.normalize(items)
}

// normalize restores queue invariants on loaded data: one item per client
// id and per idempotency key (first occurrence wins), non-negative attempts
// and a key on every item.
func (o *Outbox) normalize(items []Item) []Item {
	out := make([]Item, 0, len(items))
	clients := make(map[string]struct{}, len(items))
	keys := make(map[string]struct{}, len(items))

	for _, it := range items {
		if it.ClientID == "" {
			continue
		}
		if _, dup := clients[it.ClientID]; dup {
			continue
		}
		if it.IdempotencyKey == "" {
			key, err := o.cfg.KeyGenerator.NewKey()
			if err != nil {
				o.cfg.Logger.Warn("outbox persisted item dropped", "client_id", it.ClientID, "err", err)

				continue
			}
			it.IdempotencyKey = key
		}
		if _, dup := keys[it.IdempotencyKey]; dup {
			continue
		}
		if it.Attempt < 0 {
			it.Attempt = 0
		}

		clients[it.ClientID] = struct{}{}
		keys[it.IdempotencyKey] = struct{}{}
		out = append(out, it)
	}

	return out
}

func (o *Outbox) newSlots(items []Item) []*slot {
	slots := make([]*slot, 0, len(items))
	for _, it := range items {
		o.rev++
		slots = append(slots, &slot{item: it, rev: o.rev})
	}

	return slots
}

// snapshotLocked encodes the current queue for persistence. Callers hold o.mu.
func (o *Outbox) snapshotLocked() snapshot {
	o.saveSeq++
	snap := snapshot{key: o.storageKey, seq: o.saveSeq, pending: len(o.slots)}
	if o.cfg.Storage == nil {
		return snap
	}

	items := make([]Item, 0, len(o.slots))
	for _, s := range o.slots {
		items = append(items, s.item)
	}
	data, err := encodeQueue(items)
	if err != nil {
		o.cfg.Logger.Error("outbox queue encoding failed", "key", o.storageKey, "err", err)

		return snap
	}
	snap.data = data

	return snap
}

// persist writes snap unless a newer snapshot was already written.
// Write failures are logged and swallowed; the in-memory queue stays authoritative.
func (o *Outbox) persist(ctx context.Context, snap snapshot) {
	o.cfg.Metrics.SetPending(snap.pending)
	if o.cfg.Storage == nil || snap.data == nil {
		return
	}

	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	if snap.seq <= o.savedSeq {
		return
	}
	if err := o.cfg.Storage.Set(ctx, snap.key, snap.data); err != nil {
		o.cfg.Metrics.AddStorageErrors(1)
		o.cfg.Logger.Warn("outbox storage write failed", "key", snap.key, "err", err)

		return
	}
	o.savedSeq = snap.seq
}
