package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// storageVersion is the persisted layout written by this package.
// Version 0 is the unversioned bare JSON array, accepted on read only.
const storageVersion = 1

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

type storedQueue struct {
	Version int          `json:"version"`
	Items   []storedItem `json:"items"`
}

type storedItem struct {
	ClientID       string          `json:"clientId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	NextAt         int64           `json:"nextAt"`
	CreatedAt      int64           `json:"createdAt"`
}

func encodeQueue(items []Item) ([]byte, error) {
	stored := storedQueue{
		Version: storageVersion,
		Items:   make([]storedItem, 0, len(items)),
	}
	for _, it := range items {
		stored.Items = append(stored.Items, storedItem{
			ClientID:       it.ClientID,
			IdempotencyKey: it.IdempotencyKey,
			Payload:        it.Payload,
			Attempt:        it.Attempt,
			NextAt:         it.NextAt.UnixMilli(),
			CreatedAt:      it.CreatedAt.UnixMilli(),
		})
	}

	data, err := codec.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode queue failed: %w", err)
	}

	return data, nil
}

func decodeQueue(data []byte) ([]Item, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var stored storedQueue
	switch trimmed[0] {
	case '[':
		if err := codec.Unmarshal(trimmed, &stored.Items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedQueue, err)
		}
	case '{':
		if err := codec.Unmarshal(trimmed, &stored); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedQueue, err)
		}
		if stored.Version > storageVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, stored.Version)
		}
	default:
		return nil, ErrMalformedQueue
	}

	items := make([]Item, 0, len(stored.Items))
	for _, s := range stored.Items {
		items = append(items, Item{
			ClientID:       s.ClientID,
			IdempotencyKey: s.IdempotencyKey,
			Payload:        s.Payload,
			Attempt:        s.Attempt,
			NextAt:         time.UnixMilli(s.NextAt).UTC(),
			CreatedAt:      time.UnixMilli(s.CreatedAt).UTC(),
		})
	}

	return items, nil
}
