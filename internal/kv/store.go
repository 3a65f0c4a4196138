// Package kv adapts a synchronous, string-keyed durable store shared by every
// editor session of one origin.
package kv

import (
	"context"
	"errors"
)

// defaultEventBuffer is the per-subscriber event buffer; a subscriber that
// falls further behind misses events and relies on polling to catch up.
const defaultEventBuffer = 64

var (
	// ErrQuotaExceeded indicates that a write would exceed the store capacity.
	ErrQuotaExceeded = errors.New("kv: quota exceeded")
	// ErrUnavailable indicates that the backing store refused the operation.
	ErrUnavailable = errors.New("kv: store unavailable")
	// ErrClosed indicates that the handle has been closed.
	ErrClosed = errors.New("kv: store closed")
)

// Store is the synchronous key-value contract.
type Store interface {
	// Get returns the value stored under key and whether it exists.
	Get(key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
	// Len reports the number of stored keys.
	Len() (int, error)
	// KeyAt returns the key at index in the store's enumeration order.
	KeyAt(index int) (string, bool, error)
}

// Event describes a write observed by a handle other than the writer.
type Event struct {
	Key      string
	OldValue string
	NewValue string
	Removed  bool
}

// Notifier delivers change events originating from other handles.
type Notifier interface {
	// Subscribe streams events until ctx is done or the returned cleanup runs.
	Subscribe(ctx context.Context) (<-chan Event, func())
}

// SharedStore is a Store whose writes are observable by other handles.
type SharedStore interface {
	Store
	Notifier
}

// Keys enumerates every key of store in enumeration order.
func Keys(store Store) ([]string, error) {
	count, err := store.Len()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, count)
	for index := 0; index < count; index++ {
		key, ok, err := store.KeyAt(index)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
