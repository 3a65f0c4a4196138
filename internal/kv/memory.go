package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/notepad/internal/fanout"
)

// MemoryOrigin is an in-process shared store. Every handle returned by Open
// sees the same entries and receives the writes of the other handles.
type MemoryOrigin struct {
	mu          sync.RWMutex
	entries     map[string]string
	usedBytes   int
	quotaBytes  int
	dispatcher  *fanout.Hub[Event]
	nextHandle  atomic.Int64
	unavailable atomic.Bool
}

// MemoryOption configures a MemoryOrigin.
type MemoryOption func(*MemoryOrigin)

// WithQuota caps the total size of keys and values in bytes.
func WithQuota(bytes int) MemoryOption {
	return func(origin *MemoryOrigin) {
		origin.quotaBytes = bytes
	}
}

// NewMemoryOrigin constructs an empty origin.
func NewMemoryOrigin(options ...MemoryOption) *MemoryOrigin {
	origin := &MemoryOrigin{
		entries:    make(map[string]string),
		dispatcher: fanout.NewHub[Event](defaultEventBuffer),
	}
	for _, option := range options {
		option(origin)
	}
	return origin
}

// Open returns a new handle onto the origin.
func (o *MemoryOrigin) Open() *MemoryStore {
	return &MemoryStore{origin: o, handle: o.nextHandle.Add(1)}
}

// SetUnavailable makes every subsequent operation fail with ErrUnavailable.
func (o *MemoryOrigin) SetUnavailable(unavailable bool) {
	o.unavailable.Store(unavailable)
}

// Snapshot copies the current entries.
func (o *MemoryOrigin) Snapshot() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	copied := make(map[string]string, len(o.entries))
	for key, value := range o.entries {
		copied[key] = value
	}
	return copied
}

func (o *MemoryOrigin) sortedKeys() []string {
	keys := make([]string, 0, len(o.entries))
	for key := range o.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MemoryStore is one handle onto a MemoryOrigin.
type MemoryStore struct {
	origin *MemoryOrigin
	handle int64
}

var _ SharedStore = (*MemoryStore)(nil)

// Get implements Store.
func (s *MemoryStore) Get(key string) (string, bool, error) {
	if s.origin.unavailable.Load() {
		return "", false, fmt.Errorf("get %s: %w", key, ErrUnavailable)
	}
	s.origin.mu.RLock()
	defer s.origin.mu.RUnlock()
	value, ok := s.origin.entries[key]
	return value, ok, nil
}

// Set implements Store.
func (s *MemoryStore) Set(key, value string) error {
	if s.origin.unavailable.Load() {
		return fmt.Errorf("set %s: %w", key, ErrUnavailable)
	}
	s.origin.mu.Lock()
	previous, existed := s.origin.entries[key]
	used := s.origin.usedBytes + len(value)
	if existed {
		used -= len(previous)
	} else {
		used += len(key)
	}
	if s.origin.quotaBytes > 0 && used > s.origin.quotaBytes {
		s.origin.mu.Unlock()
		return fmt.Errorf("set %s: %w", key, ErrQuotaExceeded)
	}
	s.origin.entries[key] = value
	s.origin.usedBytes = used
	s.origin.mu.Unlock()

	if existed && previous == value {
		return nil
	}
	s.origin.dispatcher.Publish(s.handle, Event{Key: key, OldValue: previous, NewValue: value})
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(key string) error {
	if s.origin.unavailable.Load() {
		return fmt.Errorf("remove %s: %w", key, ErrUnavailable)
	}
	s.origin.mu.Lock()
	previous, existed := s.origin.entries[key]
	if existed {
		delete(s.origin.entries, key)
		s.origin.usedBytes -= len(key) + len(previous)
	}
	s.origin.mu.Unlock()

	if existed {
		s.origin.dispatcher.Publish(s.handle, Event{Key: key, OldValue: previous, Removed: true})
	}
	return nil
}

// Len implements Store.
func (s *MemoryStore) Len() (int, error) {
	if s.origin.unavailable.Load() {
		return 0, fmt.Errorf("len: %w", ErrUnavailable)
	}
	s.origin.mu.RLock()
	defer s.origin.mu.RUnlock()
	return len(s.origin.entries), nil
}

// KeyAt implements Store. Keys enumerate in lexical order.
func (s *MemoryStore) KeyAt(index int) (string, bool, error) {
	if s.origin.unavailable.Load() {
		return "", false, fmt.Errorf("key at %d: %w", index, ErrUnavailable)
	}
	s.origin.mu.RLock()
	defer s.origin.mu.RUnlock()
	if index < 0 || index >= len(s.origin.entries) {
		return "", false, nil
	}
	return s.origin.sortedKeys()[index], true, nil
}

// Subscribe implements Notifier.
func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return s.origin.dispatcher.Subscribe(ctx, s.handle)
}
