package notes

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notepad/internal/kv"
	"go.uber.org/zap"
)

const (
	testPNG  = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk"
	testJPEG = "data:image/jpeg;base64,/9j/4AAQSkZJRgABAQAAAQABAAD/2wBDAAgGBgcGBQgHBwcJCQgKDBQNDAsL"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id%d", p.next), nil
}

type stepClock struct {
	mu      sync.Mutex
	current time.Time
}

func newStepClock(startMillis int64) *stepClock {
	return &stepClock{current: time.UnixMilli(startMillis)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Millisecond)
	return c.current
}

// failingStore wraps a store and fails writes to keys accepted by failSet.
type failingStore struct {
	kv.Store
	failSet func(key string) bool
}

func (s *failingStore) Set(key, value string) error {
	if s.failSet != nil && s.failSet(key) {
		return fmt.Errorf("set %s: %w", key, kv.ErrQuotaExceeded)
	}
	return s.Store.Set(key, value)
}

type testStores struct {
	origin    *kv.MemoryOrigin
	raw       kv.Store
	images    *ImageStore
	documents *DocumentStore
	keys      KeySpace
}

func newTestStores(t *testing.T) testStores {
	t.Helper()
	origin := kv.NewMemoryOrigin()
	return newTestStoresOn(t, origin, origin.Open())
}

func newTestStoresOn(t *testing.T, origin *kv.MemoryOrigin, store kv.Store) testStores {
	t.Helper()
	keys := NewKeySpace("")
	ids := &sequentialIDs{}
	images, err := NewImageStore(ImageStoreConfig{Store: store, Keys: keys, IDProvider: ids, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("unexpected image store error: %v", err)
	}
	documents, err := NewDocumentStore(DocumentStoreConfig{
		Store:      store,
		Keys:       keys,
		Images:     images,
		Clock:      newStepClock(1700000000000).Now,
		IDProvider: ids,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected document store error: %v", err)
	}
	return testStores{origin: origin, raw: store, images: images, documents: documents, keys: keys}
}

func mustSet(t *testing.T, store kv.Store, key, value string) {
	t.Helper()
	if err := store.Set(key, value); err != nil {
		t.Fatalf("unexpected set error for %s: %v", key, err)
	}
}

func mustGet(t *testing.T, store kv.Store, key string) (string, bool) {
	t.Helper()
	value, ok, err := store.Get(key)
	if err != nil {
		t.Fatalf("unexpected get error for %s: %v", key, err)
	}
	return value, ok
}

func imageTag(src string) string {
	return `<p>before</p><img alt="x" src="` + src + `"><p>after</p>`
}

func countPlaceholders(body string) int {
	return strings.Count(body, PlaceholderPrefix)
}
