package kv

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notepad/internal/fanout"
	"go.uber.org/zap"
)

func openTestSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(SQLiteConfig{Path: path, Logger: zap.NewNop(), Debounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestSQLiteStoreCRUD(t *testing.T) {
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "notes.db"))

	if _, ok, err := store.Get("missing"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := store.Set("notes:documents", `{"a":1}`); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := store.Set("notes:documents", `{"a":2}`); err != nil {
		t.Fatalf("unexpected overwrite error: %v", err)
	}
	if err := store.Set("notes:current", "a"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	value, ok, err := store.Get("notes:documents")
	if err != nil || !ok || value != `{"a":2}` {
		t.Fatalf("unexpected value %q ok=%v err=%v", value, ok, err)
	}

	count, err := store.Len()
	if err != nil || count != 2 {
		t.Fatalf("expected 2 keys, got %d (err=%v)", count, err)
	}
	keys, err := Keys(store)
	if err != nil {
		t.Fatalf("unexpected keys error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "notes:current" || keys[1] != "notes:documents" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if err := store.Remove("notes:current"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if err := store.Remove("notes:current"); err != nil {
		t.Fatalf("removing an absent key should succeed: %v", err)
	}
	if _, ok, _ := store.Get("notes:current"); ok {
		t.Fatalf("expected key to be removed")
	}
}

func TestSQLiteStorePersistsAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.db")
	first := openTestSQLite(t, path)
	if err := first.Set("notes:storage:version", "4"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := first.Set("k", "v"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}

	second := openTestSQLite(t, path)
	value, ok, err := second.Get("notes:storage:version")
	if err != nil || !ok || value != "4" {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestSQLiteStoreRefreshPublishesForeignWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.db")
	writer := openTestSQLite(t, path)
	reader := openTestSQLite(t, path)

	if err := reader.Set("notes:own", "mine"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, cleanup := reader.dispatcher.Subscribe(ctx, fanout.Everyone)
	defer cleanup()

	if err := writer.Set("notes:documents", "{}"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := writer.Remove("notes:own"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if err := reader.Refresh(); err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}

	seen := map[string]Event{}
	for len(seen) < 2 {
		select {
		case event := <-events:
			seen[event.Key] = event
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("expected two events, got %#v", seen)
		}
	}
	if seen["notes:documents"].NewValue != "{}" {
		t.Fatalf("unexpected documents event: %#v", seen["notes:documents"])
	}
	if !seen["notes:own"].Removed || seen["notes:own"].OldValue != "mine" {
		t.Fatalf("unexpected removal event: %#v", seen["notes:own"])
	}

	if err := reader.Refresh(); err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	select {
	case event := <-events:
		t.Fatalf("expected no further events, got %#v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSQLiteStoreWatcherDetectsForeignWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.db")
	writer := openTestSQLite(t, path)
	reader := openTestSQLite(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, cleanup := reader.Subscribe(ctx)
	defer cleanup()

	var mu sync.Mutex
	var received []Event
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-events:
				mu.Lock()
				received = append(received, event)
				mu.Unlock()
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := writer.Set("notes:documents", `{"x":{}}`); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, event := range received {
			if event.Key == "notes:documents" && event.NewValue == `{"x":{}}` {
				return true
			}
		}
		return false
	}, "expected watcher to publish the foreign write")
}
