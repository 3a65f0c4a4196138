package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notepad/internal/fanout"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultWatchDebounce = 50 * time.Millisecond
	busyTimeoutPragma    = "_pragma=busy_timeout(5000)"
	columnKey            = "entry_key"
	queryKey             = columnKey + " = ?"
	orderKeyAsc          = columnKey + " ASC"
)

var errMissingPath = errors.New("kv: sqlite path is required")

// entry is one row of the shared key-value table.
type entry struct {
	Key             string `gorm:"column:entry_key;primaryKey;size:512;not null"`
	Value           string `gorm:"column:entry_value;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (entry) TableName() string {
	return "kv_entries"
}

// SQLiteConfig describes a durable store handle.
type SQLiteConfig struct {
	Path     string
	Clock    func() time.Time
	Debounce time.Duration
	Logger   *zap.Logger
}

// SQLiteStore is a SharedStore persisted in a SQLite file. Each handle keeps
// the last table state it has seen; writes made through other handles or
// processes are detected by watching the database file and diffing.
type SQLiteStore struct {
	db         *gorm.DB
	path       string
	clock      func() time.Time
	debounce   time.Duration
	logger     *zap.Logger
	dispatcher *fanout.Hub[Event]

	mu       sync.Mutex
	snapshot map[string]string
	closed   bool
	watching bool

	stopCh  chan struct{}
	stopped chan struct{}
}

var _ SharedStore = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path+"?"+busyTimeoutPragma), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("kv: sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("kv: migrate schema: %w", err)
	}

	store := &SQLiteStore{
		db:         db,
		path:       cfg.Path,
		clock:      clock,
		debounce:   debounce,
		logger:     logger,
		dispatcher: fanout.NewHub[Event](defaultEventBuffer),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	snapshot, err := store.loadEntries()
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	store.snapshot = snapshot
	logger.Info("kv store opened", zap.String("path", cfg.Path), zap.Int("keys", len(snapshot)))
	return store, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	var row entry
	err := s.db.Where(queryKey, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get "+key, err)
	}
	return row.Value, true, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	row := entry{Key: key, Value: value, UpdatedAtMillis: s.clock().UnixMilli()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnKey}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_ms"}),
	}).Create(&row).Error
	if err != nil {
		return unavailable("set "+key, err)
	}
	s.snapshot[key] = value
	return nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.db.Where(queryKey, key).Delete(&entry{}).Error; err != nil {
		return unavailable("remove "+key, err)
	}
	delete(s.snapshot, key)
	return nil
}

// Len implements Store.
func (s *SQLiteStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var count int64
	if err := s.db.Model(&entry{}).Count(&count).Error; err != nil {
		return 0, unavailable("len", err)
	}
	return int(count), nil
}

// KeyAt implements Store. Keys enumerate in lexical order.
func (s *SQLiteStore) KeyAt(index int) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	if index < 0 {
		return "", false, nil
	}
	var keys []string
	err := s.db.Model(&entry{}).Order(orderKeyAsc).Offset(index).Limit(1).Pluck(columnKey, &keys).Error
	if err != nil {
		return "", false, unavailable(fmt.Sprintf("key at %d", index), err)
	}
	if len(keys) == 0 {
		return "", false, nil
	}
	return keys[0], true, nil
}

// Subscribe implements Notifier. The first subscription starts the file
// watcher for this handle.
func (s *SQLiteStore) Subscribe(ctx context.Context) (<-chan Event, func()) {
	s.mu.Lock()
	if !s.closed && !s.watching {
		s.watching = true
		go s.watch()
	}
	s.mu.Unlock()
	return s.dispatcher.Subscribe(ctx, fanout.Everyone)
}

// Refresh rereads the table and publishes every difference from the last
// state this handle has seen.
func (s *SQLiteStore) Refresh() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	current, err := s.loadEntries()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	events := diffEntries(s.snapshot, current)
	s.snapshot = current
	s.mu.Unlock()

	for _, event := range events {
		s.dispatcher.Publish(fanout.Everyone, event)
	}
	return nil
}

// Close stops the watcher and releases the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watching := s.watching
	s.mu.Unlock()

	close(s.stopCh)
	if watching {
		<-s.stopped
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) loadEntries() (map[string]string, error) {
	var rows []entry
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, unavailable("load entries", err)
	}
	entries := make(map[string]string, len(rows))
	for _, row := range rows {
		entries[row.Key] = row.Value
	}
	return entries, nil
}

func diffEntries(previous, current map[string]string) []Event {
	events := make([]Event, 0)
	for key, value := range current {
		old, existed := previous[key]
		if existed && old == value {
			continue
		}
		events = append(events, Event{Key: key, OldValue: old, NewValue: value})
	}
	for key, old := range previous {
		if _, ok := current[key]; !ok {
			events = append(events, Event{Key: key, OldValue: old, Removed: true})
		}
	}
	return events
}

func unavailable(operation string, cause error) error {
	return fmt.Errorf("kv: %s: %w", operation, errors.Join(ErrUnavailable, cause))
}
