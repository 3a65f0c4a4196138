package kv

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watch observes the directory holding the database file. Any write to the
// database or its journal files schedules a debounced Refresh.
func (s *SQLiteStore) watch() {
	defer close(s.stopped)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("kv watcher unavailable", zap.String("path", s.path), zap.Error(err))
		<-s.stopCh
		return
	}
	defer watcher.Close()

	absolute, err := filepath.Abs(s.path)
	if err != nil {
		absolute = s.path
	}
	directory := filepath.Dir(absolute)
	baseName := filepath.Base(absolute)
	if err := watcher.Add(directory); err != nil {
		s.logger.Warn("kv watcher add failed", zap.String("directory", directory), zap.Error(err))
		<-s.stopCh
		return
	}

	var refreshTimer *time.Timer
	var refreshCh <-chan time.Time
	scheduleRefresh := func() {
		if refreshTimer == nil {
			refreshTimer = time.NewTimer(s.debounce)
			refreshCh = refreshTimer.C
			return
		}
		refreshTimer.Reset(s.debounce)
	}

	for {
		select {
		case <-s.stopCh:
			if refreshTimer != nil {
				refreshTimer.Stop()
			}
			return

		case <-refreshCh:
			if err := s.Refresh(); err != nil {
				s.logger.Warn("kv refresh failed", zap.String("path", s.path), zap.Error(err))
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(event.Name), baseName) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			scheduleRefresh()

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("kv watcher error", zap.String("path", s.path), zap.Error(watchErr))
		}
	}
}
