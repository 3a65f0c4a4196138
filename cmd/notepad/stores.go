package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/notepad/internal/config"
	"github.com/MarcoPoloResearchLab/notepad/internal/kv"
	"github.com/MarcoPoloResearchLab/notepad/internal/notes"
	"go.uber.org/zap"
)

type storeSet struct {
	notifier  kv.Notifier
	documents *notes.DocumentStore
	images    *notes.ImageStore
	close     func() error
	logger    *zap.Logger
}

func openStores(appConfig config.AppConfig, logger *zap.Logger) (*storeSet, error) {
	var (
		store   kv.SharedStore
		closeFn = func() error { return nil }
	)
	switch appConfig.StoreDriver {
	case config.DriverMemory:
		store = kv.NewMemoryOrigin().Open()
	case config.DriverSQLite:
		sqliteStore, err := kv.OpenSQLite(kv.SQLiteConfig{
			Path:     appConfig.StorePath,
			Debounce: appConfig.WatchDebounce,
			Logger:   logger.Named("kv"),
		})
		if err != nil {
			return nil, err
		}
		store = sqliteStore
		closeFn = sqliteStore.Close
	default:
		return nil, fmt.Errorf("unsupported store driver %q", appConfig.StoreDriver)
	}

	keys := notes.NewKeySpace(appConfig.Namespace)
	idProvider := notes.NewUUIDProvider()
	images, err := notes.NewImageStore(notes.ImageStoreConfig{
		Store:      store,
		Keys:       keys,
		IDProvider: idProvider,
		Logger:     logger.Named("images"),
	})
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	documents, err := notes.NewDocumentStore(notes.DocumentStoreConfig{
		Store:      store,
		Keys:       keys,
		Images:     images,
		IDProvider: idProvider,
		Logger:     logger.Named("documents"),
	})
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	return &storeSet{
		notifier:  store,
		documents: documents,
		images:    images,
		close:     closeFn,
		logger:    logger,
	}, nil
}

func (s *storeSet) Close() {
	if err := s.close(); err != nil {
		s.logger.Warn("failed to close store", zap.Error(err))
	}
}
