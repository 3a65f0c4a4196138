package notes

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notepad/internal/kv"
	"go.uber.org/zap"
)

// CurrentVersion is the schema version written after every migration.
const CurrentVersion = 4

var errMissingImageStore = errors.New("image store is required")

// DocumentStoreConfig describes the dependencies of a DocumentStore.
type DocumentStoreConfig struct {
	Store      kv.Store
	Keys       KeySpace
	Images     *ImageStore
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// DocumentStore persists document metadata, bodies and the schema version.
type DocumentStore struct {
	store      kv.Store
	keys       KeySpace
	images     *ImageStore
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewDocumentStore validates cfg and constructs a DocumentStore.
func NewDocumentStore(cfg DocumentStoreConfig) (*DocumentStore, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Images == nil {
		return nil, errMissingImageStore
	}
	keys := cfg.Keys
	if keys.Namespace() == "" {
		keys = NewKeySpace("")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &DocumentStore{
		store:      cfg.Store,
		keys:       keys,
		images:     cfg.Images,
		clock:      clock,
		idProvider: idProvider,
		logger:     loggerOrDefault(cfg.Logger),
	}, nil
}

// Keys returns the key space the store writes to.
func (s *DocumentStore) Keys() KeySpace {
	return s.keys
}

// LoadAll reads the metadata map, upgrading the stored layout first when the
// schema version lags CurrentVersion. A store fault reads as an empty
// collection; callers that write back what they read use Snapshot.
func (s *DocumentStore) LoadAll() Documents {
	documents, err := s.Snapshot()
	if err != nil {
		logWarn(s.logger, opLoadAll, reasonReadFailed, err, zap.String(fieldKey, s.keys.Documents()))
		return Documents{}
	}
	return documents
}

// Snapshot is LoadAll that reports store faults instead of reading them as
// an empty collection. A malformed metadata map is still empty. When an
// upgrade fails the data read before the upgrade is returned.
func (s *DocumentStore) Snapshot() (Documents, error) {
	documents, err := s.readDocuments()
	if err != nil {
		return nil, err
	}

	storedVersion, err := s.readVersion()
	if err != nil {
		return nil, err
	}
	if storedVersion >= CurrentVersion {
		return documents, nil
	}

	migrated, version, err := s.runMigrations(documents.Clone(), storedVersion)
	if err != nil {
		logWarn(s.logger, opMigrate, reasonStepFailed, err, zap.Int("from_version", storedVersion))
		return documents, nil
	}
	if err := s.writeDocuments(migrated); err != nil {
		logWarn(s.logger, opMigrate, reasonWriteFailed, err, zap.String(fieldKey, s.keys.Documents()))
		return migrated, nil
	}
	if err := s.writeVersion(version); err != nil {
		logWarn(s.logger, opMigrate, reasonWriteFailed, err, zap.String(fieldKey, s.keys.Version()))
	}
	return migrated, nil
}

// SaveAll overwrites the whole metadata map.
func (s *DocumentStore) SaveAll(documents Documents) {
	if err := s.writeDocuments(documents); err != nil {
		logWarn(s.logger, opSaveAll, reasonWriteFailed, err, zap.String(fieldKey, s.keys.Documents()))
	}
}

// SaveBody writes the body slot of id.
func (s *DocumentStore) SaveBody(id DocumentID, content string) {
	if err := s.writeBody(id, content); err != nil {
		logWarn(s.logger, opSaveBody, reasonWriteFailed, err, zap.String(fieldKey, s.keys.Body(id)))
	}
}

// LoadBody reads the body slot of id. A store fault reads as a missing slot.
func (s *DocumentStore) LoadBody(id DocumentID) (string, bool) {
	value, ok, err := s.ReadBody(id)
	if err != nil {
		logWarn(s.logger, opLoadBody, reasonReadFailed, err, zap.String(fieldKey, s.keys.Body(id)))
		return "", false
	}
	return value, ok
}

// ReadBody reads the body slot of id and reports store faults.
func (s *DocumentStore) ReadBody(id DocumentID) (string, bool, error) {
	value, ok, err := s.store.Get(s.keys.Body(id))
	if err != nil {
		return "", false, newStorageError(opLoadBody, reasonReadFailed, err)
	}
	return value, ok, nil
}

// RemoveBody deletes the body slot of id.
func (s *DocumentStore) RemoveBody(id DocumentID) {
	if err := s.store.Remove(s.keys.Body(id)); err != nil {
		logWarn(s.logger, opRemoveBody, reasonWriteFailed, err, zap.String(fieldKey, s.keys.Body(id)))
	}
}

// Body returns the inline content of document or, when empty, its body slot.
func (s *DocumentStore) Body(document Document) string {
	if document.Content != "" {
		return document.Content
	}
	body, _ := s.LoadBody(document.ID)
	return body
}

// CurrentVersion returns the stored schema version; a missing or
// unparsable value reads as 0.
func (s *DocumentStore) CurrentVersion() int {
	version, err := s.readVersion()
	if err != nil {
		logWarn(s.logger, opVersion, reasonReadFailed, err, zap.String(fieldKey, s.keys.Version()))
		return 0
	}
	return version
}

// SetCurrentVersion stores the schema version.
func (s *DocumentStore) SetCurrentVersion(version int) {
	if err := s.writeVersion(version); err != nil {
		logWarn(s.logger, opVersion, reasonWriteFailed, err, zap.String(fieldKey, s.keys.Version()))
	}
}

// CurrentID returns the id of the last opened document.
func (s *DocumentStore) CurrentID() (DocumentID, bool) {
	raw, ok, err := s.store.Get(s.keys.Current())
	if err != nil {
		logWarn(s.logger, opCurrent, reasonReadFailed, err, zap.String(fieldKey, s.keys.Current()))
		return "", false
	}
	if !ok {
		return "", false
	}
	id, err := NewDocumentID(raw)
	if err != nil {
		return "", false
	}
	return id, true
}

// SetCurrentID records id as the last opened document.
func (s *DocumentStore) SetCurrentID(id DocumentID) {
	if err := s.store.Set(s.keys.Current(), id.String()); err != nil {
		logWarn(s.logger, opCurrent, reasonWriteFailed, err, zap.String(fieldKey, s.keys.Current()))
	}
}

// ClearCurrentID forgets the last opened document.
func (s *DocumentStore) ClearCurrentID() {
	if err := s.store.Remove(s.keys.Current()); err != nil {
		logWarn(s.logger, opCurrent, reasonWriteFailed, err, zap.String(fieldKey, s.keys.Current()))
	}
}

// readDocuments parses the metadata map. A malformed map reads as empty;
// only store faults are returned.
func (s *DocumentStore) readDocuments() (Documents, error) {
	raw, ok, err := s.store.Get(s.keys.Documents())
	if err != nil {
		return nil, newStorageError(opLoadAll, reasonReadFailed, err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return Documents{}, nil
	}
	documents := make(Documents)
	if err := json.Unmarshal([]byte(raw), &documents); err != nil {
		logWarn(s.logger, opLoadAll, reasonMalformed, err, zap.String(fieldKey, s.keys.Documents()))
		return Documents{}, nil
	}
	for id, document := range documents {
		if document.ID == "" {
			document.ID = id
			documents[id] = document
		}
	}
	return documents, nil
}

func (s *DocumentStore) readVersion() (int, error) {
	raw, ok, err := s.store.Get(s.keys.Version())
	if err != nil {
		return 0, newStorageError(opVersion, reasonReadFailed, err)
	}
	if !ok {
		return 0, nil
	}
	version, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || version < 0 {
		return 0, nil
	}
	return version, nil
}

func (s *DocumentStore) writeDocuments(documents Documents) error {
	if documents == nil {
		documents = Documents{}
	}
	encoded, err := json.Marshal(documents)
	if err != nil {
		return newStorageError(opSaveAll, reasonEncode, err)
	}
	if err := s.store.Set(s.keys.Documents(), string(encoded)); err != nil {
		return newStorageError(opSaveAll, reasonWriteFailed, err)
	}
	return nil
}

func (s *DocumentStore) writeBody(id DocumentID, content string) error {
	if err := s.store.Set(s.keys.Body(id), content); err != nil {
		return newStorageError(opSaveBody, reasonWriteFailed, err)
	}
	return nil
}

func (s *DocumentStore) writeVersion(version int) error {
	if err := s.store.Set(s.keys.Version(), strconv.Itoa(version)); err != nil {
		return newStorageError(opVersion, reasonWriteFailed, err)
	}
	return nil
}
