// Package editor owns the in-memory document collection of one editing
// session attached to a shared store.
package editor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notepad/internal/kv"
	"github.com/MarcoPoloResearchLab/notepad/internal/notes"
	"go.uber.org/zap"
)

const defaultPollInterval = 5 * time.Second

var (
	// ErrUnknownDocument indicates an operation on an id the session does not hold.
	ErrUnknownDocument = errors.New("editor: unknown document")

	errMissingDocumentStore = errors.New("document store is required")
	errMissingImageStore    = errors.New("image store is required")
)

// Config describes the dependencies of a Session.
type Config struct {
	Documents *notes.DocumentStore
	Images    *notes.ImageStore
	// Notifier, when set, triggers reconciliation on external writes to the
	// documents key.
	Notifier   kv.Notifier
	Clock      func() time.Time
	IDProvider notes.IDProvider
	// AutosaveDelay is the quiet window coalescing edits; zero writes
	// every edit immediately.
	AutosaveDelay time.Duration
	PollInterval  time.Duration
	Logger        *zap.Logger
	// OnChange runs after reconciliation changed the collection.
	OnChange func()
	// OnReplace receives a newer remote copy of the open document.
	OnReplace func(notes.Document)
}

// View is a document together with its display body. Placeholders in Body
// are expanded to data URLs.
type View struct {
	Document notes.Document `json:"document"`
	Body     string         `json:"body"`
	Pending  bool           `json:"pending"`
}

// Session is one editor attached to the shared store. Its methods are safe
// for concurrent use; hooks run without the session lock held.
type Session struct {
	documentStore *notes.DocumentStore
	imageStore    *notes.ImageStore
	notifier      kv.Notifier
	clock         func() time.Time
	idProvider    notes.IDProvider
	autosaveDelay time.Duration
	pollInterval  time.Duration
	logger        *zap.Logger
	onChange      func()
	onReplace     func(notes.Document)

	mu        sync.Mutex
	documents notes.Documents
	currentID notes.DocumentID
	watermark int64
	pending   map[notes.DocumentID]string
	autosave  *time.Timer
}

// NewSession validates cfg and constructs an empty Session. Call Load to
// read the stored collection.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Documents == nil {
		return nil, errMissingDocumentStore
	}
	if cfg.Images == nil {
		return nil, errMissingImageStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = notes.NewUUIDProvider()
	}
	autosaveDelay := cfg.AutosaveDelay
	if autosaveDelay < 0 {
		autosaveDelay = 0
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		documentStore: cfg.Documents,
		imageStore:    cfg.Images,
		notifier:      cfg.Notifier,
		clock:         clock,
		idProvider:    idProvider,
		autosaveDelay: autosaveDelay,
		pollInterval:  pollInterval,
		logger:        logger,
		onChange:      cfg.OnChange,
		onReplace:     cfg.OnReplace,
		documents:     notes.Documents{},
		pending:       make(map[notes.DocumentID]string),
	}, nil
}

// Load replaces the session state with the stored collection and reopens the
// last opened document, or the most recently saved one. When the store
// cannot be read the session state is left unchanged.
func (s *Session) Load() ([]notes.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	documents, err := s.documentStore.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	s.documents = documents
	s.pending = make(map[notes.DocumentID]string)
	s.currentID = ""
	s.watermark = 0
	if id, ok := s.documentStore.CurrentID(); ok {
		if _, exists := s.documents[id]; exists {
			s.setCurrentLocked(id, false)
		}
	}
	if s.currentID == "" {
		s.openMostRecentLocked()
	}
	s.logger.Info("session loaded",
		zap.Int("documents", len(s.documents)),
		zap.String("current_id", s.currentID.String()))
	return s.documents.Sorted(), nil
}

// List returns the collection ordered by LastSaved, newest first.
func (s *Session) List() []notes.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documents.Sorted()
}

// CurrentID returns the open document id; it is empty when nothing is open.
func (s *Session) CurrentID() notes.DocumentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Watermark returns the last known LastSaved of the open document.
func (s *Session) Watermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Document returns the view of id, including an unsaved edit when present.
func (s *Session) Document(id notes.DocumentID) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(id)
}

// Create adds an empty document, persists it and opens it.
func (s *Session) Create() (notes.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := notes.NewDocumentIDFrom(s.idProvider)
	if err != nil {
		return notes.Document{}, fmt.Errorf("create document: %w", err)
	}
	s.flushLocked()
	document := notes.NewDocument(id, s.clock())
	s.documents[id] = document
	s.documentStore.SaveAll(s.documents)
	s.setCurrentLocked(id, true)
	s.logger.Debug("document created", zap.String("document_id", id.String()))
	return document, nil
}

// Open flushes pending edits and makes id the open document.
func (s *Session) Open(id notes.DocumentID) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return View{}, fmt.Errorf("open %s: %w", id, ErrUnknownDocument)
	}
	s.flushLocked()
	s.setCurrentLocked(id, true)
	return s.viewLocked(id)
}

// Rename sets the title of id.
func (s *Session) Rename(id notes.DocumentID, title string) (notes.Document, error) {
	return s.update(id, func(document *notes.Document) {
		document.Title = strings.TrimSpace(title)
	})
}

// SetFont sets the font of id.
func (s *Session) SetFont(id notes.DocumentID, font string) (notes.Document, error) {
	return s.update(id, func(document *notes.Document) {
		font = strings.TrimSpace(font)
		if font == "" {
			font = notes.DefaultFont
		}
		document.Font = font
	})
}

// Edit records body as the unsaved content of id and schedules an autosave.
// Edits arriving within the autosave delay are coalesced into one write.
func (s *Session) Edit(id notes.DocumentID, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return fmt.Errorf("edit %s: %w", id, ErrUnknownDocument)
	}
	s.pending[id] = body
	if s.autosaveDelay == 0 {
		s.flushLocked()
		return nil
	}
	if s.autosave != nil {
		s.autosave.Stop()
	}
	s.autosave = time.AfterFunc(s.autosaveDelay, func() {
		s.Flush()
	})
	return nil
}

// Flush writes every pending edit. Inline images are moved to the image
// store before the body is saved.
func (s *Session) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// Delete removes id and its body. When id was open the most recent
// remaining document is opened.
func (s *Session) Delete(id notes.DocumentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrUnknownDocument)
	}
	delete(s.pending, id)
	s.flushLocked()
	delete(s.documents, id)
	s.documentStore.SaveAll(s.documents)
	s.documentStore.RemoveBody(id)
	if s.currentID == id {
		s.currentID = ""
		s.watermark = 0
		s.openMostRecentLocked()
		if s.currentID != "" {
			s.documentStore.SetCurrentID(s.currentID)
		} else {
			s.documentStore.ClearCurrentID()
		}
	}
	s.logger.Debug("document deleted", zap.String("document_id", id.String()))
	return nil
}

// Reconcile pulls writes made by other sessions into this one. When the
// store cannot be read nothing changes.
func (s *Session) Reconcile() notes.ReconcileResult {
	var (
		changed  bool
		replaced *notes.Document
	)

	s.mu.Lock()
	result, err := notes.Reconcile(s.documentStore, s.documents, s.currentID, s.watermark, notes.ReconcileHooks{
		OnReplace: func(remote notes.Document) {
			delete(s.pending, remote.ID)
			replaced = &remote
		},
		OnChange: func() {
			changed = true
		},
	})
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("reconcile skipped", zap.Error(err))
		return result
	}
	if result.WatermarkAdvanced {
		s.watermark = result.Watermark
	}
	for id := range s.pending {
		if _, ok := s.documents[id]; !ok {
			delete(s.pending, id)
		}
	}
	if s.currentID != "" {
		if _, ok := s.documents[s.currentID]; !ok {
			s.currentID = ""
			s.watermark = 0
			s.openMostRecentLocked()
		}
	}
	s.mu.Unlock()

	if changed && s.onChange != nil {
		s.onChange()
	}
	if replaced != nil {
		s.logger.Info("open document replaced by a newer save",
			zap.String("document_id", replaced.ID.String()),
			zap.Int64("last_saved", replaced.LastSaved))
		if s.onReplace != nil {
			s.onReplace(*replaced)
		}
	}
	return result
}

// Unreferenced flushes pending edits and lists images that neither the
// stored collection nor this session refers to.
func (s *Session) Unreferenced() ([]notes.ImageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	stored, err := s.documentStore.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("find unreferenced images: %w", err)
	}
	return s.imageStore.FindUnreferenced(s.documentStore, stored, s.documents)
}

// SweepImages flushes pending edits and removes images that neither the
// stored collection nor this session refers to. References written by other
// sessions count even before this session reconciles.
func (s *Session) SweepImages() ([]notes.ImageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	stored, err := s.documentStore.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("sweep images: %w", err)
	}
	return s.imageStore.SweepUnreferenced(s.documentStore, stored, s.documents)
}

// Status summarizes the persisted layout seen by the session.
type Status struct {
	Namespace     string           `json:"namespace"`
	StoredVersion int              `json:"stored_version"`
	SchemaVersion int              `json:"schema_version"`
	Documents     int              `json:"documents"`
	Images        int              `json:"images"`
	Pending       int              `json:"pending"`
	CurrentID     notes.DocumentID `json:"current_id"`
	Watermark     int64            `json:"watermark"`
}

// Status reports the stored schema version and collection sizes.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Namespace:     s.documentStore.Keys().Namespace(),
		StoredVersion: s.documentStore.CurrentVersion(),
		SchemaVersion: notes.CurrentVersion,
		Documents:     len(s.documents),
		Images:        len(s.imageStore.LoadAll()),
		Pending:       len(s.pending),
		CurrentID:     s.currentID,
		Watermark:     s.watermark,
	}
}

// Close stops the autosave timer and writes pending edits.
func (s *Session) Close() {
	s.Flush()
}

func (s *Session) update(id notes.DocumentID, mutate func(*notes.Document)) (notes.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	document, ok := s.documents[id]
	if !ok {
		return notes.Document{}, fmt.Errorf("update %s: %w", id, ErrUnknownDocument)
	}
	mutate(&document)
	document = document.Touched(s.clock())
	s.documents[id] = document
	s.documentStore.SaveAll(s.documents)
	if id == s.currentID {
		s.watermark = document.LastSaved
	}
	return document, nil
}

func (s *Session) flushLocked() {
	if s.autosave != nil {
		s.autosave.Stop()
		s.autosave = nil
	}
	if len(s.pending) == 0 {
		return
	}
	now := s.clock()
	extractor := s.imageStore.NewExtractor()
	for id, body := range s.pending {
		document, ok := s.documents[id]
		if !ok {
			continue
		}
		s.documentStore.SaveBody(id, extractor.Extract(body))
		document.Content = ""
		document = document.Touched(now)
		s.documents[id] = document
		if id == s.currentID {
			s.watermark = document.LastSaved
		}
	}
	s.documentStore.SaveAll(s.documents)
	s.logger.Debug("pending edits flushed", zap.Int("documents", len(s.pending)))
	s.pending = make(map[notes.DocumentID]string)
}

func (s *Session) setCurrentLocked(id notes.DocumentID, persist bool) {
	s.currentID = id
	s.watermark = s.documents[id].LastSaved
	if persist {
		s.documentStore.SetCurrentID(id)
	}
}

func (s *Session) openMostRecentLocked() {
	sorted := s.documents.Sorted()
	if len(sorted) == 0 {
		return
	}
	s.setCurrentLocked(sorted[0].ID, false)
}

func (s *Session) viewLocked(id notes.DocumentID) (View, error) {
	document, ok := s.documents[id]
	if !ok {
		return View{}, fmt.Errorf("document %s: %w", id, ErrUnknownDocument)
	}
	body, pending := s.pending[id]
	if !pending {
		body = s.documentStore.Body(document)
	}
	return View{Document: document, Body: s.imageStore.Inline(body), Pending: pending}, nil
}
