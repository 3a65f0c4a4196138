package notes

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/notepad/internal/kv"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("key-value store is required")

// BodySource resolves a document's body slot and reports store faults.
type BodySource interface {
	ReadBody(id DocumentID) (string, bool, error)
}

// ImageStoreConfig describes the dependencies of an ImageStore.
type ImageStoreConfig struct {
	Store      kv.Store
	Keys       KeySpace
	IDProvider IDProvider
	Logger     *zap.Logger
}

// ImageStore maps image ids to data URLs, one key per image.
type ImageStore struct {
	store      kv.Store
	keys       KeySpace
	idProvider IDProvider
	logger     *zap.Logger
}

// NewImageStore validates cfg and constructs an ImageStore.
func NewImageStore(cfg ImageStoreConfig) (*ImageStore, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	keys := cfg.Keys
	if keys.Namespace() == "" {
		keys = NewKeySpace("")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &ImageStore{
		store:      cfg.Store,
		keys:       keys,
		idProvider: idProvider,
		logger:     loggerOrDefault(cfg.Logger),
	}, nil
}

// Save writes dataURL under id, replacing any existing entry.
func (s *ImageStore) Save(id ImageID, dataURL string) {
	if err := s.save(id, dataURL); err != nil {
		logWarn(s.logger, opImageSave, reasonWriteFailed, err, zap.String(fieldKey, s.keys.Image(id)))
	}
}

// Get returns the data URL stored under id.
func (s *ImageStore) Get(id ImageID) (string, bool) {
	value, ok, err := s.store.Get(s.keys.Image(id))
	if err != nil {
		logWarn(s.logger, opImageGet, reasonReadFailed, err, zap.String(fieldKey, s.keys.Image(id)))
		return "", false
	}
	return value, ok
}

// Remove deletes the entry stored under id.
func (s *ImageStore) Remove(id ImageID) {
	if err := s.store.Remove(s.keys.Image(id)); err != nil {
		logWarn(s.logger, opImageRemove, reasonWriteFailed, err, zap.String(fieldKey, s.keys.Image(id)))
	}
}

// LoadAll returns every per-image entry. When no per-image key exists the
// legacy aggregate map is read instead. A store fault reads as no images.
func (s *ImageStore) LoadAll() map[ImageID]string {
	images, err := s.loadImages()
	if err != nil {
		logWarn(s.logger, opImageLoadAll, reasonReadFailed, err)
		return map[ImageID]string{}
	}
	return images
}

// FindUnreferenced returns, sorted, the stored image ids that no document of
// any collection references, inline or through its body slot. A store fault
// aborts the scan so no id is reported from a partial view.
func (s *ImageStore) FindUnreferenced(bodies BodySource, collections ...Documents) ([]ImageID, error) {
	referenced := make(map[ImageID]struct{})
	scanned := make(map[DocumentID]struct{})
	for _, documents := range collections {
		for id, document := range documents {
			for _, imageID := range ReferencedImageIDs(document.Content) {
				referenced[imageID] = struct{}{}
			}
			if _, ok := scanned[id]; ok || bodies == nil {
				continue
			}
			scanned[id] = struct{}{}
			body, ok, err := bodies.ReadBody(id)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			for _, imageID := range ReferencedImageIDs(body) {
				referenced[imageID] = struct{}{}
			}
		}
	}

	images, err := s.loadImages()
	if err != nil {
		return nil, newStorageError(opImageLoadAll, reasonReadFailed, err)
	}
	unreferenced := make([]ImageID, 0)
	for id := range images {
		if _, ok := referenced[id]; !ok {
			unreferenced = append(unreferenced, id)
		}
	}
	sort.Slice(unreferenced, func(i, j int) bool { return unreferenced[i] < unreferenced[j] })
	return unreferenced, nil
}

// SweepUnreferenced removes every image FindUnreferenced reports and
// returns the removed ids. Images referenced only by edits that have not
// been saved yet are removed as well, so callers flush first.
func (s *ImageStore) SweepUnreferenced(bodies BodySource, collections ...Documents) ([]ImageID, error) {
	unreferenced, err := s.FindUnreferenced(bodies, collections...)
	if err != nil {
		logWarn(s.logger, opImageSweep, reasonReadFailed, err)
		return nil, err
	}
	for _, id := range unreferenced {
		s.Remove(id)
	}
	if len(unreferenced) > 0 {
		s.logger.Info("unreferenced images swept",
			zap.String(fieldOperation, opImageSweep),
			zap.Int("count", len(unreferenced)))
	}
	return unreferenced, nil
}

// Inline replaces every placeholder in body with its stored data URL.
// Placeholders for unknown ids are left untouched.
func (s *ImageStore) Inline(body string) string {
	return expandPlaceholders(body, s.Get)
}

// Extract stores every inline data URL image of body and returns the body
// rewritten to placeholders. A data URL already stored is reused. On a
// storage fault the body is returned unchanged.
func (s *ImageStore) Extract(body string) string {
	return s.NewExtractor().Extract(body)
}

// Extractor extracts the inline images of several bodies, reading the
// stored images at most once.
type Extractor struct {
	images *ImageStore
	known  map[string]ImageID
}

// NewExtractor returns an Extractor over the images of s.
func (s *ImageStore) NewExtractor() *Extractor {
	return &Extractor{images: s}
}

// Extract behaves like ImageStore.Extract.
func (e *Extractor) Extract(body string) string {
	s := e.images
	if !inlineImagePattern.MatchString(body) {
		return body
	}
	if e.known == nil {
		images, err := s.loadImages()
		if err != nil {
			logWarn(s.logger, opImageExtract, reasonReadFailed, err)
			images = map[ImageID]string{}
		}
		e.known = invertImages(images)
	}
	rewritten, _, err := replaceInlineImages(body, func(dataURL string) (ImageID, error) {
		if id, ok := e.known[dataURL]; ok {
			return id, nil
		}
		id, err := newImageIDFrom(s.idProvider)
		if err != nil {
			return "", newStorageError(opImageExtract, reasonIDFailed, err)
		}
		if err := s.save(id, dataURL); err != nil {
			return "", err
		}
		e.known[dataURL] = id
		return id, nil
	})
	if err != nil {
		logWarn(s.logger, opImageExtract, reasonWriteFailed, err)
		return body
	}
	return rewritten
}

func (s *ImageStore) save(id ImageID, dataURL string) error {
	key := s.keys.Image(id)
	if err := s.store.Set(key, dataURL); err != nil {
		return newStorageError(opImageSave, reasonWriteFailed, err)
	}
	return nil
}

func (s *ImageStore) loadImages() (map[ImageID]string, error) {
	images, err := s.loadPerKey()
	if err != nil {
		return nil, err
	}
	if len(images) > 0 {
		return images, nil
	}
	aggregate, _, err := s.loadAggregate()
	if err != nil {
		return nil, err
	}
	return aggregate, nil
}

func (s *ImageStore) loadPerKey() (map[ImageID]string, error) {
	keys, err := kv.Keys(s.store)
	if err != nil {
		return nil, err
	}
	prefix := s.keys.ImagePrefix()
	images := make(map[ImageID]string)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		value, ok, err := s.store.Get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			images[ImageID(strings.TrimPrefix(key, prefix))] = value
		}
	}
	return images, nil
}

// loadAggregate reads the legacy aggregate map. A malformed map is treated
// as empty and reported present so callers can clear it.
func (s *ImageStore) loadAggregate() (map[ImageID]string, bool, error) {
	raw, ok, err := s.store.Get(s.keys.AggregateImages())
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return map[ImageID]string{}, false, nil
	}
	images := make(map[ImageID]string)
	if err := json.Unmarshal([]byte(raw), &images); err != nil {
		logWarn(s.logger, opImageAggregate, reasonMalformed, err, zap.String(fieldKey, s.keys.AggregateImages()))
		return map[ImageID]string{}, true, nil
	}
	if images == nil {
		images = map[ImageID]string{}
	}
	return images, true, nil
}

func (s *ImageStore) saveAggregate(images map[ImageID]string) error {
	encoded, err := json.Marshal(images)
	if err != nil {
		return newStorageError(opImageAggregate, reasonEncode, err)
	}
	if err := s.store.Set(s.keys.AggregateImages(), string(encoded)); err != nil {
		return newStorageError(opImageAggregate, reasonWriteFailed, err)
	}
	return nil
}

func invertImages(images map[ImageID]string) map[string]ImageID {
	inverted := make(map[string]ImageID, len(images))
	for id, dataURL := range images {
		if existing, ok := inverted[dataURL]; ok && existing < id {
			continue
		}
		inverted[dataURL] = id
	}
	return inverted
}
