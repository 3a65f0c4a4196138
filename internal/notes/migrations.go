package notes

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	migrationExtractInlineImages = "extract_inline_images"
	migrationSplitDocumentBodies = "split_document_bodies"
	migrationExplodeImageMap     = "explode_image_map"
)

// migrationDefinition upgrades the layout to version. apply receives the
// documents read so far and returns them transformed; store side effects
// must be safe to repeat.
type migrationDefinition struct {
	version int
	name    string
	apply   func(*DocumentStore, Documents) (Documents, error)
}

var migrations = []migrationDefinition{
	{version: 2, name: migrationExtractInlineImages, apply: extractInlineImages},
	{version: 3, name: migrationSplitDocumentBodies, apply: splitDocumentBodies},
	{version: 4, name: migrationExplodeImageMap, apply: explodeImageMap},
}

// runMigrations applies, in ascending order, every migration newer than
// storedVersion. The caller persists the documents and the returned version.
func (s *DocumentStore) runMigrations(documents Documents, storedVersion int) (Documents, int, error) {
	version := storedVersion
	for _, migration := range migrations {
		if storedVersion >= migration.version {
			continue
		}
		upgraded, err := migration.apply(s, documents)
		if err != nil {
			return documents, version, fmt.Errorf("%s: %w", migration.name, err)
		}
		documents = upgraded
		s.logger.Info("storage migration applied",
			zap.String("migration", migration.name),
			zap.Int("from_version", version),
			zap.Int("to_version", migration.version))
		version = migration.version
	}
	if version < CurrentVersion {
		version = CurrentVersion
	}
	return documents, version, nil
}

// extractInlineImages moves inline data URL images into the aggregate image
// map and rewrites bodies to placeholders. A data URL already stored keeps
// its id.
func extractInlineImages(s *DocumentStore, documents Documents) (Documents, error) {
	aggregate, _, err := s.images.loadAggregate()
	if err != nil {
		return documents, newStorageError(opMigrate, reasonReadFailed, err)
	}
	stored, err := s.images.loadImages()
	if err != nil {
		return documents, newStorageError(opMigrate, reasonReadFailed, err)
	}
	known := invertImages(stored)
	for dataURL, id := range invertImages(aggregate) {
		known[dataURL] = id
	}

	added := false
	assign := func(dataURL string) (ImageID, error) {
		if id, ok := known[dataURL]; ok {
			if _, stored := aggregate[id]; !stored {
				aggregate[id] = dataURL
				added = true
			}
			return id, nil
		}
		id, err := newImageIDFrom(s.idProvider)
		if err != nil {
			return "", newStorageError(opMigrate, reasonIDFailed, err)
		}
		known[dataURL] = id
		aggregate[id] = dataURL
		added = true
		return id, nil
	}

	rewrittenBodies := make(map[DocumentID]string)
	for id, document := range documents {
		inline := document.Content != ""
		body := document.Content
		if !inline {
			slot, ok, err := s.ReadBody(id)
			if err != nil {
				return documents, err
			}
			if !ok {
				continue
			}
			body = slot
		}
		rewritten, changed, err := replaceInlineImages(body, assign)
		if err != nil {
			return documents, err
		}
		if !changed {
			continue
		}
		if inline {
			document.Content = rewritten
		} else {
			rewrittenBodies[id] = rewritten
		}
		documents[id] = document.Touched(s.clock())
	}

	if added {
		if err := s.images.saveAggregate(aggregate); err != nil {
			return documents, err
		}
	}
	for id, body := range rewrittenBodies {
		if err := s.writeBody(id, body); err != nil {
			return documents, err
		}
	}
	return documents, nil
}

// splitDocumentBodies moves inline content into per-document body slots.
func splitDocumentBodies(s *DocumentStore, documents Documents) (Documents, error) {
	for id, document := range documents {
		if document.Content == "" {
			continue
		}
		if err := s.writeBody(id, document.Content); err != nil {
			return documents, err
		}
		document.Content = ""
		documents[id] = document.Touched(s.clock())
	}
	return documents, nil
}

// explodeImageMap copies the aggregate image map into per-image keys and
// deletes the aggregate. Existing per-image keys win.
func explodeImageMap(s *DocumentStore, documents Documents) (Documents, error) {
	aggregate, present, err := s.images.loadAggregate()
	if err != nil {
		return documents, newStorageError(opMigrate, reasonReadFailed, err)
	}
	if !present {
		return documents, nil
	}
	for id, dataURL := range aggregate {
		if !imageIDPattern.MatchString(id.String()) {
			logWarn(s.logger, opMigrate, "invalid_image_id", nil, zap.String("image_id", id.String()))
			continue
		}
		_, exists, err := s.store.Get(s.keys.Image(id))
		if err != nil {
			return documents, newStorageError(opMigrate, reasonReadFailed, err)
		}
		if exists {
			continue
		}
		if err := s.images.save(id, dataURL); err != nil {
			return documents, err
		}
	}
	if err := s.store.Remove(s.keys.AggregateImages()); err != nil {
		return documents, newStorageError(opMigrate, reasonWriteFailed, err)
	}
	return documents, nil
}
