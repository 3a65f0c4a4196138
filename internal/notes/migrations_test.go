package notes

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/notepad/internal/kv"
)

func seedLegacyDocuments(t *testing.T, store kv.Store, keys KeySpace, documents Documents) {
	t.Helper()
	encoded, err := json.Marshal(documents)
	if err != nil {
		t.Fatalf("failed to encode documents: %v", err)
	}
	mustSet(t, store, keys.Documents(), string(encoded))
}

func legacyCollection() Documents {
	return Documents{
		"doc-1": {ID: "doc-1", Title: "Pics", Content: imageTag(testPNG) + imageTag(testJPEG) + imageTag(testPNG), LastSaved: 100},
		"doc-2": {ID: "doc-2", Title: "Plain", Content: "<p>just text</p>", LastSaved: 200},
		"doc-3": {ID: "doc-3", Title: "Empty", LastSaved: 300},
	}
}

func TestLoadAllMigratesLegacyLayoutToCurrentVersion(t *testing.T) {
	stores := newTestStores(t)
	seedLegacyDocuments(t, stores.raw, stores.keys, legacyCollection())

	documents := stores.documents.LoadAll()

	if version := stores.documents.CurrentVersion(); version != CurrentVersion {
		t.Fatalf("expected version %d, got %d", CurrentVersion, version)
	}
	if len(documents) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(documents))
	}
	for id, document := range documents {
		if document.Content != "" {
			t.Fatalf("expected metadata of %s to carry no content, got %q", id, document.Content)
		}
	}
	for key, value := range stores.origin.Snapshot() {
		if strings.HasPrefix(key, "notes:body:") && strings.Contains(value, "data:") {
			t.Fatalf("body %s still holds inline image data", key)
		}
	}
	if _, ok := mustGet(t, stores.raw, stores.keys.AggregateImages()); ok {
		t.Fatalf("expected the aggregate image key to be removed")
	}
	if len(stores.images.LoadAll()) != 2 {
		t.Fatalf("expected two distinct images, got %v", stores.images.LoadAll())
	}

	body, ok := stores.documents.LoadBody("doc-1")
	if !ok || countPlaceholders(body) != 3 {
		t.Fatalf("unexpected migrated body %q", body)
	}
	if documents["doc-1"].LastSaved <= 100 {
		t.Fatalf("expected migrated document to be touched, got %d", documents["doc-1"].LastSaved)
	}
	if plain, _ := stores.documents.LoadBody("doc-2"); plain != "<p>just text</p>" {
		t.Fatalf("unexpected plain body %q", plain)
	}
	if _, ok := stores.documents.LoadBody("doc-3"); ok {
		t.Fatalf("expected no body slot for an empty document")
	}
}

func TestMigrationPreservesImageBytes(t *testing.T) {
	stores := newTestStores(t)
	original := imageTag(testPNG)
	seedLegacyDocuments(t, stores.raw, stores.keys, Documents{"doc": {ID: "doc", Content: original, LastSaved: 1}})

	stores.documents.LoadAll()

	body, _ := stores.documents.LoadBody("doc")
	if countPlaceholders(body) != 1 {
		t.Fatalf("expected exactly one placeholder, got %q", body)
	}
	ids := ReferencedImageIDs(body)
	if value, ok := stores.images.Get(ids[0]); !ok || value != testPNG {
		t.Fatalf("expected stored image to equal the original data url, got %q", value)
	}
	if inlined := stores.images.Inline(body); inlined != original {
		t.Fatalf("expected round-trip to the original body, got %q", inlined)
	}
}

func TestMigrationIsIdempotent(t *testing.T) {
	stores := newTestStores(t)
	seedLegacyDocuments(t, stores.raw, stores.keys, legacyCollection())

	first := stores.documents.LoadAll()
	snapshot := stores.origin.Snapshot()

	stores.documents.SetCurrentVersion(0)
	second := stores.documents.LoadAll()

	if len(first) != len(second) {
		t.Fatalf("document count changed: %d vs %d", len(first), len(second))
	}
	for id, document := range first {
		if second[id] != document {
			t.Fatalf("document %s changed on rerun: %#v vs %#v", id, document, second[id])
		}
	}
	rerun := stores.origin.Snapshot()
	if len(rerun) != len(snapshot) {
		t.Fatalf("key count changed: %d vs %d", len(snapshot), len(rerun))
	}
	for key, value := range snapshot {
		if rerun[key] != value {
			t.Fatalf("key %s changed on rerun", key)
		}
	}
}

func TestMigrationResumesAfterInterruptedVersionWrite(t *testing.T) {
	origin := kv.NewMemoryOrigin()
	failVersion := true
	store := &failingStore{Store: origin.Open(), failSet: func(key string) bool {
		return failVersion && key == "notes:storage:version"
	}}
	stores := newTestStoresOn(t, origin, store)
	seedLegacyDocuments(t, origin.Open(), stores.keys, legacyCollection())

	first := stores.documents.LoadAll()
	if stores.documents.CurrentVersion() != 0 {
		t.Fatalf("expected the version write to have failed")
	}
	imagesBefore := stores.images.LoadAll()

	failVersion = false
	second := stores.documents.LoadAll()

	if stores.documents.CurrentVersion() != CurrentVersion {
		t.Fatalf("expected version to be written on retry")
	}
	for id, document := range first {
		if second[id] != document {
			t.Fatalf("document %s changed on retry", id)
		}
	}
	imagesAfter := stores.images.LoadAll()
	if len(imagesAfter) != len(imagesBefore) {
		t.Fatalf("expected no duplicate images, got %d then %d", len(imagesBefore), len(imagesAfter))
	}
}

func TestMigrationFailureReturnsUnmigratedDocuments(t *testing.T) {
	origin := kv.NewMemoryOrigin()
	store := &failingStore{Store: origin.Open(), failSet: func(key string) bool {
		return key == "notes:images"
	}}
	stores := newTestStoresOn(t, origin, store)
	legacy := legacyCollection()
	seedLegacyDocuments(t, origin.Open(), stores.keys, legacy)

	documents := stores.documents.LoadAll()

	if documents["doc-1"].Content != legacy["doc-1"].Content {
		t.Fatalf("expected the original content to be returned")
	}
	if stores.documents.CurrentVersion() != 0 {
		t.Fatalf("expected the version to stay unset")
	}
	raw, _ := mustGet(t, origin.Open(), stores.keys.Documents())
	if !strings.Contains(raw, "data:image/png") {
		t.Fatalf("expected stored metadata to be left untouched")
	}
}

func TestExplodeImageMapKeepsExistingPerImageEntries(t *testing.T) {
	stores := newTestStores(t)
	stores.documents.SetCurrentVersion(3)
	mustSet(t, stores.raw, stores.keys.Image("img-a"), testJPEG)
	aggregate, _ := json.Marshal(map[string]string{"img-a": testPNG, "img-b": testPNG, "bad id": testJPEG})
	mustSet(t, stores.raw, stores.keys.AggregateImages(), string(aggregate))

	stores.documents.LoadAll()

	if value, _ := stores.images.Get("img-a"); value != testJPEG {
		t.Fatalf("expected existing per-image key to win, got %q", value)
	}
	if value, _ := stores.images.Get("img-b"); value != testPNG {
		t.Fatalf("expected img-b to be copied, got %q", value)
	}
	if _, ok := mustGet(t, stores.raw, "notes:image:bad id"); ok {
		t.Fatalf("invalid ids must not be written")
	}
	if _, ok := mustGet(t, stores.raw, stores.keys.AggregateImages()); ok {
		t.Fatalf("expected aggregate to be removed")
	}
}

func TestExtractStepReusesAggregateIDs(t *testing.T) {
	stores := newTestStores(t)
	aggregate, _ := json.Marshal(map[string]string{"img-old": testPNG})
	mustSet(t, stores.raw, stores.keys.AggregateImages(), string(aggregate))
	seedLegacyDocuments(t, stores.raw, stores.keys, Documents{"doc": {ID: "doc", Content: imageTag(testPNG), LastSaved: 1}})

	stores.documents.LoadAll()

	body, _ := stores.documents.LoadBody("doc")
	ids := ReferencedImageIDs(body)
	if len(ids) != 1 || ids[0] != "img-old" {
		t.Fatalf("expected the known id to be reused, got %v", ids)
	}
}
