package notes

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	// UntitledTitle is displayed for documents without a title.
	UntitledTitle = "(untitled)"
	// DefaultFont is applied to newly created documents.
	DefaultFont = "Georgia, serif"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("notes: invalid document id")
	// ErrInvalidImageID indicates that an image identifier does not match the placeholder grammar.
	ErrInvalidImageID = errors.New("notes: invalid image id")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// ImageID identifies one stored image.
type ImageID string

// NewImageID validates raw input against the placeholder identifier grammar.
func NewImageID(rawInput string) (ImageID, error) {
	if !imageIDPattern.MatchString(rawInput) {
		return "", fmt.Errorf("%w: %q", ErrInvalidImageID, rawInput)
	}
	return ImageID(rawInput), nil
}

// String returns the underlying string identifier.
func (id ImageID) String() string {
	return string(id)
}

// Document is the persisted note. Content is empty when the body lives in
// its own slot.
type Document struct {
	ID        DocumentID `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	LastSaved int64      `json:"lastSaved"`
	Font      string     `json:"font"`
}

// NewDocument returns an empty document stamped with now.
func NewDocument(id DocumentID, now time.Time) Document {
	return Document{
		ID:        id,
		Title:     "",
		Content:   "",
		LastSaved: now.UnixMilli(),
		Font:      DefaultFont,
	}
}

// DisplayTitle returns the title shown in the sidebar.
func (d Document) DisplayTitle() string {
	if strings.TrimSpace(d.Title) == "" {
		return UntitledTitle
	}
	return d.Title
}

// Touched returns a copy of d whose LastSaved is strictly greater than before.
func (d Document) Touched(now time.Time) Document {
	d.LastSaved = nextSaved(d.LastSaved, now)
	return d
}

func nextSaved(previous int64, now time.Time) int64 {
	candidate := now.UnixMilli()
	if candidate <= previous {
		candidate = previous + 1
	}
	return candidate
}

// Documents is the in-memory collection keyed by document id.
type Documents map[DocumentID]Document

// Clone returns a shallow copy of the collection.
func (d Documents) Clone() Documents {
	copied := make(Documents, len(d))
	for id, document := range d {
		copied[id] = document
	}
	return copied
}

// Sorted returns the documents ordered by LastSaved, newest first.
func (d Documents) Sorted() []Document {
	ordered := make([]Document, 0, len(d))
	for _, document := range d {
		ordered = append(ordered, document)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].LastSaved == ordered[j].LastSaved {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].LastSaved > ordered[j].LastSaved
	})
	return ordered
}
