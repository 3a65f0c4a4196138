package notes

import "github.com/google/uuid"

const imageIDPrefix = "img-"

// IDProvider issues identifiers for new documents and images.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers,
// which combine a millisecond timestamp with a random suffix.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewDocumentIDFrom issues a fresh document identifier.
func NewDocumentIDFrom(provider IDProvider) (DocumentID, error) {
	raw, err := provider.NewID()
	if err != nil {
		return "", err
	}
	return NewDocumentID(raw)
}

func newImageIDFrom(provider IDProvider) (ImageID, error) {
	raw, err := provider.NewID()
	if err != nil {
		return "", err
	}
	return NewImageID(imageIDPrefix + raw)
}
