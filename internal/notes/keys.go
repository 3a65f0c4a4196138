package notes

// DefaultNamespace prefixes every key written by the editor.
const DefaultNamespace = "notes:"

// KeySpace derives the persisted key names from a namespace prefix.
type KeySpace struct {
	namespace string
}

// NewKeySpace returns the key space for namespace; empty selects DefaultNamespace.
func NewKeySpace(namespace string) KeySpace {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return KeySpace{namespace: namespace}
}

// Namespace returns the key prefix.
func (k KeySpace) Namespace() string {
	return k.namespace
}

// Documents holds the JSON metadata map.
func (k KeySpace) Documents() string {
	return k.namespace + "documents"
}

// Current holds the id of the last opened document.
func (k KeySpace) Current() string {
	return k.namespace + "current"
}

// AggregateImages holds the legacy JSON map of every image.
func (k KeySpace) AggregateImages() string {
	return k.namespace + "images"
}

// ImagePrefix prefixes every per-image key.
func (k KeySpace) ImagePrefix() string {
	return k.namespace + "image:"
}

// Image holds one image data URL.
func (k KeySpace) Image(id ImageID) string {
	return k.ImagePrefix() + id.String()
}

// Body holds one document body.
func (k KeySpace) Body(id DocumentID) string {
	return k.namespace + "body:" + id.String()
}

// Background holds the UI background preference.
func (k KeySpace) Background() string {
	return k.namespace + "background"
}

// BackgroundDisabled holds the UI background toggle.
func (k KeySpace) BackgroundDisabled() string {
	return k.namespace + "background:disabled"
}

// Version holds the decimal schema version.
func (k KeySpace) Version() string {
	return k.namespace + "storage:version"
}
