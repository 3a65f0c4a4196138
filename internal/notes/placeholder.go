package notes

import (
	"regexp"
	"strings"
)

// PlaceholderPrefix precedes an image id wherever a body references an image.
const PlaceholderPrefix = "notes:image:"

var (
	imageIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	placeholderPattern = regexp.MustCompile(regexp.QuoteMeta(PlaceholderPrefix) + `([A-Za-z0-9_-]+)`)
	// inlineImagePattern captures the data URL of an <img> whose src is inline.
	inlineImagePattern = regexp.MustCompile(`(?i)<img\b[^>]*?\bsrc\s*=\s*["'](data:[^"']+)["']`)
)

// Placeholder returns the textual stand-in for id.
func Placeholder(id ImageID) string {
	return PlaceholderPrefix + id.String()
}

// ReferencedImageIDs returns the distinct image ids referenced by body, in
// order of first appearance.
func ReferencedImageIDs(body string) []ImageID {
	matches := placeholderPattern.FindAllStringSubmatch(body, -1)
	seen := make(map[ImageID]struct{}, len(matches))
	ids := make([]ImageID, 0, len(matches))
	for _, match := range matches {
		id := ImageID(match[1])
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// InlineDataURLs returns the distinct data URLs used as <img> sources in
// body, in order of first appearance.
func InlineDataURLs(body string) []string {
	matches := inlineImagePattern.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	urls := make([]string, 0, len(matches))
	for _, match := range matches {
		dataURL := match[1]
		if _, ok := seen[dataURL]; ok {
			continue
		}
		seen[dataURL] = struct{}{}
		urls = append(urls, dataURL)
	}
	return urls
}

// replaceInlineImages swaps the data URL of every inline <img> source in body
// for a placeholder. Only the captured src values are rewritten, so a data URL
// that prefixes another one never touches the longer URL. assign maps a data
// URL to the id it is stored under and runs once per distinct URL.
func replaceInlineImages(body string, assign func(dataURL string) (ImageID, error)) (string, bool, error) {
	matches := inlineImagePattern.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return body, false, nil
	}
	assigned := make(map[string]ImageID, len(matches))
	var rewritten strings.Builder
	rewritten.Grow(len(body))
	last := 0
	for _, match := range matches {
		start, end := match[2], match[3]
		dataURL := body[start:end]
		id, ok := assigned[dataURL]
		if !ok {
			var err error
			id, err = assign(dataURL)
			if err != nil {
				return body, false, err
			}
			assigned[dataURL] = id
		}
		rewritten.WriteString(body[last:start])
		rewritten.WriteString(Placeholder(id))
		last = end
	}
	rewritten.WriteString(body[last:])
	return rewritten.String(), true, nil
}

// expandPlaceholders swaps every placeholder with a known id for its data URL.
func expandPlaceholders(body string, lookup func(id ImageID) (string, bool)) string {
	return placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
		id := ImageID(strings.TrimPrefix(match, PlaceholderPrefix))
		if dataURL, ok := lookup(id); ok {
			return dataURL
		}
		return match
	})
}
