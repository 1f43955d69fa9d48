package epub

// Package is the parsed package document: metadata, manifest and reading order.
type Package struct {
	Path          string                  // Archive path of the package document
	Version       string                  // package@version
	Metadata      Metadata                // Dublin Core metadata
	Manifest      map[string]ManifestItem // id -> item
	ManifestOrder []string                // Manifest ids in document order
	Spine         []SpineEntry            // Resolved reading order
	Guide         []GuideReference        // EPUB 2 guide references
	NCXPath       string                  // Resolved path of the spine@toc NCX, if any
	Warnings      []string                // Recoverable problems found while parsing
}

// Metadata represents the metadata section of the package document.
type Metadata struct {
	Identifier  string
	Title       string
	Creators    []Creator
	Language    string
	Publisher   string
	Date        string
	Description string
	Subjects    []string
	Rights      string
	CoverID     string // EPUB 2.0 cover image manifest item ID (from meta name="cover")
}

// Creator represents a creator (author, editor, etc.) of the book
type Creator struct {
	Name string
	Role string // e.g., "aut" for author, "edt" for editor
	Lang string // xml:lang attribute
}

// ManifestItem represents an item in the manifest
type ManifestItem struct {
	ID         string
	Href       string // Archive path, resolved against the package directory
	MediaType  string
	Properties []string
}

// HasProperty reports whether the item lists prop in its properties attribute.
func (m ManifestItem) HasProperty(prop string) bool {
	for _, p := range m.Properties {
		if p == prop {
			return true
		}
	}
	return false
}

// SpineEntry is one chapter in reading order.
type SpineEntry struct {
	ID        string // Manifest id
	Path      string // Archive path of the content document
	MediaType string
	Linear    bool
}

// GuideReference represents a reference in the EPUB 2 guide.
type GuideReference struct {
	Type  string
	Title string
	Href  string // Resolved path, fragment preserved
}
