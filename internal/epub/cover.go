package epub

import (
	"path"
	"strings"
)

// CoverInfo is the manifest item chosen as the book's cover image.
type CoverInfo struct {
	ManifestID string
	Href       string
	MediaType  string
	// DetectionMethod names the rule that matched: "properties", "meta",
	// "guide" or "filename".
	DetectionMethod string
}

// coverRules are tried in order; the first manifest item a rule accepts is
// the cover.
var coverRules = []struct {
	method string
	find   func(pkg *Package) (ManifestItem, bool)
}{
	{"properties", func(pkg *Package) (ManifestItem, bool) {
		return pkg.firstItem(func(item ManifestItem) bool { return item.HasProperty("cover-image") })
	}},
	{"meta", func(pkg *Package) (ManifestItem, bool) {
		item, ok := pkg.Manifest[pkg.Metadata.CoverID]
		return item, ok && pkg.Metadata.CoverID != ""
	}},
	{"guide", func(pkg *Package) (ManifestItem, bool) {
		for _, ref := range pkg.Guide {
			if ref.Type != "cover" {
				continue
			}
			// A guide entry naming an XHTML cover page is not an image.
			href, _ := splitFragment(ref.Href)
			if item, ok := pkg.firstItem(func(item ManifestItem) bool {
				return item.Href == href && isRasterImage(item.MediaType)
			}); ok {
				return item, true
			}
		}
		return ManifestItem{}, false
	}},
	{"filename", func(pkg *Package) (ManifestItem, bool) {
		return pkg.firstItem(func(item ManifestItem) bool {
			return isRasterImage(item.MediaType) && strings.Contains(strings.ToLower(path.Base(item.Href)), "cover")
		})
	}},
}

// DetectCover returns the cover image, or nil when no rule finds one. EPUB 3
// cover-image properties win over the EPUB 2 cover meta, which wins over
// guide references and finally over image files named like a cover.
func (pkg *Package) DetectCover() *CoverInfo {
	for _, r := range coverRules {
		if item, ok := r.find(pkg); ok {
			return &CoverInfo{
				ManifestID:      item.ID,
				Href:            item.Href,
				MediaType:       item.MediaType,
				DetectionMethod: r.method,
			}
		}
	}
	return nil
}

// firstItem returns the first manifest item in document order that match
// accepts.
func (pkg *Package) firstItem(match func(ManifestItem) bool) (ManifestItem, bool) {
	for _, id := range pkg.ManifestOrder {
		if item := pkg.Manifest[id]; match(item) {
			return item, true
		}
	}
	return ManifestItem{}, false
}

// isRasterImage excludes SVG, which the display path cannot decode.
func isRasterImage(mediaType string) bool {
	return mediaType != "image/svg+xml" && strings.HasPrefix(mediaType, "image/")
}
