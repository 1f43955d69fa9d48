package epub

// SpineIndex returns the position in the spine of the content document at
// path (fragment ignored), or -1.
func (pkg *Package) SpineIndex(href string) int {
	p, _ := splitFragment(href)
	for i, e := range pkg.Spine {
		if e.Path == p {
			return i
		}
	}
	return -1
}

// Progress returns how far into the book chapter is, in percent of spine
// entries before it. The last chapter reports 100 once pageFrac reaches 1.
func (pkg *Package) Progress(chapter int, pageFrac float64) int {
	n := len(pkg.Spine)
	if n == 0 || chapter < 0 {
		return 0
	}
	if chapter >= n {
		return 100
	}
	pageFrac = min(max(pageFrac, 0), 1)
	return int((float64(chapter) + pageFrac) * 100 / float64(n))
}

// FindNAVPath returns the manifest path of the EPUB 3 navigation document.
func (pkg *Package) FindNAVPath() (string, bool) {
	for _, id := range pkg.ManifestOrder {
		if item := pkg.Manifest[id]; item.HasProperty("nav") {
			return item.Href, true
		}
	}
	return "", false
}
