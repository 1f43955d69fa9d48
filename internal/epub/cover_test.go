package epub

import "testing"

func manifestPackage(items ...ManifestItem) *Package {
	pkg := &Package{Manifest: make(map[string]ManifestItem)}
	for _, it := range items {
		pkg.Manifest[it.ID] = it
		pkg.ManifestOrder = append(pkg.ManifestOrder, it.ID)
	}
	return pkg
}

func TestDetectCover(t *testing.T) {
	chapter := ManifestItem{ID: "ch1", Href: "OEBPS/text/ch1.xhtml", MediaType: "application/xhtml+xml"}

	tests := []struct {
		name       string
		pkg        func() *Package
		wantID     string
		wantMethod string
	}{
		{
			name: "properties",
			pkg: func() *Package {
				return manifestPackage(chapter,
					ManifestItem{ID: "img", Href: "OEBPS/images/c.jpg", MediaType: "image/jpeg", Properties: []string{"cover-image"}})
			},
			wantID:     "img",
			wantMethod: "properties",
		},
		{
			name: "meta",
			pkg: func() *Package {
				p := manifestPackage(chapter, ManifestItem{ID: "c", Href: "OEBPS/images/front.png", MediaType: "image/png"})
				p.Metadata.CoverID = "c"
				return p
			},
			wantID:     "c",
			wantMethod: "meta",
		},
		{
			name: "properties over meta",
			pkg: func() *Package {
				p := manifestPackage(
					ManifestItem{ID: "meta-img", Href: "OEBPS/a.jpg", MediaType: "image/jpeg"},
					ManifestItem{ID: "prop-img", Href: "OEBPS/b.jpg", MediaType: "image/jpeg", Properties: []string{"cover-image"}})
				p.Metadata.CoverID = "meta-img"
				return p
			},
			wantID:     "prop-img",
			wantMethod: "properties",
		},
		{
			name: "guide with fragment",
			pkg: func() *Package {
				p := manifestPackage(chapter, ManifestItem{ID: "g", Href: "OEBPS/images/front.jpg", MediaType: "image/jpeg"})
				p.Guide = []GuideReference{{Type: "cover", Href: "OEBPS/images/front.jpg#x"}}
				return p
			},
			wantID:     "g",
			wantMethod: "guide",
		},
		{
			name: "guide to page falls through to filename",
			pkg: func() *Package {
				p := manifestPackage(chapter, ManifestItem{ID: "f", Href: "OEBPS/images/Cover.jpg", MediaType: "image/jpeg"})
				p.Guide = []GuideReference{{Type: "cover", Href: "OEBPS/text/ch1.xhtml"}}
				return p
			},
			wantID:     "f",
			wantMethod: "filename",
		},
		{
			name: "svg excluded",
			pkg: func() *Package {
				return manifestPackage(chapter, ManifestItem{ID: "s", Href: "OEBPS/cover.svg", MediaType: "image/svg+xml"})
			},
		},
		{
			name: "no cover",
			pkg:  func() *Package { return manifestPackage(chapter) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := tt.pkg().DetectCover()
			if tt.wantID == "" {
				if info != nil {
					t.Fatalf("DetectCover() = %+v, want nil", info)
				}
				return
			}
			if info == nil {
				t.Fatal("DetectCover() returned nil")
			}
			if info.ManifestID != tt.wantID {
				t.Errorf("ManifestID = %q, want %q", info.ManifestID, tt.wantID)
			}
			if info.DetectionMethod != tt.wantMethod {
				t.Errorf("DetectionMethod = %q, want %q", info.DetectionMethod, tt.wantMethod)
			}
		})
	}
}

func TestSpineHelpers(t *testing.T) {
	pkg := manifestPackage(
		ManifestItem{ID: "nav", Href: "OEBPS/nav.xhtml", MediaType: "application/xhtml+xml", Properties: []string{"nav"}},
	)
	pkg.Spine = []SpineEntry{
		{ID: "a", Path: "OEBPS/a.xhtml"},
		{ID: "b", Path: "OEBPS/b.xhtml"},
		{ID: "c", Path: "OEBPS/c.xhtml"},
		{ID: "d", Path: "OEBPS/d.xhtml"},
	}

	if got := pkg.SpineIndex("OEBPS/c.xhtml#p3"); got != 2 {
		t.Errorf("SpineIndex = %d, want 2", got)
	}
	if got := pkg.SpineIndex("OEBPS/z.xhtml"); got != -1 {
		t.Errorf("SpineIndex(missing) = %d, want -1", got)
	}

	progress := []struct {
		chapter int
		frac    float64
		want    int
	}{
		{0, 0, 0},
		{1, 0, 25},
		{1, 0.5, 37},
		{3, 1, 100},
		{9, 0, 100},
	}
	for _, tt := range progress {
		if got := pkg.Progress(tt.chapter, tt.frac); got != tt.want {
			t.Errorf("Progress(%d, %v) = %d, want %d", tt.chapter, tt.frac, got, tt.want)
		}
	}

	if p, ok := pkg.FindNAVPath(); !ok || p != "OEBPS/nav.xhtml" {
		t.Errorf("FindNAVPath() = %q, %v", p, ok)
	}
}
