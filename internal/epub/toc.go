package epub

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/errs"
)

const (
	// MaxNavSize caps the navigation document, which is parsed into a tree.
	MaxNavSize = 256 << 10

	// MaxTOCEntries bounds the number of navigation points kept.
	MaxTOCEntries = 4096

	// maxTOCDepth bounds nesting; deeper points are attached to the deepest level.
	maxTOCDepth = 16
)

// TOC is the table of contents from an NCX or EPUB 3 navigation document.
type TOC struct {
	UID       string
	Depth     int
	DocTitle  string
	NavPoints []NavPoint
}

// NavPoint represents a single navigation point in the table of contents.
type NavPoint struct {
	ID          string
	PlayOrder   int
	Label       string
	ContentPath string // fragment-free, absolute path within EPUB
	Fragment    string // fragment identifier (without #)
	SpineIndex  int    // -1 when the target is not in the spine
	Children    []NavPoint
}

// Walk calls fn for every navigation point in document order.
func (t *TOC) Walk(fn func(depth int, np NavPoint)) {
	var walk func(depth int, points []NavPoint)
	walk = func(depth int, points []NavPoint) {
		for _, np := range points {
			fn(depth, np)
			walk(depth+1, np.Children)
		}
	}
	walk(0, t.NavPoints)
}

// Len returns the total number of navigation points.
func (t *TOC) Len() int {
	n := 0
	t.Walk(func(int, NavPoint) { n++ })
	return n
}

// LoadTOC reads the table of contents of pkg. The NCX named by the spine is
// preferred; the EPUB 3 navigation document is the fallback. ErrNoTOC is
// returned when neither is present.
func LoadTOC(arc *archive.Archive, pkg *Package) (*TOC, error) {
	if pkg.NCXPath != "" && arc.Has(pkg.NCXPath) {
		rc, err := arc.Stream(pkg.NCXPath)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		toc, err := ParseNCX(rc, archive.Dir(pkg.NCXPath))
		if err != nil {
			return nil, errs.E(errs.KindPackage, "epub.LoadTOC", err)
		}
		assignSpineIndices(toc.NavPoints, pkg)
		return toc, nil
	}

	navPath, ok := pkg.FindNAVPath()
	if !ok || !arc.Has(navPath) {
		return nil, errs.E(errs.KindPackage, "epub.LoadTOC", ErrNoTOC)
	}
	data, err := arc.ReadAll(navPath, MaxNavSize)
	if err != nil {
		return nil, err
	}
	toc, err := parseNAV(data, archive.Dir(navPath))
	if err != nil {
		return nil, errs.E(errs.KindPackage, "epub.LoadTOC", err)
	}
	assignSpineIndices(toc.NavPoints, pkg)
	return toc, nil
}

// ParseNCX parses an EPUB 2 NCX document from r as a token stream.
// ncxDir is the directory of the NCX, used to resolve content paths.
func ParseNCX(r io.Reader, ncxDir string) (*TOC, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = charset.NewReaderLabel

	toc := &TOC{}
	var (
		stack   []*NavPoint // open navPoints, bounded by maxTOCDepth
		extra   int         // navPoints nested past maxTOCDepth
		count   int
		inTitle bool
		inLabel bool
		text    strings.Builder
	)
	attach := func(np NavPoint) {
		if len(stack) == 0 {
			toc.NavPoints = append(toc.NavPoints, np)
			return
		}
		parent := stack[len(stack)-1]
		parent.Children = append(parent.Children, np)
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if count == 0 {
				return nil, fmt.Errorf("failed to parse NCX: %w", err)
			}
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "meta":
				switch attr(t, "name") {
				case "dtb:uid":
					toc.UID = attr(t, "content")
				case "dtb:depth":
					toc.Depth, _ = strconv.Atoi(attr(t, "content"))
				}
			case "docTitle":
				inTitle = true
				text.Reset()
			case "navPoint":
				if len(stack) >= maxTOCDepth || count >= MaxTOCEntries {
					extra++
					continue
				}
				count++
				playOrder, _ := strconv.Atoi(attr(t, "playOrder"))
				stack = append(stack, &NavPoint{ID: attr(t, "id"), PlayOrder: playOrder, SpineIndex: -1})
			case "navLabel":
				if len(stack) > 0 && extra == 0 {
					inLabel = true
					text.Reset()
				}
			case "content":
				if len(stack) > 0 && extra == 0 {
					np := stack[len(stack)-1]
					if np.ContentPath == "" {
						p, frag := splitFragment(attr(t, "src"))
						np.ContentPath = archive.ResolvePath(ncxDir, p)
						np.Fragment = frag
					}
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "docTitle":
				inTitle = false
				toc.DocTitle = strings.TrimSpace(text.String())
			case "navLabel":
				if inLabel {
					inLabel = false
					stack[len(stack)-1].Label = collapseSpace(text.String())
				}
			case "navPoint":
				if extra > 0 {
					extra--
					continue
				}
				if len(stack) == 0 {
					continue
				}
				np := *stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				attach(np)
			}
		case xml.CharData:
			if (inTitle || inLabel) && text.Len() < maxFieldLen {
				text.Write(t)
			}
		}
	}
	// Unclosed navPoints at EOF.
	for len(stack) > 0 {
		np := *stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		attach(np)
	}
	return toc, nil
}

// parseNAV parses an EPUB 3 navigation document. navDir is the directory of
// the document, used to resolve link targets.
func parseNAV(data []byte, navDir string) (*TOC, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse navigation document: %w", err)
	}

	var nav *goquery.Selection
	doc.Find("nav").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if hasEpubType(s, "toc") {
			nav = s
			return false
		}
		return true
	})
	if nav == nil {
		nav = doc.Find("nav").First()
	}
	if nav.Length() == 0 {
		return nil, errors.New("navigation document has no nav element")
	}

	toc := &TOC{DocTitle: strings.TrimSpace(doc.Find("title").First().Text())}
	order := 0
	var walk func(ol *goquery.Selection, depth int) []NavPoint
	walk = func(ol *goquery.Selection, depth int) []NavPoint {
		var points []NavPoint
		ol.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
			if order >= MaxTOCEntries {
				return
			}
			link := li.ChildrenFiltered("a").First()
			if link.Length() == 0 {
				link = li.ChildrenFiltered("span").Find("a").First()
			}

			order++
			np := NavPoint{
				ID:         "nav-" + strconv.Itoa(order),
				PlayOrder:  order,
				SpineIndex: -1,
			}
			if link.Length() > 0 {
				np.Label = collapseSpace(link.Text())
				if href, ok := link.Attr("href"); ok {
					p, frag := splitFragment(href)
					np.ContentPath = archive.ResolvePath(navDir, p)
					np.Fragment = frag
				}
			} else {
				np.Label = collapseSpace(li.Clone().ChildrenFiltered("ol").Remove().End().Text())
			}

			if sub := li.ChildrenFiltered("ol"); sub.Length() > 0 {
				children := walk(sub.First(), depth+1)
				if depth+1 >= maxTOCDepth {
					points = append(points, np)
					points = append(points, children...)
					return
				}
				np.Children = children
			}
			points = append(points, np)
		})
		return points
	}
	toc.NavPoints = walk(nav.ChildrenFiltered("ol").First(), 0)
	return toc, nil
}

func hasEpubType(s *goquery.Selection, typeName string) bool {
	v, _ := s.Attr("epub:type")
	for _, f := range strings.Fields(v) {
		if f == typeName {
			return true
		}
	}
	return false
}

func assignSpineIndices(points []NavPoint, pkg *Package) {
	for i := range points {
		points[i].SpineIndex = pkg.SpineIndex(points[i].ContentPath)
		assignSpineIndices(points[i].Children, pkg)
	}
}

// splitFragment splits a source path into the path and fragment identifier.
func splitFragment(src string) (path, fragment string) {
	if src == "" {
		return "", ""
	}
	parts := strings.SplitN(src, "#", 2)
	path = parts[0]
	if len(parts) == 2 {
		fragment = parts[1]
	}
	return path, fragment
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
