package epub

import (
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/errs"
)

const (
	// MaxManifestItems bounds the manifest index.
	MaxManifestItems = 2048

	// MaxSpineItems bounds the reading order.
	MaxSpineItems = 1024

	// maxFieldLen caps the text kept for a single metadata field.
	maxFieldLen = 4096
)

// dcFields lists the Dublin Core elements whose text is captured.
var dcFields = map[string]bool{
	"identifier":  true,
	"title":       true,
	"creator":     true,
	"language":    true,
	"publisher":   true,
	"date":        true,
	"description": true,
	"subject":     true,
	"rights":      true,
}

// opfParser holds the state of one pass over a package document.
type opfParser struct {
	pkg    *Package
	opfDir string

	section string // metadata, manifest, spine, guide or ""
	sawSpn  bool
	toc     string

	uniqueID    string
	identifiers []identifier
	creatorIDs  map[string]int
	roles       map[string]string

	field    string // dc element or "meta" whose text is being captured
	fieldID  string
	fieldAtt map[string]string
	text     strings.Builder

	itemrefs []itemref
	dropped  int
}

type identifier struct {
	id, value string
}

type itemref struct {
	idref  string
	linear bool
}

// ParseOPF parses a package document read from r. opfDir is the directory
// containing the document (e.g., "OEBPS") and is used to resolve hrefs.
//
// The document is processed as a token stream; no tree is built. Unknown
// manifest media types and unresolved spine references are skipped and
// reported in Package.Warnings. ErrMissingSpine is returned when no spine
// entry can be resolved.
func ParseOPF(r io.Reader, opfDir string) (*Package, error) {
	p := &opfParser{
		pkg: &Package{
			Manifest: make(map[string]ManifestItem),
		},
		opfDir:     opfDir,
		creatorIDs: make(map[string]int),
		roles:      make(map[string]string),
	}

	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = charset.NewReaderLabel

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever was read before the fault.
			p.warnf("package document truncated at offset %d: %v", dec.InputOffset(), err)
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			p.start(t)
		case xml.EndElement:
			p.end(t)
		case xml.CharData:
			if p.field != "" && p.text.Len() < maxFieldLen {
				p.text.Write(t)
			}
		}
	}

	p.finish()
	if !p.sawSpn {
		return nil, errs.E(errs.KindPackage, "epub.ParseOPF", ErrMissingSpine)
	}
	if len(p.pkg.Spine) == 0 {
		return nil, errs.E(errs.KindPackage, "epub.ParseOPF",
			fmt.Errorf("%w: none of %d itemrefs resolved", ErrMissingSpine, len(p.itemrefs)))
	}
	return p.pkg, nil
}

func (p *opfParser) start(t xml.StartElement) {
	name := t.Name.Local
	switch name {
	case "package":
		p.pkg.Version = attr(t, "version")
		p.uniqueID = attr(t, "unique-identifier")
		return
	case "metadata", "manifest", "guide":
		p.section = name
		return
	case "spine":
		p.section = name
		p.sawSpn = true
		p.toc = attr(t, "toc")
		return
	}

	switch p.section {
	case "metadata":
		if dcFields[name] || name == "meta" {
			p.field = name
			p.fieldID = attr(t, "id")
			p.fieldAtt = map[string]string{
				"name":     attr(t, "name"),
				"content":  attr(t, "content"),
				"property": attr(t, "property"),
				"refines":  attr(t, "refines"),
				"role":     attr(t, "role"),
				"lang":     attr(t, "lang"),
			}
			p.text.Reset()
		}
	case "manifest":
		if name == "item" {
			p.item(t)
		}
	case "spine":
		if name == "itemref" {
			if len(p.itemrefs) >= MaxSpineItems {
				p.dropped++
				return
			}
			p.itemrefs = append(p.itemrefs, itemref{
				idref:  attr(t, "idref"),
				linear: attr(t, "linear") != "no",
			})
		}
	case "guide":
		if name == "reference" {
			p.pkg.Guide = append(p.pkg.Guide, GuideReference{
				Type:  attr(t, "type"),
				Title: attr(t, "title"),
				Href:  joinPath(p.opfDir, attr(t, "href")),
			})
		}
	}
}

func (p *opfParser) end(t xml.EndElement) {
	name := t.Name.Local
	switch name {
	case "metadata", "manifest", "spine", "guide":
		p.section = ""
		return
	}
	if p.field == "" || name != p.field {
		return
	}
	value := strings.TrimSpace(p.text.String())
	p.field = ""

	md := &p.pkg.Metadata
	switch name {
	case "identifier":
		p.identifiers = append(p.identifiers, identifier{id: p.fieldID, value: value})
	case "title":
		setFirst(&md.Title, value)
	case "language":
		setFirst(&md.Language, value)
	case "publisher":
		setFirst(&md.Publisher, value)
	case "date":
		setFirst(&md.Date, value)
	case "description":
		setFirst(&md.Description, value)
	case "rights":
		setFirst(&md.Rights, value)
	case "subject":
		if value != "" {
			md.Subjects = append(md.Subjects, value)
		}
	case "creator":
		if value == "" {
			return
		}
		if p.fieldID != "" {
			p.creatorIDs["#"+p.fieldID] = len(md.Creators)
		}
		md.Creators = append(md.Creators, Creator{
			Name: value,
			Role: p.fieldAtt["role"],
			Lang: p.fieldAtt["lang"],
		})
	case "meta":
		a := p.fieldAtt
		if a["name"] == "cover" && a["content"] != "" && md.CoverID == "" {
			md.CoverID = a["content"]
		}
		// EPUB 3.0 uses element text, EPUB 2.0 the content attribute.
		if a["property"] == "role" && a["refines"] != "" {
			role := value
			if role == "" {
				role = a["content"]
			}
			p.roles[a["refines"]] = role
		}
	}
}

func (p *opfParser) item(t xml.StartElement) {
	id := attr(t, "id")
	href := attr(t, "href")
	mediaType := strings.ToLower(strings.TrimSpace(attr(t, "media-type")))
	if id == "" || href == "" {
		p.warnf("manifest item without id or href skipped")
		return
	}
	if len(p.pkg.ManifestOrder) >= MaxManifestItems {
		p.warnf("manifest item %q skipped: more than %d items", id, MaxManifestItems)
		return
	}
	if !knownMediaType(mediaType) {
		p.warnf("manifest item %q skipped: unknown media type %q", id, mediaType)
		return
	}
	resolved := archive.ResolvePath(p.opfDir, href)
	if resolved == "" {
		p.warnf("manifest item %q skipped: href %q leaves the container", id, href)
		return
	}
	if _, dup := p.pkg.Manifest[id]; dup {
		p.warnf("duplicate manifest id %q ignored", id)
		return
	}
	p.pkg.Manifest[id] = ManifestItem{
		ID:         id,
		Href:       resolved,
		MediaType:  mediaType,
		Properties: strings.Fields(attr(t, "properties")),
	}
	p.pkg.ManifestOrder = append(p.pkg.ManifestOrder, id)
}

// finish resolves cross references once the whole document has been read.
func (p *opfParser) finish() {
	md := &p.pkg.Metadata

	// Identifier: the one marked as unique-identifier, else the first.
	for _, id := range p.identifiers {
		if p.uniqueID != "" && id.id == p.uniqueID {
			md.Identifier = id.value
			break
		}
	}
	if md.Identifier == "" && len(p.identifiers) > 0 {
		md.Identifier = p.identifiers[0].value
	}

	for ref, role := range p.roles {
		if idx, ok := p.creatorIDs[ref]; ok {
			md.Creators[idx].Role = role
		}
	}

	if p.toc != "" {
		if item, ok := p.pkg.Manifest[p.toc]; ok {
			p.pkg.NCXPath = item.Href
		}
	}

	for _, ref := range p.itemrefs {
		item, ok := p.pkg.Manifest[ref.idref]
		if !ok {
			p.warnf("spine itemref %q not in manifest", ref.idref)
			continue
		}
		if !isContentDocument(item.MediaType) {
			p.warnf("spine itemref %q skipped: media type %q is not a content document", ref.idref, item.MediaType)
			continue
		}
		p.pkg.Spine = append(p.pkg.Spine, SpineEntry{
			ID:        item.ID,
			Path:      item.Href,
			MediaType: item.MediaType,
			Linear:    ref.linear,
		})
	}
	if p.dropped > 0 {
		p.warnf("%d spine itemrefs beyond %d ignored", p.dropped, MaxSpineItems)
	}
}

func (p *opfParser) warnf(format string, args ...any) {
	p.pkg.Warnings = append(p.pkg.Warnings, fmt.Sprintf(format, args...))
}

// attr returns the value of the attribute with the given local name.
func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func setFirst(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

// joinPath joins the package directory with a relative href, keeping any
// fragment.
func joinPath(base, rel string) string {
	if base == "" || rel == "" {
		return rel
	}
	return path.Join(base, rel)
}

// knownMediaType reports whether a manifest media type is one a reader can
// make use of or safely carry along.
func knownMediaType(mt string) bool {
	switch {
	case mt == "":
		return false
	case strings.HasPrefix(mt, "image/"),
		strings.HasPrefix(mt, "font/"),
		strings.HasPrefix(mt, "audio/"),
		strings.HasPrefix(mt, "video/"),
		strings.HasPrefix(mt, "text/"):
		return true
	}
	switch mt {
	case "application/xhtml+xml",
		"application/x-dtbncx+xml",
		"application/x-dtbook+xml",
		"application/smil+xml",
		"application/pls+xml",
		"application/javascript",
		"application/ecmascript",
		"application/vnd.ms-opentype",
		"application/font-woff",
		"application/font-sfnt",
		"application/x-font-ttf",
		"application/x-font-otf",
		"application/x-font-truetype",
		"application/x-font-opentype":
		return true
	}
	return false
}

// isContentDocument reports whether a media type can appear as a chapter.
func isContentDocument(mt string) bool {
	return mt == "application/xhtml+xml" || mt == "text/html" || mt == "application/x-dtbook+xml"
}
