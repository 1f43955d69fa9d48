package layout

import (
	"strings"

	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/style"
)

// Page is one screen of laid-out content. Coordinates are relative to the
// top-left of the content area.
type Page struct {
	Chapter int
	Index   int
	Start   content.Offset
	End     content.Offset // Start of the next page
	Lines   []Line
	Images  []Image
}

// Line is a row of positioned text runs.
type Line struct {
	Y      int
	Height int
	Start  content.Offset
	Runs   []Run
}

// Run is text drawn in a single face.
type Run struct {
	X     int
	Width int
	Text  string
	Style style.ID
	Face  Face

	token int
	end   int
}

// Image is a picture scaled to fit the content area.
type Image struct {
	Path   string
	X, Y   int
	Width  int
	Height int
	Start  content.Offset
}

// Empty reports whether the page shows nothing.
func (p *Page) Empty() bool {
	return len(p.Lines) == 0 && len(p.Images) == 0
}

// Text returns the page's text, one line per row without trailing spaces.
func (p *Page) Text() string {
	var sb strings.Builder
	for i, l := range p.Lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		var line strings.Builder
		for _, r := range l.Runs {
			line.WriteString(r.Text)
		}
		sb.WriteString(strings.TrimRight(line.String(), " "))
	}
	return sb.String()
}

// Bottom returns the y coordinate below the last placed element.
func (p *Page) Bottom() int {
	b := 0
	if n := len(p.Lines); n > 0 {
		b = p.Lines[n-1].Y + p.Lines[n-1].Height
	}
	for _, im := range p.Images {
		b = max(b, im.Y+im.Height)
	}
	return b
}
