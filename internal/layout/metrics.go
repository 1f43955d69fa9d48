package layout

import (
	"errors"
	"fmt"
	"image"

	"github.com/mattn/go-runewidth"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrMetricsUnavailable is returned when no usable measurement is available
// for a face.
var ErrMetricsUnavailable = errors.New("font metrics unavailable")

// Face selects a font for measurement.
type Face struct {
	Size   int    // Pixel size
	Family string // "" selects the default family
	Bold   bool
	Italic bool
}

func (f Face) String() string {
	s := fmt.Sprintf("%s/%dpx", f.Family, f.Size)
	if f.Bold {
		s += "/bold"
	}
	if f.Italic {
		s += "/italic"
	}
	return s
}

// Metrics measures text. Implementations must be deterministic: the same
// text and face always measure the same.
type Metrics interface {
	// ID identifies the metrics source; it is part of the layout fingerprint.
	ID() string
	Advance(text string, f Face) (int, error)
	LineHeight(f Face) (int, error)
}

// Glyph is a rendered glyph mask.
type Glyph struct {
	Mask    image.Image
	Bounds  image.Rectangle // Destination bounds relative to the pen at the line top
	MaskPt  image.Point
	Advance int
}

// Rasterizer optionally renders glyphs for display.
type Rasterizer interface {
	Glyph(r rune, f Face) (Glyph, error)
}

// CellMetrics measures text on a fixed character grid: every column is
// CellWidth pixels wide at NominalSize and scales linearly with the face
// size. East Asian wide characters take two columns.
type CellMetrics struct {
	CellWidth   int
	CellHeight  int
	NominalSize int

	cond *runewidth.Condition
}

// NewCellMetrics returns cell metrics for the given grid.
func NewCellMetrics(cellWidth, cellHeight, nominalSize int) *CellMetrics {
	cond := runewidth.NewCondition()
	cond.EastAsianWidth = false
	return &CellMetrics{
		CellWidth:   cellWidth,
		CellHeight:  cellHeight,
		NominalSize: nominalSize,
		cond:        cond,
	}
}

// DefaultCellMetrics returns the 10x20 grid of the reference device font.
func DefaultCellMetrics() *CellMetrics {
	return NewCellMetrics(10, 20, 20)
}

func (m *CellMetrics) ID() string {
	return fmt.Sprintf("cell:%dx%d@%d", m.CellWidth, m.CellHeight, m.NominalSize)
}

func (m *CellMetrics) Advance(text string, f Face) (int, error) {
	if m.NominalSize <= 0 || f.Size <= 0 {
		return 0, ErrMetricsUnavailable
	}
	cols := m.cond.StringWidth(text)
	return (cols*m.CellWidth*f.Size + m.NominalSize/2) / m.NominalSize, nil
}

func (m *CellMetrics) LineHeight(f Face) (int, error) {
	if m.NominalSize <= 0 || f.Size <= 0 {
		return 0, ErrMetricsUnavailable
	}
	return max((m.CellHeight*f.Size+m.NominalSize/2)/m.NominalSize, 1), nil
}

// FaceMetrics measures with a single x/image font face regardless of the
// requested size; bitmap faces cannot scale.
type FaceMetrics struct {
	name string
	face font.Face
}

// NewFaceMetrics wraps face under name.
func NewFaceMetrics(name string, face font.Face) *FaceMetrics {
	return &FaceMetrics{name: name, face: face}
}

// DefaultFaceMetrics uses the built-in 7x13 bitmap face.
func DefaultFaceMetrics() *FaceMetrics {
	return NewFaceMetrics("basic7x13", basicfont.Face7x13)
}

func (m *FaceMetrics) ID() string {
	return "face:" + m.name
}

func (m *FaceMetrics) Advance(text string, _ Face) (int, error) {
	if m.face == nil {
		return 0, ErrMetricsUnavailable
	}
	return font.MeasureString(m.face, text).Ceil(), nil
}

func (m *FaceMetrics) LineHeight(_ Face) (int, error) {
	if m.face == nil {
		return 0, ErrMetricsUnavailable
	}
	h := m.face.Metrics().Height.Ceil()
	if h <= 0 {
		return 0, ErrMetricsUnavailable
	}
	return h, nil
}

// Glyph renders r with the face's ascent as the baseline.
func (m *FaceMetrics) Glyph(r rune, _ Face) (Glyph, error) {
	if m.face == nil {
		return Glyph{}, ErrMetricsUnavailable
	}
	dot := fixed.Point26_6{Y: m.face.Metrics().Ascent}
	dr, mask, maskp, adv, ok := m.face.Glyph(dot, r)
	if !ok {
		return Glyph{}, fmt.Errorf("no glyph for %q: %w", r, ErrMetricsUnavailable)
	}
	return Glyph{Mask: mask, Bounds: dr, MaskPt: maskp, Advance: adv.Ceil()}, nil
}
