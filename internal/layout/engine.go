// Package layout paginates token streams with greedy first-fit line breaking.
//
// A page is a pure function of the stream and its start offset: the state at
// the first line (governing block, inline style) is rebuilt from the stream,
// so laying out from any recorded page start reproduces the page a full pass
// would have produced.
package layout

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"

	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/errs"
	"github.com/yuanying/epubpager/internal/style"
)

// ErrStop may be returned by a Paginate callback to end the pass early
// without error.
var ErrStop = errors.New("stop pagination")

// Engine lays out pages for one set of settings and metrics. It holds no
// per-stream state and is safe for concurrent use if its Metrics are.
type Engine struct {
	settings Settings
	metrics  Metrics
	fp       [32]byte
}

// NewEngine validates settings and returns an engine.
func NewEngine(s Settings, m Metrics) (*Engine, error) {
	if m == nil {
		return nil, errs.E(errs.KindLayout, "layout.NewEngine", ErrMetricsUnavailable)
	}
	if err := s.Validate(); err != nil {
		return nil, errs.E(errs.KindLayout, "layout.NewEngine", err)
	}
	return &Engine{settings: s, metrics: m, fp: s.Fingerprint(m.ID())}, nil
}

// Settings returns the engine's settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Metrics returns the engine's measurement source.
func (e *Engine) Metrics() Metrics {
	return e.metrics
}

// Fingerprint identifies the layout produced by this engine.
func (e *Engine) Fingerprint() [32]byte {
	return e.fp
}

// LayoutPage lays out the page beginning at start.
func (e *Engine) LayoutPage(s *content.Stream, start content.Offset) (*Page, error) {
	b := &builder{
		e:      e,
		s:      s,
		page:   &Page{Start: s.Clamp(start)},
		width:  e.settings.ContentWidth(),
		height: e.settings.ContentHeight(),
		base:   float64(e.settings.FontSize),
		faces:  make(map[style.ID]faceInfo),
	}
	if err := b.run(); err != nil {
		return nil, errs.E(errs.KindLayout, "layout.LayoutPage", err)
	}
	return b.page, nil
}

// Paginate lays out the whole stream, calling fn for each page in order.
func (e *Engine) Paginate(s *content.Stream, fn func(*Page) error) error {
	var start content.Offset
	for i := 0; ; i++ {
		p, err := e.LayoutPage(s, start)
		if err != nil {
			return err
		}
		p.Index = i
		if err := fn(p); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
		if p.End >= s.End() {
			return nil
		}
		if p.End <= start {
			return errs.E(errs.KindLayout, "layout.Paginate", fmt.Errorf("no progress at %v", start))
		}
		start = p.End
	}
}

type faceInfo struct {
	face       Face
	lineHeight int
}

// piece is a measured slice of one text token.
type piece struct {
	token      int
	start, end int
	text       string
	id         style.ID
	width      int
}

type lineState struct {
	runs    []Run
	x       int
	visible int
	height  int
	start   content.Offset
	started bool
}

type builder struct {
	e      *Engine
	s      *content.Stream
	page   *Page
	width  int
	height int
	base   float64
	faces  map[style.ID]faceInfo

	y      int
	placed bool
	full   bool
	block  style.Style
	line   lineState

	unit     []piece
	unitOpen bool
}

func (b *builder) run() error {
	start := b.page.Start
	b.block = b.governingBlock(start.Token())

	for i := start.Token(); i < b.s.Len() && !b.full; i++ {
		tok := b.s.At(i)
		from := 0
		if i == start.Token() {
			from = start.Byte()
		}
		var err error
		switch {
		case tok.Kind == content.KindText:
			err = b.text(i, tok, from)
		case tok.Kind.IsBlock():
			err = b.blockBreak(i, tok)
		case tok.Kind == content.KindHardBreak:
			err = b.hardBreak(i)
		case tok.Kind == content.KindSoftBreak:
			err = b.placeUnit()
		case tok.Kind == content.KindImage:
			err = b.image(i, tok)
		}
		if err != nil {
			return err
		}
	}
	if b.full {
		return nil
	}
	if err := b.placeUnit(); err != nil || b.full {
		return err
	}
	if b.line.started {
		if err := b.commitLine(); err != nil || b.full {
			return err
		}
	}
	b.page.End = b.s.End()
	return nil
}

// governingBlock finds the style of the block containing token i.
func (b *builder) governingBlock(i int) style.Style {
	for i = min(i, b.s.Len()-1); i >= 0; i-- {
		if tok := b.s.At(i); tok.Kind.IsBlock() {
			return b.s.Style(tok)
		}
	}
	return style.Default()
}

// text splits a text token into line-break units. Segmentation always
// starts at the beginning of the token so a restart inside it sees the same
// boundaries. A token's last segment stays open when it does not end in
// whitespace, gluing it to the following text token.
func (b *builder) text(i int, tok content.Token, from int) error {
	fi, err := b.face(tok.Style)
	if err != nil {
		return err
	}
	rest := tok.Text
	state := -1
	pos := 0
	for len(rest) > 0 {
		var seg string
		seg, rest, _, state = uniseg.FirstLineSegmentInString(rest, state)
		segStart := pos
		pos += len(seg)
		if pos <= from {
			continue
		}
		if segStart < from {
			seg = seg[from-segStart:]
			segStart = from
		}
		w, err := b.e.metrics.Advance(seg, fi.face)
		if err != nil {
			return err
		}
		b.unit = append(b.unit, piece{token: i, start: segStart, end: pos, text: seg, id: tok.Style, width: w})
		if rest == "" && !endsWithSpace(seg) {
			b.unitOpen = true
			continue
		}
		if err := b.placeUnit(); err != nil || b.full {
			return err
		}
	}
	return nil
}

// placeUnit places the pending unit on the current line, starting a new line
// when it does not fit. Units wider than a whole line are split between
// grapheme clusters.
func (b *builder) placeUnit() error {
	if len(b.unit) == 0 {
		return nil
	}
	unit := b.unit
	b.unit, b.unitOpen = nil, false

	total := 0
	for _, p := range unit {
		total += p.width
	}
	trail, err := b.trailingWidth(unit[len(unit)-1])
	if err != nil {
		return err
	}
	visible := total - trail
	avail := b.available()

	if b.line.started && b.line.x+visible > avail {
		if err := b.commitLine(); err != nil || b.full {
			return err
		}
	}
	if visible > avail {
		return b.splitUnit(unit)
	}
	for _, p := range unit {
		b.addPiece(p)
	}
	b.line.visible = b.line.x - trail
	return nil
}

func (b *builder) splitUnit(unit []piece) error {
	for _, p := range unit {
		face := b.faces[p.id].face
		rest := p.text
		off := p.start
		state := -1
		for len(rest) > 0 {
			var cluster string
			cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
			w, err := b.e.metrics.Advance(cluster, face)
			if err != nil {
				return err
			}
			if b.line.started && b.line.x+w > b.available() && strings.TrimSpace(cluster) != "" {
				if err := b.commitLine(); err != nil || b.full {
					return err
				}
			}
			b.addPiece(piece{token: p.token, start: off, end: off + len(cluster), text: cluster, id: p.id, width: w})
			off += len(cluster)
		}
	}
	b.line.visible = b.line.x
	return nil
}

func (b *builder) addPiece(p piece) {
	if !b.line.started {
		b.line.started = true
		b.line.start = content.MakeOffset(p.token, p.start)
	}
	fi := b.faces[p.id]
	b.line.height = max(b.line.height, fi.lineHeight)
	if n := len(b.line.runs); n > 0 {
		if r := &b.line.runs[n-1]; r.token == p.token && r.end == p.start {
			r.Text += p.text
			r.Width += p.width
			r.end = p.end
			b.line.x += p.width
			return
		}
	}
	b.line.runs = append(b.line.runs, Run{
		X:     b.line.x,
		Width: p.width,
		Text:  p.text,
		Style: p.id,
		Face:  fi.face,
		token: p.token,
		end:   p.end,
	})
	b.line.x += p.width
}

// commitLine moves the current line onto the page, or ends the page at the
// line's start when it does not fit. A page always takes at least one line.
func (b *builder) commitLine() error {
	h := b.line.height
	if h == 0 {
		fi, err := b.faceFor(b.block)
		if err != nil {
			return err
		}
		h = fi.lineHeight
	}
	if b.placed && b.y+h > b.height {
		b.full = true
		b.page.End = b.line.start
		return nil
	}

	shift := b.indentLeft()
	switch b.block.Align {
	case style.AlignCenter:
		shift += (b.available() - b.line.visible) / 2
	case style.AlignRight:
		shift += b.available() - b.line.visible
	}
	shift = max(shift, 0)
	for i := range b.line.runs {
		b.line.runs[i].X += shift
	}
	b.page.Lines = append(b.page.Lines, Line{
		Y:      b.y,
		Height: h,
		Start:  b.line.start,
		Runs:   b.line.runs,
	})
	b.y += h
	b.placed = true
	b.line = lineState{}
	return nil
}

func (b *builder) blockBreak(i int, tok content.Token) error {
	if err := b.placeUnit(); err != nil || b.full {
		return err
	}
	if b.line.started {
		if err := b.commitLine(); err != nil || b.full {
			return err
		}
	}
	space := 0
	if b.placed {
		space = round(float64(tok.Space) * b.base * b.e.settings.ParagraphSpacing)
	}
	if b.placed && b.y+space > b.height {
		b.full = true
		b.page.End = content.MakeOffset(i, 0)
		return nil
	}
	b.y += space
	b.block = b.s.Style(tok)
	return nil
}

func (b *builder) hardBreak(i int) error {
	if err := b.placeUnit(); err != nil || b.full {
		return err
	}
	if !b.line.started {
		b.line.started = true
		b.line.start = content.MakeOffset(i, 0)
	}
	return b.commitLine()
}

func (b *builder) image(i int, tok content.Token) error {
	if err := b.placeUnit(); err != nil || b.full {
		return err
	}
	if b.line.started {
		if err := b.commitLine(); err != nil || b.full {
			return err
		}
	}
	avail := b.available()
	w, h := float64(tok.Width), float64(tok.Height)
	if w <= 0 || h <= 0 {
		w, h = float64(avail)/2, float64(avail)/2
	}
	scale := math.Min(1, math.Min(float64(avail)/w, float64(b.height)/h))
	iw, ih := max(int(w*scale), 1), max(int(h*scale), 1)

	if b.placed && b.y+ih > b.height {
		b.full = true
		b.page.End = content.MakeOffset(i, 0)
		return nil
	}
	b.page.Images = append(b.page.Images, Image{
		Path:   tok.Text,
		X:      b.indentLeft() + (avail-iw)/2,
		Y:      b.y,
		Width:  iw,
		Height: ih,
		Start:  content.MakeOffset(i, 0),
	})
	b.y += ih
	b.placed = true
	return nil
}

func (b *builder) indentLeft() int {
	return round(b.block.MarginLeft * b.base)
}

// available returns the line width inside the block's indentation. Deep
// indentation never narrows a line below a quarter of the content width.
func (b *builder) available() int {
	w := b.width - b.indentLeft() - round(b.block.MarginRight*b.base)
	return max(w, b.width/4, 1)
}

func (b *builder) trailingWidth(p piece) (int, error) {
	trimmed := strings.TrimRightFunc(p.text, unicode.IsSpace)
	if len(trimmed) == len(p.text) {
		return 0, nil
	}
	w, err := b.e.metrics.Advance(trimmed, b.faces[p.id].face)
	if err != nil {
		return 0, err
	}
	return p.width - w, nil
}

func (b *builder) face(id style.ID) (faceInfo, error) {
	if fi, ok := b.faces[id]; ok {
		return fi, nil
	}
	fi, err := b.faceFor(b.s.Styles.Get(id))
	if err != nil {
		return faceInfo{}, err
	}
	b.faces[id] = fi
	return fi, nil
}

func (b *builder) faceFor(st style.Style) (faceInfo, error) {
	f := Face{
		Size:   max(round(st.FontSize*b.base), 1),
		Family: st.FontFamily,
		Bold:   st.Bold,
		Italic: st.Italic,
	}
	if f.Family == "" {
		f.Family = b.e.settings.FontFamily
	}
	lh, err := b.e.metrics.LineHeight(f)
	if err != nil {
		return faceInfo{}, err
	}
	if lh <= 0 {
		return faceInfo{}, ErrMetricsUnavailable
	}
	if st.LineHeight > 0 {
		lh = round(st.LineHeight * float64(f.Size))
	}
	lh = max(round(float64(lh)*b.e.settings.LineSpacing), 1)
	return faceInfo{face: f, lineHeight: lh}, nil
}

func endsWithSpace(s string) bool {
	return strings.TrimRightFunc(s, unicode.IsSpace) != s
}

func round(f float64) int {
	return int(math.Round(f))
}
