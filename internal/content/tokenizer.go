package content

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/errs"
	"github.com/yuanying/epubpager/internal/style"
)

const (
	// DefaultMaxDepth is the number of open elements tracked.
	DefaultMaxDepth = 32

	// DefaultMaxBuf bounds a single markup token.
	DefaultMaxBuf = 64 << 10

	// DefaultMaxTextRun bounds the text of a single Text token.
	DefaultMaxTextRun = 2 << 10

	maxRecoveries  = 16
	maxWarnings    = 32
	readBufferSize = 4096
)

// ErrStreamTooLarge is returned when a stream outgrows Options.MaxBytes.
var ErrStreamTooLarge = errors.New("token stream exceeds size limit")

// Options configures Tokenize.
type Options struct {
	// Path is the archive path of the chapter; relative references resolve
	// against its directory.
	Path string

	// Resolver computes element styles. A fresh resolver is used when nil.
	Resolver *style.Resolver

	// LoadStylesheet returns the parsed stylesheet at an archive path. Linked
	// stylesheets are ignored when nil.
	LoadStylesheet func(path string) (*style.Stylesheet, error)

	// ImageSize reports the intrinsic pixel size of an image when the markup
	// does not declare one.
	ImageSize func(path string) (width, height int, ok bool)

	MaxDepth   int // Default DefaultMaxDepth
	MaxBuf     int // Default DefaultMaxBuf
	MaxTextRun int // Default DefaultMaxTextRun
	MaxTokens  int // Zero means unlimited
	MaxBytes   int // Zero means unlimited; exceeded yields ErrStreamTooLarge
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxBuf <= 0 {
		o.MaxBuf = DefaultMaxBuf
	}
	if o.MaxTextRun <= 0 {
		o.MaxTextRun = DefaultMaxTextRun
	}
	if o.Resolver == nil {
		o.Resolver = style.NewResolver()
	}
	return o
}

// frame is one open element.
type frame struct {
	act    action
	node   html.Node
	style  style.Style
	inline style.ID
	block  style.Style // Style of the governing block, margins replaced by indentation

	indentL, indentR float64
	listDepth        int
	ordered          bool
	items            int
	cells            int
	pre              bool
	drop             bool
	sheet            bool
}

// pendingBlock is a block token that is emitted once content arrives, so
// empty and directly nested blocks collapse into a single break.
type pendingBlock struct {
	kind  Kind
	level uint8
	style style.Style
	space float64
}

type tokenizer struct {
	opts Options
	dir  string
	res  *style.Resolver
	tab  *style.Table
	out  *Stream

	root     frame
	stack    []frame
	overflow int
	drops    int

	run       []byte
	runStyle  style.ID
	lineStart bool
	lastSpace bool
	preFresh  bool
	pending   *pendingBlock
	sheet     strings.Builder

	size int
	done bool
	err  error
}

// Tokenize converts one chapter document into a token stream. Malformed
// markup never fails tokenization; recoveries are recorded in
// Stream.Warnings. The only error is ErrStreamTooLarge, wrapped as an
// OutOfBudget error.
func Tokenize(r io.Reader, opts Options) (*Stream, error) {
	opts = opts.withDefaults()
	t := newTokenizer(opts)

	src, err := decode(r)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return t.out, nil
	default:
		t.warnf("chapter read stopped: %v", err)
		t.out.Truncated = true
		return t.out, nil
	}
	br := bufio.NewReaderSize(src, readBufferSize)
	z := newHTMLTokenizer(br, opts.MaxBuf)

	recoveries := 0
	for !t.done {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			err := z.Err()
			if err == io.EOF {
				t.done = true
				break
			}
			if errors.Is(err, html.ErrBufferExceeded) && recoveries < maxRecoveries {
				recoveries++
				t.warnf("markup token larger than %d bytes skipped", opts.MaxBuf)
				rest := append([]byte(nil), z.Buffered()...)
				br = bufio.NewReaderSize(io.MultiReader(bytes.NewReader(rest), br), readBufferSize)
				if !skipToTag(br) {
					t.done = true
					break
				}
				z = newHTMLTokenizer(br, opts.MaxBuf)
				continue
			}
			t.warnf("chapter read stopped: %v", err)
			t.out.Truncated = true
			t.done = true
		case html.TextToken:
			t.text(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			selfClosing := tt == html.SelfClosingTagToken
			if selfClosing && rawTextElements[tok.DataAtom] {
				// <title/> would otherwise swallow the rest of the document.
				z.NextIsNotRawText()
			}
			t.start(tok, selfClosing)
		case html.EndTagToken:
			name, _ := z.TagName()
			t.end(string(name))
		}
	}
	t.finish()
	if t.err != nil {
		return nil, errs.E(errs.KindOutOfBudget, "content.Tokenize", t.err)
	}
	return t.out, nil
}

func newHTMLTokenizer(r io.Reader, maxBuf int) *html.Tokenizer {
	z := html.NewTokenizer(r)
	z.SetMaxBuf(maxBuf)
	return z
}

// skipToTag discards input up to the next '<'. It reports false at EOF.
func skipToTag(br *bufio.Reader) bool {
	for {
		_, err := br.ReadSlice('<')
		switch {
		case err == nil:
			return br.UnreadByte() == nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return false
		}
	}
}

func newTokenizer(opts Options) *tokenizer {
	tab := style.NewTable()
	t := &tokenizer{
		opts:      opts,
		dir:       archive.Dir(opts.Path),
		res:       opts.Resolver,
		tab:       tab,
		out:       &Stream{Path: opts.Path, Styles: tab},
		stack:     make([]frame, 0, opts.MaxDepth),
		lineStart: true,
	}
	t.root = frame{style: style.Default(), block: style.Default()}
	t.root.inline = t.tab.Intern(inlineStyle(t.root.style))
	return t
}

func (t *tokenizer) top() *frame {
	if len(t.stack) == 0 {
		return &t.root
	}
	return &t.stack[len(t.stack)-1]
}

func (t *tokenizer) warnf(format string, args ...any) {
	if len(t.out.Warnings) < maxWarnings {
		t.out.Warnings = append(t.out.Warnings, fmt.Sprintf(format, args...))
	}
}

// start handles a start or self-closing tag.
func (t *tokenizer) start(tok html.Token, selfClosing bool) {
	act := lookup(tok.DataAtom, tok.Data)
	void := voidElements[tok.DataAtom] || selfClosing

	if t.drops > 0 {
		t.startDropped(tok, act, void)
		return
	}

	switch act {
	case actHardBreak:
		t.flush()
		t.materialize()
		t.emit(Token{Kind: KindHardBreak, Style: t.top().inline})
		t.lineStart, t.lastSpace = true, true
		return
	case actSoftBreak:
		t.flush()
		t.materialize()
		t.emit(Token{Kind: KindSoftBreak, Style: t.top().inline})
		return
	case actImage:
		t.image(tok, "src")
		return
	case actLink:
		t.link(tok)
		return
	}

	if isBlock(act) {
		t.closeParagraph()
	}
	if act == actListItem {
		t.closeListItem()
	}
	if void && act != actRule {
		return
	}
	if len(t.stack) == cap(t.stack) {
		if act != actRule {
			if t.overflow == 0 {
				t.warnf("nesting deeper than %d elements flattened", t.opts.MaxDepth)
			}
			t.overflow++
		}
		return
	}

	f := t.push(tok, act)
	switch act {
	case actEmphasis:
		t.flush()
		t.materialize()
		t.emit(Token{Kind: KindEmphasisOn, Style: f.inline})
	case actStrong:
		t.flush()
		t.materialize()
		t.emit(Token{Kind: KindStrongOn, Style: f.inline})
	case actCell:
		if row := t.enclosing(actRow); row != nil {
			if row.cells > 0 {
				t.space()
			}
			row.cells++
		}
	case actDrop, actSVG:
		f.drop = true
		t.drops++
	case actStyle:
		f.drop = true
		t.drops++
		f.sheet = isCSS(attrOf(tok.Attr, "type"))
		t.sheet.Reset()
	}

	if isBlock(act) {
		t.startBlock(f)
	}
	if act == actRule {
		t.materialize()
	}
	if act == actListItem {
		t.bullet(f)
	}
	if void {
		t.pop()
	}
}

// startDropped tracks elements inside omitted content so their end tags
// match, and lets stylesheets and svg images through.
func (t *tokenizer) startDropped(tok html.Token, act action, void bool) {
	switch {
	case act == actLink:
		t.link(tok)
		return
	case tok.DataAtom == atom.Image && t.enclosing(actSVG) != nil:
		t.image(tok, "xlink:href", "href")
	}
	if void || len(t.stack) == cap(t.stack) {
		if !void {
			t.overflow++
		}
		return
	}
	f := t.push(tok, act)
	f.drop = true
	t.drops++
	if act == actStyle {
		f.sheet = isCSS(attrOf(tok.Attr, "type"))
		t.sheet.Reset()
	}
}

// push opens an element frame and resolves its style.
func (t *tokenizer) push(tok html.Token, act action) *frame {
	parent := t.top()
	n := len(t.stack)
	t.stack = t.stack[:n+1]
	f := &t.stack[n]
	*f = frame{
		act: act,
		node: html.Node{
			Type:     html.ElementNode,
			Data:     tok.Data,
			DataAtom: tok.DataAtom,
			Attr:     tok.Attr,
		},
		block:     parent.block,
		indentL:   parent.indentL,
		indentR:   parent.indentR,
		listDepth: parent.listDepth,
		pre:       parent.pre,
	}
	if n > 0 {
		f.node.Parent = &parent.node
	}

	if t.drops > 0 {
		f.style, f.inline = parent.style, parent.inline
		return f
	}
	f.style = t.res.Resolve(&f.node, parent.style)
	f.inline = t.tab.Intern(inlineStyle(f.style))

	if isBlock(act) {
		f.indentL += f.style.MarginLeft
		f.indentR += f.style.MarginRight
		b := f.style
		b.MarginTop, b.MarginBottom = 0, 0
		b.MarginLeft, b.MarginRight = f.indentL, f.indentR
		f.block = b
	}
	switch act {
	case actList:
		f.listDepth++
		f.ordered = tok.DataAtom == atom.Ol
	case actPre:
		f.pre = true
		t.preFresh = true
	}
	return f
}

// inlineStyle keeps the properties that affect text runs.
func inlineStyle(s style.Style) style.Style {
	return style.Style{
		FontSize:   s.FontSize,
		FontFamily: s.FontFamily,
		Bold:       s.Bold,
		Italic:     s.Italic,
		LineHeight: s.LineHeight,
	}
}

// end handles an end tag.
func (t *tokenizer) end(name string) {
	if t.overflow > 0 {
		t.overflow--
		return
	}
	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i].node.Data == name {
			for len(t.stack) > i {
				t.pop()
			}
			return
		}
	}
	// Unmatched end tags are ignored.
}

// pop closes the innermost frame.
func (t *tokenizer) pop() {
	f := t.top()
	switch {
	case f.act == actStyle:
		if f.sheet && t.sheet.Len() > 0 {
			t.res.AddStylesheet(style.ParseStylesheet(t.sheet.String()))
		}
		t.sheet.Reset()
	case f.drop:
	case f.act == actEmphasis:
		t.flush()
		t.emit(Token{Kind: KindEmphasisOff, Style: f.inline})
	case f.act == actStrong:
		t.flush()
		t.emit(Token{Kind: KindStrongOff, Style: f.inline})
	}
	if f.drop {
		t.drops--
	}
	blockEnd := isBlock(f.act) && !f.drop
	bottom := f.style.MarginBottom
	if f.act == actPre {
		t.preFresh = false
	}
	t.stack = t.stack[:len(t.stack)-1]
	if blockEnd {
		t.endBlock(bottom)
	}
}

// closeParagraph implicitly closes an open <p> before a block starts.
func (t *tokenizer) closeParagraph() {
	for i := len(t.stack) - 1; i >= 0; i-- {
		f := &t.stack[i]
		if !isBlock(f.act) {
			continue
		}
		if f.node.DataAtom == atom.P {
			for len(t.stack) > i {
				t.pop()
			}
		}
		return
	}
}

// closeListItem closes an open <li> of the same list.
func (t *tokenizer) closeListItem() {
	for i := len(t.stack) - 1; i >= 0; i-- {
		switch t.stack[i].act {
		case actList:
			return
		case actListItem:
			for len(t.stack) > i {
				t.pop()
			}
			return
		}
	}
}

func (t *tokenizer) enclosing(act action) *frame {
	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i].act == act {
			return &t.stack[i]
		}
	}
	return nil
}

func (t *tokenizer) startBlock(f *frame) {
	t.flush()
	t.trimTrailingSpace()

	p := &pendingBlock{kind: KindParagraphBreak, style: f.block, space: f.style.MarginTop}
	switch f.act {
	case actHeading:
		p.kind = KindHeading
		p.level = f.node.Data[1] - '0'
	case actListItem:
		p.kind = KindListItem
		p.level = uint8(min(max(f.listDepth, 1), 255))
	}
	if t.pending != nil {
		p.space = max(p.space, t.pending.space)
	}
	t.pending = p
	t.lineStart, t.lastSpace = true, true
}

func (t *tokenizer) endBlock(marginBottom float64) {
	t.flush()
	t.trimTrailingSpace()

	space := marginBottom
	if t.pending != nil {
		space = max(space, t.pending.space)
	}
	t.pending = &pendingBlock{kind: KindParagraphBreak, style: t.top().block, space: space}
	t.lineStart, t.lastSpace = true, true
}

// materialize emits the pending block token, if any.
func (t *tokenizer) materialize() {
	p := t.pending
	if p == nil {
		return
	}
	t.pending = nil
	t.emit(Token{
		Kind:  p.kind,
		Level: p.level,
		Style: t.tab.Intern(p.style),
		Space: float32(p.space),
	})
}

func (t *tokenizer) bullet(f *frame) {
	list := t.enclosing(actList)
	if list == nil || list.node.DataAtom == atom.Dl {
		return
	}
	list.items++
	marker := "• "
	if list.ordered {
		marker = strconv.Itoa(list.items) + ". "
	}
	t.appendText(marker, f.inline)
	t.lineStart, t.lastSpace = false, true
}

// text handles character data.
func (t *tokenizer) text(raw []byte) {
	f := t.top()
	if f.act == actStyle {
		if f.sheet && t.sheet.Len() < style.MaxSheetBytes {
			t.sheet.Write(raw)
		}
		return
	}
	if t.drops > 0 || len(raw) == 0 {
		return
	}
	s := string(raw)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	s = norm.NFC.String(s)

	if f.pre {
		t.preText(s, f.inline)
		return
	}

	var sb strings.Builder
	for _, r := range s {
		if isSpace(r) {
			if !t.lineStart && !t.lastSpace {
				sb.WriteByte(' ')
				t.lastSpace = true
			}
			continue
		}
		sb.WriteRune(r)
		t.lineStart, t.lastSpace = false, false
	}
	if sb.Len() > 0 {
		t.appendText(sb.String(), f.inline)
	}
}

func (t *tokenizer) preText(s string, id style.ID) {
	if t.preFresh {
		t.preFresh = false
		s = strings.TrimPrefix(strings.TrimPrefix(s, "\r"), "\n")
	}
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '\r':
		case '\n':
			if sb.Len() > 0 {
				t.appendText(sb.String(), id)
				sb.Reset()
			}
			t.flush()
			t.materialize()
			t.emit(Token{Kind: KindHardBreak, Style: id})
		case '\t':
			sb.WriteString("    ")
		default:
			sb.WriteRune(r)
		}
	}
	if sb.Len() > 0 {
		t.appendText(sb.String(), id)
	}
	t.lineStart, t.lastSpace = false, false
}

// space adds a collapsible space to the current run.
func (t *tokenizer) space() {
	if !t.lineStart && !t.lastSpace {
		t.appendText(" ", t.top().inline)
		t.lastSpace = true
	}
}

// appendText adds s to the pending text run, splitting it at whitespace so
// no run exceeds MaxTextRun bytes.
func (t *tokenizer) appendText(s string, id style.ID) {
	if len(t.run) > 0 && t.runStyle != id {
		t.flush()
	}
	if len(t.run) == 0 {
		t.materialize()
	}
	t.runStyle = id
	t.run = append(t.run, s...)

	limit := t.opts.MaxTextRun
	for len(t.run) > limit && !t.done {
		cut := bytes.LastIndexByte(t.run[:limit], ' ') + 1
		if cut == 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(t.run[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		t.emit(Token{Kind: KindText, Style: id, Text: string(t.run[:cut])})
		t.run = append(t.run[:0], t.run[cut:]...)
	}
}

// flush emits the pending text run.
func (t *tokenizer) flush() {
	if len(t.run) == 0 {
		return
	}
	t.emit(Token{Kind: KindText, Style: t.runStyle, Text: string(t.run)})
	t.run = t.run[:0]
}

// trimTrailingSpace drops a collapsible space ending the last text token
// before a block boundary.
func (t *tokenizer) trimTrailingSpace() {
	toks := t.out.Tokens
	for i := len(toks) - 1; i >= 0; i-- {
		switch toks[i].Kind {
		case KindEmphasisOff, KindStrongOff, KindEmphasisOn, KindStrongOn:
			continue
		case KindText:
			if t.top().pre || !strings.HasSuffix(toks[i].Text, " ") {
				return
			}
			toks[i].Text = strings.TrimSuffix(toks[i].Text, " ")
			if toks[i].Text == "" {
				t.out.Tokens = append(toks[:i], toks[i+1:]...)
			}
		}
		return
	}
}

func (t *tokenizer) emit(tok Token) {
	if t.err != nil {
		return
	}
	if t.opts.MaxTokens > 0 && len(t.out.Tokens) >= t.opts.MaxTokens {
		if !t.out.Truncated {
			t.warnf("token limit %d reached", t.opts.MaxTokens)
		}
		t.out.Truncated = true
		t.done = true
		return
	}
	t.size += tokenSize + len(tok.Text)
	if t.opts.MaxBytes > 0 && t.size > t.opts.MaxBytes {
		t.err = fmt.Errorf("%s: %w", t.opts.Path, ErrStreamTooLarge)
		t.done = true
		return
	}
	t.out.Tokens = append(t.out.Tokens, tok)
}

// image emits an Image token for the first non-empty reference attribute.
func (t *tokenizer) image(tok html.Token, keys ...string) {
	var ref string
	for _, k := range keys {
		if ref = attrOf(tok.Attr, k); ref != "" {
			break
		}
	}
	p := archive.ResolvePath(t.dir, ref)
	if p == "" {
		if ref != "" {
			t.warnf("image reference %q not usable", ref)
		}
		return
	}
	w, h := dimension(attrOf(tok.Attr, "width")), dimension(attrOf(tok.Attr, "height"))
	if (w == 0 || h == 0) && t.opts.ImageSize != nil {
		if iw, ih, ok := t.opts.ImageSize(p); ok && iw > 0 && ih > 0 {
			switch {
			case w == 0 && h == 0:
				w, h = iw, ih
			case w == 0:
				w = iw * h / ih
			default:
				h = ih * w / iw
			}
		}
	}
	t.flush()
	t.materialize()
	t.emit(Token{
		Kind:   KindImage,
		Style:  t.top().inline,
		Text:   p,
		Width:  uint16(min(w, 0xFFFF)),
		Height: uint16(min(h, 0xFFFF)),
	})
	t.lineStart, t.lastSpace = true, true
}

// link feeds a linked stylesheet to the resolver.
func (t *tokenizer) link(tok html.Token) {
	rel := strings.Fields(strings.ToLower(attrOf(tok.Attr, "rel")))
	isSheet := false
	for _, r := range rel {
		if r == "stylesheet" {
			isSheet = true
		}
	}
	if !isSheet || t.opts.LoadStylesheet == nil || !isCSS(attrOf(tok.Attr, "type")) {
		return
	}
	p := archive.ResolvePath(t.dir, attrOf(tok.Attr, "href"))
	if p == "" {
		return
	}
	sheet, err := t.opts.LoadStylesheet(p)
	if err != nil {
		t.warnf("stylesheet %s: %v", p, err)
		return
	}
	t.res.AddStylesheet(sheet)
}

// finish closes every open element at end of input.
func (t *tokenizer) finish() {
	if t.err != nil {
		return
	}
	t.done = false
	t.overflow = 0
	for len(t.stack) > 0 {
		t.pop()
	}
	t.flush()
	t.trimTrailingSpace()
	t.pending = nil
	t.done = true
}

func attrOf(attrs []html.Attribute, key string) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func isCSS(typ string) bool {
	typ = strings.ToLower(strings.TrimSpace(typ))
	return typ == "" || strings.HasPrefix(typ, "text/css")
}

// dimension parses an HTML width or height attribute in pixels.
func dimension(v string) int {
	v = strings.TrimSuffix(strings.TrimSpace(v), "px")
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}
