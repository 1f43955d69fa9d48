package style

import (
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/net/html"
)

type property uint8

const (
	propFontSize property = iota
	propFontFamily
	propFontWeight
	propFontStyle
	propTextAlign
	propLineHeight
	propMarginTop
	propMarginRight
	propMarginBottom
	propMarginLeft
	numProps
)

var propertyNames = map[string]property{
	"font-size":     propFontSize,
	"font-family":   propFontFamily,
	"font-weight":   propFontWeight,
	"font-style":    propFontStyle,
	"text-align":    propTextAlign,
	"line-height":   propLineHeight,
	"margin-top":    propMarginTop,
	"margin-right":  propMarginRight,
	"margin-bottom": propMarginBottom,
	"margin-left":   propMarginLeft,
}

// defaultSheet holds the built-in element styles, applied before any linked
// stylesheet.
var defaultSheet = ParseStylesheet(`
h1 { font-size: 2em; font-weight: bold; margin: 0.67em 0 }
h2 { font-size: 1.5em; font-weight: bold; margin: 0.83em 0 }
h3 { font-size: 1.17em; font-weight: bold; margin: 1em 0 }
h4 { font-weight: bold; margin: 1.33em 0 }
h5 { font-size: 0.83em; font-weight: bold; margin: 1.67em 0 }
h6 { font-size: 0.67em; font-weight: bold; margin: 2.33em 0 }
p, pre, dl, figure { margin: 1em 0 }
blockquote { margin: 1em 2.5em }
dd { margin-left: 2.5em }
li { margin-left: 1.5em }
b, strong, th, dt { font-weight: bold }
i, em, cite, var, dfn, address { font-style: italic }
pre, code, tt, kbd, samp { font-family: monospace }
small, sub, sup { font-size: smaller }
big { font-size: larger }
center, caption, figcaption { text-align: center }
`)

// Resolver computes element styles from built-in defaults, linked
// stylesheets and inline style attributes.
//
// Among linked rules there is no specificity: every matching rule is applied
// in document order and the last declaration of a property wins. Inline
// declarations override all linked ones.
type Resolver struct {
	sheets  []*Stylesheet
	ignored int
}

// NewResolver returns a resolver with only the built-in defaults.
func NewResolver() *Resolver {
	return &Resolver{}
}

// AddStylesheet appends a sheet; later sheets take precedence.
func (r *Resolver) AddStylesheet(s *Stylesheet) {
	if s != nil {
		r.sheets = append(r.sheets, s)
	}
}

// Sheets returns the number of linked sheets.
func (r *Resolver) Sheets() int {
	return len(r.sheets)
}

// Ignored returns how many declarations named an unsupported property or
// carried an unusable value. It is for diagnostics only.
func (r *Resolver) Ignored() int {
	return r.ignored
}

// Fingerprint identifies the linked sheets in order.
func (r *Resolver) Fingerprint() [16]byte {
	h := blake3.New()
	for _, s := range r.sheets {
		fp := s.Fingerprint()
		h.Write(fp[:])
	}
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Resolve computes the style of el given its parent's resolved style. el may
// be a detached node whose Parent chain mirrors the open elements; only
// ancestors are consulted, so sibling combinators never match.
func (r *Resolver) Resolve(el *html.Node, parent Style) Style {
	var winners [numProps]string

	collect := func(decls []Declaration, count bool) {
		for _, d := range decls {
			if d.Property == "margin" {
				box, ok := expandBox(d.Value)
				if !ok {
					r.countIgnored(count)
					continue
				}
				for i, v := range box {
					winners[propMarginTop+property(i)] = v
				}
				continue
			}
			p, ok := propertyNames[d.Property]
			if !ok {
				r.countIgnored(count)
				continue
			}
			winners[p] = d.Value
		}
	}

	for i := range defaultSheet.Rules {
		if defaultSheet.Rules[i].Match(el) {
			collect(defaultSheet.Rules[i].Decls, false)
		}
	}
	for _, sheet := range r.sheets {
		for i := range sheet.Rules {
			if sheet.Rules[i].Match(el) {
				collect(sheet.Rules[i].Decls, true)
			}
		}
	}
	if inline := attr(el, "style"); inline != "" {
		collect(ParseDeclarations(inline), true)
	}

	return r.compute(winners, parent)
}

// compute turns the winning declarations into a Style. font-size is computed
// first since em margins refer to it.
func (r *Resolver) compute(w [numProps]string, parent Style) Style {
	s := parent.Inherit()
	ok := true
	set := func(valid bool) {
		if !valid {
			r.ignored++
		}
	}

	if v := w[propFontSize]; v != "" {
		if !isKeyword(v, "inherit") {
			var size float64
			size, ok = fontSize(v, parent.FontSize)
			if ok {
				s.FontSize = size
			}
			set(ok)
		}
	}
	if v := w[propFontFamily]; v != "" && !isKeyword(v, "inherit") {
		s.FontFamily, ok = fontFamily(v)
		set(ok)
	}
	if v := w[propFontWeight]; v != "" && !isKeyword(v, "inherit") {
		s.Bold, ok = fontWeight(v, parent.Bold)
		set(ok)
	}
	if v := w[propFontStyle]; v != "" && !isKeyword(v, "inherit") {
		var italic bool
		if italic, ok = fontStyle(v); ok {
			s.Italic = italic
		}
		set(ok)
	}
	if v := w[propTextAlign]; v != "" && !isKeyword(v, "inherit") {
		var a Align
		if a, ok = textAlign(v); ok {
			s.Align = a
		}
		set(ok)
	}
	if v := w[propLineHeight]; v != "" && !isKeyword(v, "inherit") {
		var lh float64
		if lh, ok = lineHeight(v, s.FontSize); ok {
			s.LineHeight = lh
		}
		set(ok)
	}

	margins := [4]*float64{&s.MarginTop, &s.MarginRight, &s.MarginBottom, &s.MarginLeft}
	inherited := [4]float64{parent.MarginTop, parent.MarginRight, parent.MarginBottom, parent.MarginLeft}
	for i, dst := range margins {
		v := w[propMarginTop+property(i)]
		if v == "" {
			continue
		}
		if isKeyword(v, "inherit") {
			*dst = inherited[i]
			continue
		}
		var m float64
		if m, ok = margin(v, s.FontSize); ok {
			*dst = m
		}
		set(ok)
	}
	return s
}

func (r *Resolver) countIgnored(count bool) {
	if count {
		r.ignored++
	}
}

func isKeyword(v, kw string) bool {
	return strings.EqualFold(strings.TrimSpace(v), kw)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
