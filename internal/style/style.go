// Package style resolves the small set of presentation properties the layout
// engine understands: font size, family, weight and style, text alignment,
// line height and block margins.
//
// Lengths are kept relative to the base font size (1.0 == one em of the
// reader's chosen font size), so the same resolved styles serve every
// font-size setting.
package style

import "fmt"

// Align is the horizontal alignment of lines in a block.
type Align uint8

const (
	AlignLeft Align = iota
	AlignRight
	AlignCenter
	AlignJustify
)

func (a Align) String() string {
	switch a {
	case AlignLeft:
		return "left"
	case AlignRight:
		return "right"
	case AlignCenter:
		return "center"
	case AlignJustify:
		return "justify"
	}
	return fmt.Sprintf("align(%d)", a)
}

// Style is a fully resolved set of supported properties.
type Style struct {
	FontSize   float64 // Multiple of the base font size
	FontFamily string  // First family named, "" for the reader's default
	Bold       bool
	Italic     bool
	Align      Align
	LineHeight float64 // Multiple of FontSize; 0 means the reader's line spacing

	// Block margins in base ems. Not inherited.
	MarginTop    float64
	MarginRight  float64
	MarginBottom float64
	MarginLeft   float64
}

// Default returns the style of the root element.
func Default() Style {
	return Style{FontSize: 1}
}

// Inherit returns the part of s that a child element starts from: inherited
// properties are kept, margins are reset.
func (s Style) Inherit() Style {
	s.MarginTop, s.MarginRight, s.MarginBottom, s.MarginLeft = 0, 0, 0, 0
	return s
}

// ID is a compact reference into a chapter's style Table.
type ID uint8

// MaxStyles is the number of distinct styles a Table can hold.
const MaxStyles = 256

// Table interns resolved styles for one chapter. ID 0 is always Default()
// and doubles as the fallback once the table is full.
type Table struct {
	styles []Style
	index  map[Style]ID
}

// NewTable returns a table holding only the default style.
func NewTable() *Table {
	t := &Table{index: make(map[Style]ID)}
	t.Intern(Default())
	return t
}

// TableOf rebuilds a table from a persisted style list.
func TableOf(styles []Style) *Table {
	t := &Table{index: make(map[Style]ID, len(styles))}
	if len(styles) == 0 {
		styles = []Style{Default()}
	}
	if len(styles) > MaxStyles {
		styles = styles[:MaxStyles]
	}
	for i, s := range styles {
		t.styles = append(t.styles, s)
		if _, ok := t.index[s]; !ok {
			t.index[s] = ID(i)
		}
	}
	return t
}

// Intern returns the ID of s, adding it when new. A full table yields 0.
func (t *Table) Intern(s Style) ID {
	if id, ok := t.index[s]; ok {
		return id
	}
	if len(t.styles) >= MaxStyles {
		return 0
	}
	id := ID(len(t.styles))
	t.styles = append(t.styles, s)
	t.index[s] = id
	return id
}

// Get returns the style for id, or the default style for an unknown id.
func (t *Table) Get(id ID) Style {
	if int(id) < len(t.styles) {
		return t.styles[id]
	}
	return t.styles[0]
}

// Len returns the number of interned styles.
func (t *Table) Len() int {
	return len(t.styles)
}

// Styles returns the interned styles in ID order.
func (t *Table) Styles() []Style {
	return t.styles
}
