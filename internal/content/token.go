// Package content turns chapter markup into a flat, styled token stream.
//
// The stream is built in a single forward pass over tokenizer events; no
// document tree is ever materialized. Block structure survives only as break
// tokens carrying the block's resolved style, which is all the layout engine
// needs to restart at any token.
package content

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/yuanying/epubpager/internal/style"
)

// Kind identifies the variant of a Token.
type Kind uint8

const (
	KindText Kind = iota
	KindParagraphBreak
	KindHeading
	KindListItem
	KindEmphasisOn
	KindEmphasisOff
	KindStrongOn
	KindStrongOff
	KindImage
	KindSoftBreak
	KindHardBreak
)

var kindNames = [...]string{
	KindText:           "text",
	KindParagraphBreak: "paragraph",
	KindHeading:        "heading",
	KindListItem:       "list-item",
	KindEmphasisOn:     "em-on",
	KindEmphasisOff:    "em-off",
	KindStrongOn:       "strong-on",
	KindStrongOff:      "strong-off",
	KindImage:          "image",
	KindSoftBreak:      "soft-break",
	KindHardBreak:      "hard-break",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return int(k) < len(kindNames)
}

// IsBlock reports whether tokens of kind k start a new block.
func (k Kind) IsBlock() bool {
	return k == KindParagraphBreak || k == KindHeading || k == KindListItem
}

// Token is one element of a chapter stream.
//
// For block kinds Style is the block's style with margins replaced by the
// accumulated indentation of all enclosing blocks, and Space is the collapsed
// vertical gap before the block in base ems. For Text and Image tokens Style
// is the inline style in effect.
type Token struct {
	Kind  Kind
	Level uint8 // Heading level 1-6 or list nesting depth
	Style style.ID
	Space float32
	Text  string // Run text for KindText, archive path for KindImage

	// Intrinsic image size in CSS pixels; zero when unknown.
	Width  uint16
	Height uint16
}

// Offset addresses a position in a stream: the token index in the high 32
// bits and a byte offset into that token's text in the low 32 bits. Offsets
// compare as plain integers.
type Offset uint64

// MakeOffset builds an Offset.
func MakeOffset(token, byteOff int) Offset {
	return Offset(uint64(uint32(token))<<32 | uint64(uint32(byteOff)))
}

// Token returns the token index.
func (o Offset) Token() int {
	return int(o >> 32)
}

// Byte returns the byte offset within the token's text.
func (o Offset) Byte() int {
	return int(uint32(o))
}

func (o Offset) String() string {
	return fmt.Sprintf("%d:%d", o.Token(), o.Byte())
}

// Stream is the tokenized form of one chapter.
type Stream struct {
	Path     string
	Tokens   []Token
	Styles   *style.Table
	Warnings []string

	// Truncated is set when tokenization stopped early (read error, token
	// limit) and the stream holds only a prefix of the chapter.
	Truncated bool

	// Source identifies the chapter bytes and tokenizer limits the stream
	// was built from. Offsets into one stream mean nothing in another.
	Source [16]byte

	// Degraded is set when the stream was built with reduced limits after
	// the memory budget ran out.
	Degraded bool
}

// Persistent reports whether caches derived from the stream may outlive
// it: a truncated or degraded stream is replaced on the next full load.
func (s *Stream) Persistent() bool {
	return !s.Truncated && !s.Degraded
}

// Len returns the number of tokens.
func (s *Stream) Len() int {
	return len(s.Tokens)
}

// End returns the offset just past the last token.
func (s *Stream) End() Offset {
	return MakeOffset(len(s.Tokens), 0)
}

// At returns token i.
func (s *Stream) At(i int) Token {
	return s.Tokens[i]
}

// Style returns the resolved style of t.
func (s *Stream) Style(t Token) style.Style {
	return s.Styles.Get(t.Style)
}

// Clamp maps o onto a valid position of s: offsets past the end become End,
// byte offsets past a token's text move to the start of the next token.
func (s *Stream) Clamp(o Offset) Offset {
	i, b := o.Token(), o.Byte()
	if i >= len(s.Tokens) {
		return s.End()
	}
	t := s.Tokens[i]
	if b == 0 {
		return o
	}
	if t.Kind != KindText || b >= len(t.Text) {
		return MakeOffset(i+1, 0)
	}
	return o
}

var (
	tokenSize = int(unsafe.Sizeof(Token{}))
	styleSize = int(unsafe.Sizeof(style.Style{}))
)

// SizeBytes estimates the resident size of the stream for budget accounting.
func (s *Stream) SizeBytes() int {
	n := cap(s.Tokens) * tokenSize
	for i := range s.Tokens {
		n += len(s.Tokens[i].Text)
	}
	if s.Styles != nil {
		n += s.Styles.Len() * styleSize
	}
	for _, w := range s.Warnings {
		n += len(w)
	}
	return n
}

// Text renders the stream as plain text: blocks separated by blank lines,
// headings prefixed with '#', emphasis and strong marked with '_' and '*'.
func (s *Stream) Text() string {
	var sb strings.Builder
	for _, t := range s.Tokens {
		switch t.Kind {
		case KindText:
			sb.WriteString(t.Text)
		case KindParagraphBreak, KindListItem:
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
		case KindHeading:
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(strings.Repeat("#", int(t.Level)))
			sb.WriteByte(' ')
		case KindEmphasisOn, KindEmphasisOff:
			sb.WriteByte('_')
		case KindStrongOn, KindStrongOff:
			sb.WriteByte('*')
		case KindHardBreak:
			sb.WriteByte('\n')
		case KindImage:
			fmt.Fprintf(&sb, "[image %s]", t.Text)
		}
	}
	return sb.String()
}
