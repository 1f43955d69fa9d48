package content

import "golang.org/x/net/html/atom"

// action is what the tokenizer does with an element.
type action uint8

const (
	actInline    action = iota // Styled, no token of its own
	actBlock                   // ParagraphBreak
	actHeading                 // Heading(level)
	actList                    // Block that raises the list depth (ul, ol, dl)
	actListItem                // ListItem(depth)
	actEmphasis                // EmphasisOn ... EmphasisOff
	actStrong                  // StrongOn ... StrongOff
	actHardBreak               // HardBreak, void
	actSoftBreak               // SoftBreak, void
	actRule                    // ParagraphBreak, void
	actImage                   // Image, void
	actPre                     // Block with preserved whitespace
	actTable                   // Block; rows become paragraphs
	actRow                     // Block within a table
	actCell                    // Inline, separated from the previous cell by a space
	actDrop                    // Element and its content are omitted
	actSVG                     // Omitted except for <image> children
	actStyle                   // Text content is a stylesheet
	actLink                    // <link rel=stylesheet>
)

// policy maps element names to actions. Elements not listed are inline.
//
//	element                                       action
//	p div blockquote section article aside nav    ParagraphBreak
//	header footer main figure figcaption address
//	center caption dt dd body hgroup details
//	summary fieldset legend form
//	h1 ... h6                                     Heading(n)
//	ul ol dl menu                                 list container
//	li                                            ListItem(depth)
//	em i cite var dfn                             EmphasisOn/Off
//	strong b                                      StrongOn/Off
//	br                                            HardBreak
//	wbr                                           SoftBreak
//	hr                                            ParagraphBreak
//	img                                           Image
//	pre                                           preserved whitespace
//	table / tr / td th                            row paragraphs, spaced cells
//	script style(body) head template video audio  dropped
//	object iframe canvas noscript
//	svg                                           dropped, <image> kept
//	math                                          inline, text extracted
//	annotation annotation-xml                     dropped
var policy = map[atom.Atom]action{
	atom.P:          actBlock,
	atom.Div:        actBlock,
	atom.Blockquote: actBlock,
	atom.Section:    actBlock,
	atom.Article:    actBlock,
	atom.Aside:      actBlock,
	atom.Nav:        actBlock,
	atom.Header:     actBlock,
	atom.Footer:     actBlock,
	atom.Main:       actBlock,
	atom.Figure:     actBlock,
	atom.Figcaption: actBlock,
	atom.Address:    actBlock,
	atom.Center:     actBlock,
	atom.Caption:    actBlock,
	atom.Dt:         actBlock,
	atom.Dd:         actBlock,
	atom.Body:       actBlock,
	atom.Hgroup:     actBlock,
	atom.Details:    actBlock,
	atom.Summary:    actBlock,
	atom.Fieldset:   actBlock,
	atom.Legend:     actBlock,
	atom.Form:       actBlock,

	atom.H1: actHeading,
	atom.H2: actHeading,
	atom.H3: actHeading,
	atom.H4: actHeading,
	atom.H5: actHeading,
	atom.H6: actHeading,

	atom.Ul:   actList,
	atom.Ol:   actList,
	atom.Dl:   actList,
	atom.Menu: actList,
	atom.Li:   actListItem,

	atom.Em:   actEmphasis,
	atom.I:    actEmphasis,
	atom.Cite: actEmphasis,
	atom.Var:  actEmphasis,
	atom.Dfn:  actEmphasis,

	atom.Strong: actStrong,
	atom.B:      actStrong,

	atom.Br:  actHardBreak,
	atom.Wbr: actSoftBreak,
	atom.Hr:  actRule,
	atom.Img: actImage,
	atom.Pre: actPre,

	atom.Table: actTable,
	atom.Tr:    actRow,
	atom.Td:    actCell,
	atom.Th:    actCell,

	atom.Script:   actDrop,
	atom.Head:     actDrop,
	atom.Template: actDrop,
	atom.Video:    actDrop,
	atom.Audio:    actDrop,
	atom.Object:   actDrop,
	atom.Iframe:   actDrop,
	atom.Canvas:   actDrop,
	atom.Noscript: actDrop,
	atom.Title:    actDrop,

	atom.Svg:   actSVG,
	atom.Style: actStyle,
	atom.Link:  actLink,
}

// voidElements never have content or an end tag.
var voidElements = map[atom.Atom]bool{
	atom.Area:   true,
	atom.Base:   true,
	atom.Br:     true,
	atom.Col:    true,
	atom.Embed:  true,
	atom.Hr:     true,
	atom.Img:    true,
	atom.Input:  true,
	atom.Link:   true,
	atom.Meta:   true,
	atom.Source: true,
	atom.Track:  true,
	atom.Wbr:    true,
}

// rawTextElements are switched into raw-text mode by the HTML tokenizer.
var rawTextElements = map[atom.Atom]bool{
	atom.Iframe:    true,
	atom.Noembed:   true,
	atom.Noframes:  true,
	atom.Noscript:  true,
	atom.Plaintext: true,
	atom.Script:    true,
	atom.Style:     true,
	atom.Textarea:  true,
	atom.Title:     true,
	atom.Xmp:       true,
}

// namedPolicy covers elements without an atom.
var namedPolicy = map[string]action{
	"annotation":     actDrop,
	"annotation-xml": actDrop,
}

func lookup(a atom.Atom, name string) action {
	if act, ok := policy[a]; ok {
		return act
	}
	return namedPolicy[name]
}

// isBlock reports whether act starts a block and so closes an open <p>.
func isBlock(act action) bool {
	switch act {
	case actBlock, actHeading, actList, actListItem, actRule, actPre, actTable, actRow:
		return true
	}
	return false
}
