package style

import (
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/zeebo/blake3"
	"golang.org/x/net/html"
)

const (
	// MaxRules bounds the rules kept from one stylesheet.
	MaxRules = 512

	// MaxSheetBytes bounds the stylesheet text that is scanned.
	MaxSheetBytes = 64 << 10
)

// declarationRe matches a CSS property-value pair.
var declarationRe = regexp.MustCompile(`(?is)^\s*([\w-]+)\s*:\s*(.*?)\s*;?\s*$`)

// importantRe matches a trailing !important flag, which is ignored.
var importantRe = regexp.MustCompile(`(?i)\s*!\s*important\s*$`)

// Declaration is one property: value pair.
type Declaration struct {
	Property string // Lower-cased property name
	Value    string
}

// Rule is a selector group with its declarations.
type Rule struct {
	Selector string
	Decls    []Declaration
	sel      cascadia.SelectorGroup
}

// Match reports whether the rule applies to n.
func (r *Rule) Match(n *html.Node) bool {
	return r.sel.Match(n)
}

// Stylesheet is a parsed list of rules in document order.
type Stylesheet struct {
	Rules     []Rule
	Skipped   int  // Rules dropped for bad selectors or the MaxRules bound
	Truncated bool // Input was longer than MaxSheetBytes

	fingerprint [16]byte
}

// Fingerprint identifies the source text of the sheet.
func (s *Stylesheet) Fingerprint() [16]byte {
	return s.fingerprint
}

// ParseStylesheet parses css into rules. At-rule blocks (@media, @font-face,
// ...) are skipped whole; rules whose selector cascadia cannot compile are
// counted in Skipped. Parsing never fails.
func ParseStylesheet(css string) *Stylesheet {
	sheet := &Stylesheet{}
	sum := blake3.Sum256([]byte(css))
	copy(sheet.fingerprint[:], sum[:16])

	if len(css) > MaxSheetBytes {
		css = css[:MaxSheetBytes]
		sheet.Truncated = true
	}

	i := 0
	for i < len(css) {
		i = skipSpaceAndComments(css, i)
		if i >= len(css) {
			break
		}
		switch css[i] {
		case '}', ';':
			i++
			continue
		case '@':
			i = skipAtRule(css, i)
			continue
		}

		open := findUnquoted(css, i, '{')
		if open < 0 {
			break
		}
		selector := strings.TrimSpace(stripComments(css[i:open]))
		end := findBlockEnd(css, open+1)
		block := css[open+1 : end]
		i = end + 1

		if selector == "" {
			continue
		}
		if len(sheet.Rules) >= MaxRules {
			sheet.Skipped++
			continue
		}
		sel, err := cascadia.ParseGroup(selector)
		if err != nil {
			sheet.Skipped++
			continue
		}
		decls := ParseDeclarations(block)
		if len(decls) == 0 {
			continue
		}
		sheet.Rules = append(sheet.Rules, Rule{Selector: selector, Decls: decls, sel: sel})
	}
	return sheet
}

// ParseDeclarations parses the body of a rule or an inline style attribute.
func ParseDeclarations(block string) []Declaration {
	block = stripComments(block)
	var decls []Declaration
	i := 0
	for i < len(block) {
		end := findDeclarationEnd(block, i)
		if m := declarationRe.FindStringSubmatch(block[i:end]); m != nil {
			value := importantRe.ReplaceAllString(m[2], "")
			if value != "" {
				decls = append(decls, Declaration{Property: strings.ToLower(m[1]), Value: value})
			}
		}
		i = end + 1
	}
	return decls
}

// findDeclarationEnd finds the end of a CSS declaration starting at pos.
// Returns the position after the declaration (before or at the semicolon).
// It correctly handles string literals inside values (e.g., content: "...").
func findDeclarationEnd(css string, pos int) int {
	for i := pos; i < len(css); i++ {
		switch css[i] {
		case ';', '{', '}':
			return i
		case '"', '\'':
			i = skipString(css, i)
		}
	}
	return len(css)
}

// skipString returns the index of the closing quote of the string starting at i.
func skipString(css string, i int) int {
	quote := css[i]
	for i++; i < len(css); i++ {
		if css[i] == '\\' {
			i++ // skip escaped char
		} else if css[i] == quote {
			return i
		}
	}
	return len(css)
}

func skipSpaceAndComments(css string, i int) int {
	for i < len(css) {
		switch {
		case css[i] == ' ' || css[i] == '\t' || css[i] == '\n' || css[i] == '\r' || css[i] == '\f':
			i++
		case strings.HasPrefix(css[i:], "/*"):
			end := strings.Index(css[i+2:], "*/")
			if end < 0 {
				return len(css)
			}
			i += end + 4
		case strings.HasPrefix(css[i:], "<!--"):
			i += 4
		case strings.HasPrefix(css[i:], "-->"):
			i += 3
		default:
			return i
		}
	}
	return i
}

func stripComments(s string) string {
	if !strings.Contains(s, "/*") {
		return s
	}
	var sb strings.Builder
	for {
		start := strings.Index(s, "/*")
		if start < 0 {
			sb.WriteString(s)
			break
		}
		sb.WriteString(s[:start])
		end := strings.Index(s[start+2:], "*/")
		if end < 0 {
			break
		}
		s = s[start+2+end+2:]
	}
	return sb.String()
}

// skipAtRule skips an at-rule statement or block starting at i.
func skipAtRule(css string, i int) int {
	for j := i; j < len(css); j++ {
		switch css[j] {
		case ';':
			return j + 1
		case '{':
			return findBlockEnd(css, j+1) + 1
		case '"', '\'':
			j = skipString(css, j)
		}
	}
	return len(css)
}

// findUnquoted returns the index of the first c at or after i outside strings.
func findUnquoted(css string, i int, c byte) int {
	for ; i < len(css); i++ {
		switch css[i] {
		case c:
			return i
		case '"', '\'':
			i = skipString(css, i)
		}
	}
	return -1
}

// findBlockEnd returns the index of the brace closing the block whose body
// starts at i, or len(css) when the block is unterminated.
func findBlockEnd(css string, i int) int {
	depth := 1
	for ; i < len(css); i++ {
		switch css[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		case '"', '\'':
			i = skipString(css, i)
		case '/':
			if i+1 < len(css) && css[i+1] == '*' {
				end := strings.Index(css[i+2:], "*/")
				if end < 0 {
					return len(css)
				}
				i += end + 3
			}
		}
	}
	return len(css)
}
