package style

import (
	"strconv"
	"strings"
)

// length is a parsed CSS length or number.
type length struct {
	value float64
	unit  string // "", "em", "rem", "%", "px", "pt", "ex", "ch"
}

// fontSizeKeywords maps absolute size keywords to base ems.
var fontSizeKeywords = map[string]float64{
	"xx-small": 0.6,
	"x-small":  0.75,
	"small":    0.89,
	"medium":   1,
	"large":    1.2,
	"x-large":  1.5,
	"xx-large": 2,
}

// relativeStep is the factor used for the smaller and larger keywords.
const relativeStep = 1.2

// parseLength parses values such as "1.5em", "120%", "12pt", "0" or "1.4".
func parseLength(v string) (length, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return length{}, false
	}
	end := 0
	for end < len(v) && (v[end] >= '0' && v[end] <= '9' || v[end] == '.' || v[end] == '-' || v[end] == '+') {
		end++
	}
	if end == 0 {
		return length{}, false
	}
	f, err := strconv.ParseFloat(v[:end], 64)
	if err != nil {
		return length{}, false
	}
	unit := strings.TrimSpace(v[end:])
	switch unit {
	case "", "em", "rem", "%", "px", "pt", "ex", "ch":
		return length{value: f, unit: unit}, true
	}
	return length{}, false
}

// toBase converts l to base ems. em-relative units scale by rel, the font
// size the em refers to. Percentages are reported as unsupported.
func (l length) toBase(rel float64) (float64, bool) {
	switch l.unit {
	case "em":
		return l.value * rel, true
	case "ex", "ch":
		return l.value * rel / 2, true
	case "rem":
		return l.value, true
	case "px":
		return l.value / 16, true
	case "pt":
		return l.value / 12, true
	case "":
		// Unitless zero is the only valid bare length.
		return 0, l.value == 0
	}
	return 0, false
}

// fontSize computes a font-size value against the parent's size.
func fontSize(v string, parent float64) (float64, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if f, ok := fontSizeKeywords[v]; ok {
		return f, true
	}
	switch v {
	case "smaller":
		return parent / relativeStep, true
	case "larger":
		return parent * relativeStep, true
	}
	l, ok := parseLength(v)
	if !ok || l.value <= 0 {
		return 0, false
	}
	if l.unit == "%" {
		return parent * l.value / 100, true
	}
	return l.toBase(parent)
}

// lineHeight computes a line-height value as a multiple of size.
func lineHeight(v string, size float64) (float64, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "normal" {
		return 0, true
	}
	l, ok := parseLength(v)
	if !ok || l.value < 0 {
		return 0, false
	}
	switch l.unit {
	case "":
		return l.value, true
	case "%":
		return l.value / 100, true
	}
	base, ok := l.toBase(size)
	if !ok || size <= 0 {
		return 0, false
	}
	return base / size, true
}

// margin computes one margin value in base ems. Negative values clamp to
// zero; percentages and auto resolve to zero.
func margin(v string, size float64) (float64, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "auto" {
		return 0, true
	}
	l, ok := parseLength(v)
	if !ok {
		return 0, false
	}
	if l.unit == "%" {
		return 0, true
	}
	m, ok := l.toBase(size)
	if !ok {
		return 0, false
	}
	return max(m, 0), true
}

// expandBox expands a 1-4 value shorthand into top, right, bottom, left.
func expandBox(v string) ([4]string, bool) {
	f := strings.Fields(v)
	switch len(f) {
	case 1:
		return [4]string{f[0], f[0], f[0], f[0]}, true
	case 2:
		return [4]string{f[0], f[1], f[0], f[1]}, true
	case 3:
		return [4]string{f[0], f[1], f[2], f[1]}, true
	case 4:
		return [4]string{f[0], f[1], f[2], f[3]}, true
	}
	return [4]string{}, false
}

// fontWeight reports whether v denotes a bold weight.
func fontWeight(v string, parent bool) (bool, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "bold", "bolder":
		return true, true
	case "normal", "lighter":
		return false, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return parent, false
	}
	return n >= 600, true
}

func fontStyle(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "italic", "oblique":
		return true, true
	case "normal":
		return false, true
	}
	return false, false
}

func textAlign(v string) (Align, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "left", "start":
		return AlignLeft, true
	case "right", "end":
		return AlignRight, true
	case "center", "-webkit-center":
		return AlignCenter, true
	case "justify":
		return AlignJustify, true
	}
	return AlignLeft, false
}

// fontFamily returns the first family in a font-family list, unquoted.
func fontFamily(v string) (string, bool) {
	first, _, _ := strings.Cut(v, ",")
	first = strings.Trim(strings.TrimSpace(first), `"'`)
	if first == "" {
		return "", false
	}
	return strings.ToLower(first), true
}
