package layout

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/zeebo/blake3"
)

// ErrInvalidSettings is returned for settings that leave no room for text.
var ErrInvalidSettings = errors.New("invalid layout settings")

// Settings are the reader-controlled layout parameters. Every field affects
// pagination and is covered by Fingerprint.
type Settings struct {
	Width  int // Screen width in pixels
	Height int // Screen height in pixels

	MarginTop    int
	MarginRight  int
	MarginBottom int
	MarginLeft   int

	FontSize   int    // Base font size in pixels
	FontFamily string // Default family for unstyled text

	LineSpacing      float64 // Multiple of the face line height
	ParagraphSpacing float64 // Multiple applied to block spacing
}

// DefaultSettings returns settings for a 480x800 screen.
func DefaultSettings() Settings {
	return Settings{
		Width:            480,
		Height:           800,
		MarginTop:        20,
		MarginRight:      20,
		MarginBottom:     20,
		MarginLeft:       20,
		FontSize:         20,
		LineSpacing:      1,
		ParagraphSpacing: 1,
	}
}

// ContentWidth returns the width of the text area.
func (s Settings) ContentWidth() int {
	return s.Width - s.MarginLeft - s.MarginRight
}

// ContentHeight returns the height of the text area.
func (s Settings) ContentHeight() int {
	return s.Height - s.MarginTop - s.MarginBottom
}

// Validate reports settings that cannot be laid out.
func (s Settings) Validate() error {
	switch {
	case s.ContentWidth() <= 0, s.ContentHeight() <= 0:
		return errors.Join(ErrInvalidSettings, errors.New("margins leave no content area"))
	case s.FontSize <= 0:
		return errors.Join(ErrInvalidSettings, errors.New("font size must be positive"))
	case s.LineSpacing <= 0, s.ParagraphSpacing < 0:
		return errors.Join(ErrInvalidSettings, errors.New("spacing out of range"))
	}
	return nil
}

// Fingerprint digests every field together with the metrics identity.
// Page maps persisted under one fingerprint are never reused under another.
func (s Settings) Fingerprint(metricsID string) [32]byte {
	h := blake3.New()
	var buf [8]byte
	putInt := func(v int) {
		binary.BigEndian.PutUint64(buf[:], uint64(int64(v)))
		h.Write(buf[:])
	}
	putFloat := func(v float64) {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	putString := func(v string) {
		putInt(len(v))
		h.Write([]byte(v))
	}
	putInt(s.Width)
	putInt(s.Height)
	putInt(s.MarginTop)
	putInt(s.MarginRight)
	putInt(s.MarginBottom)
	putInt(s.MarginLeft)
	putInt(s.FontSize)
	putString(s.FontFamily)
	putFloat(s.LineSpacing)
	putFloat(s.ParagraphSpacing)
	putString(metricsID)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
