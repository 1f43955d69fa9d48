// Package pagemap records where each page of a chapter starts for one layout
// fingerprint, and fills the record in lazily as pages are laid out.
package pagemap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/layout"
)

var (
	// ErrNotIncreasing is returned when a recorded offset does not follow the
	// previous page start.
	ErrNotIncreasing = errors.New("page offsets must be strictly increasing")

	// ErrGap is returned when recording a page whose predecessor is unknown.
	ErrGap = errors.New("page recorded out of order")

	// ErrPastEnd is returned when a page beyond the chapter's last page is
	// requested.
	ErrPastEnd = errors.New("page past end of chapter")

	// ErrFingerprint is returned when a map is used with an engine whose
	// layout differs from the one the map was built for.
	ErrFingerprint = errors.New("page map fingerprint mismatch")

	// ErrSource is returned when a map is used with a token stream other
	// than the one its offsets index.
	ErrSource = errors.New("page map built for another token stream")
)

// Map holds the start offset of every known page of one chapter. Page 0
// always starts at the beginning of the stream.
type Map struct {
	Chapter     int
	Fingerprint [32]byte // Layout the offsets were computed with
	Source      [16]byte // content.Stream.Source of the stream they index
	Offsets     []content.Offset
	Complete    bool // Offsets covers every page of the chapter
}

// New returns a map of the stream src that knows only page 0.
func New(chapter int, fp [32]byte, src [16]byte) *Map {
	return &Map{Chapter: chapter, Fingerprint: fp, Source: src, Offsets: []content.Offset{0}}
}

// For returns m when it was built for fp over the stream src, and a fresh
// map otherwise.
func For(m *Map, chapter int, fp [32]byte, src [16]byte) *Map {
	if m == nil || !m.Matches(chapter, fp, src) || len(m.Offsets) == 0 || m.Offsets[0] != 0 {
		return New(chapter, fp, src)
	}
	return m
}

// Matches reports whether m describes chapter laid out with fp over src.
func (m *Map) Matches(chapter int, fp [32]byte, src [16]byte) bool {
	return m.Chapter == chapter && m.Fingerprint == fp && m.Source == src
}

// SizeBytes estimates the memory held by the offsets.
func (m *Map) SizeBytes() int64 {
	return int64(cap(m.Offsets)) * 8
}

// Len returns the number of known pages.
func (m *Map) Len() int {
	return len(m.Offsets)
}

// Last returns the highest known page and its start offset.
func (m *Map) Last() (int, content.Offset) {
	n := len(m.Offsets) - 1
	return n, m.Offsets[n]
}

// Lookup returns the start offset of page.
func (m *Map) Lookup(page int) (content.Offset, bool) {
	if page < 0 || page >= len(m.Offsets) {
		return 0, false
	}
	return m.Offsets[page], true
}

// PageOf returns the known page containing off.
func (m *Map) PageOf(off content.Offset) int {
	i := sort.Search(len(m.Offsets), func(i int) bool { return m.Offsets[i] > off })
	return max(i-1, 0)
}

// Record sets the start offset of page. Recording a known page with the same
// offset is a no-op.
func (m *Map) Record(page int, off content.Offset) error {
	switch {
	case page < len(m.Offsets):
		if m.Offsets[page] != off {
			return fmt.Errorf("page %d at %v, already recorded at %v: %w", page, off, m.Offsets[page], ErrNotIncreasing)
		}
		return nil
	case page > len(m.Offsets):
		return fmt.Errorf("page %d with %d known: %w", page, len(m.Offsets), ErrGap)
	}
	if _, last := m.Last(); off <= last {
		return fmt.Errorf("page %d at %v after %v: %w", page, off, last, ErrNotIncreasing)
	}
	m.Offsets = append(m.Offsets, off)
	return nil
}

// Resolve lays out page, extending m from its last known page when needed.
// The returned page has its chapter and index set.
func Resolve(m *Map, e *layout.Engine, s *content.Stream, page int) (*layout.Page, error) {
	if m.Fingerprint != e.Fingerprint() {
		return nil, ErrFingerprint
	}
	if m.Source != s.Source {
		return nil, ErrSource
	}
	if page < 0 {
		return nil, fmt.Errorf("page %d: %w", page, ErrPastEnd)
	}
	if page >= m.Len() && m.Complete {
		return nil, fmt.Errorf("page %d of %d: %w", page, m.Len(), ErrPastEnd)
	}

	i := min(page, m.Len()-1)
	for {
		start, _ := m.Lookup(i)
		p, err := e.LayoutPage(s, start)
		if err != nil {
			return nil, err
		}
		p.Chapter, p.Index = m.Chapter, i
		if err := m.extend(i, p, s); err != nil {
			return nil, err
		}
		if i == page {
			return p, nil
		}
		if m.Complete && i == m.Len()-1 {
			return nil, fmt.Errorf("page %d of %d: %w", page, m.Len(), ErrPastEnd)
		}
		i++
	}
}

// Finish lays out the rest of the chapter so that every page is known, and
// returns the page count.
func Finish(m *Map, e *layout.Engine, s *content.Stream) (int, error) {
	for !m.Complete {
		last, _ := m.Last()
		if _, err := Resolve(m, e, s, last); err != nil {
			return 0, err
		}
	}
	return m.Len(), nil
}

// extend records what laying out page i revealed about page i+1.
func (m *Map) extend(i int, p *layout.Page, s *content.Stream) error {
	if i != m.Len()-1 || m.Complete {
		return nil
	}
	if p.End >= s.End() {
		m.Complete = true
		return nil
	}
	return m.Record(i+1, p.End)
}
