package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/style"
)

const (
	tokenMagic   = "EPTK"
	tokenVersion = 1

	// Sanity limits for persisted streams; larger headers are treated as
	// damage rather than allocated.
	maxStoredTokens = 1 << 22
	maxStoredText   = 64 << 20
	maxStoredNotes  = 64

	flagTruncated = 1 << 0
	flagBold      = 1 << 0
	flagItalic    = 1 << 1
)

// tokenHeader is the fixed header of a .tok file.
type tokenHeader struct {
	Magic       [4]byte
	Version     uint16
	Flags       uint16
	Source      [16]byte // Chapter bytes and stylesheet fingerprint
	StyleCount  uint16
	NoteCount   uint16
	TokenCount  uint32
	TextLength  uint32
	RecordCount uint32
}

type tokenRecord struct {
	Kind    uint8
	Level   uint8
	Style   uint8
	_       uint8
	Space   uint32 // float32 bits
	TextLen uint32
	Width   uint16
	Height  uint16
}

type styleRecord struct {
	FontSize     float64
	LineHeight   float64
	MarginTop    float64
	MarginRight  float64
	MarginBottom float64
	MarginLeft   float64
	Flags        uint8
	Align        uint8
	FamilyLen    uint8
}

// SaveTokens persists the token stream of chapter under the source
// fingerprint src.
func (s *Store) SaveTokens(chapter int, src [16]byte, st *content.Stream) error {
	return s.write("store.SaveTokens", chapterFile(chapter, "tok"), func(w io.Writer) error {
		return encodeTokens(w, src, st)
	})
}

// LoadTokens reads the token stream of chapter. It returns ErrStale unless
// the file was written for src by this version.
func (s *Store) LoadTokens(chapter int, src [16]byte) (*content.Stream, error) {
	var st *content.Stream
	err := s.read("store.LoadTokens", chapterFile(chapter, "tok"), func(r io.Reader) error {
		var err error
		st, err = decodeTokens(r, src)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func encodeTokens(w io.Writer, src [16]byte, st *content.Stream) error {
	var text bytes.Buffer
	for _, t := range st.Tokens {
		text.WriteString(t.Text)
	}
	records := splitRecords(text.Bytes())
	styles := []style.Style{style.Default()}
	if st.Styles != nil {
		styles = st.Styles.Styles()
	}
	notes := st.Warnings[:min(len(st.Warnings), maxStoredNotes)]

	h := tokenHeader{
		Version:     tokenVersion,
		Source:      src,
		StyleCount:  uint16(len(styles)),
		NoteCount:   uint16(len(notes)),
		TokenCount:  uint32(len(st.Tokens)),
		TextLength:  uint32(text.Len()),
		RecordCount: uint32(len(records)),
	}
	copy(h.Magic[:], tokenMagic)
	if st.Truncated {
		h.Flags |= flagTruncated
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, h); err != nil {
		return err
	}
	if err := writeString(bw, st.Path); err != nil {
		return err
	}
	for _, n := range notes {
		if err := writeString(bw, n); err != nil {
			return err
		}
	}
	for _, sty := range styles {
		family := sty.FontFamily[:min(len(sty.FontFamily), math.MaxUint8)]
		rec := styleRecord{
			FontSize:     sty.FontSize,
			LineHeight:   sty.LineHeight,
			MarginTop:    sty.MarginTop,
			MarginRight:  sty.MarginRight,
			MarginBottom: sty.MarginBottom,
			MarginLeft:   sty.MarginLeft,
			Align:        uint8(sty.Align),
			FamilyLen:    uint8(len(family)),
		}
		if sty.Bold {
			rec.Flags |= flagBold
		}
		if sty.Italic {
			rec.Flags |= flagItalic
		}
		if err := binary.Write(bw, binary.BigEndian, rec); err != nil {
			return err
		}
		if _, err := bw.WriteString(family); err != nil {
			return err
		}
	}
	for _, t := range st.Tokens {
		rec := tokenRecord{
			Kind:    uint8(t.Kind),
			Level:   t.Level,
			Style:   uint8(t.Style),
			Space:   math.Float32bits(t.Space),
			TextLen: uint32(len(t.Text)),
			Width:   t.Width,
			Height:  t.Height,
		}
		if err := binary.Write(bw, binary.BigEndian, rec); err != nil {
			return err
		}
	}
	for _, r := range records {
		if err := binary.Write(bw, binary.BigEndian, uint16(len(r))); err != nil {
			return err
		}
		if _, err := bw.Write(r); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func decodeTokens(r io.Reader, src [16]byte) (*content.Stream, error) {
	br := bufio.NewReader(r)
	var h tokenHeader
	if err := binary.Read(br, binary.BigEndian, &h); err != nil {
		return nil, err
	}
	switch {
	case string(h.Magic[:]) != tokenMagic:
		return nil, stale("bad magic %q", h.Magic[:])
	case h.Version != tokenVersion:
		return nil, stale("version %d", h.Version)
	case h.Source != src:
		return nil, stale("source fingerprint changed")
	case h.TokenCount > maxStoredTokens, h.TextLength > maxStoredText,
		h.StyleCount == 0, int(h.StyleCount) > style.MaxStyles, h.NoteCount > maxStoredNotes,
		h.RecordCount != (h.TextLength+RecordSize-1)/RecordSize:
		return nil, stale("implausible header")
	}

	st := &content.Stream{Truncated: h.Flags&flagTruncated != 0}
	var err error
	if st.Path, err = readString(br); err != nil {
		return nil, err
	}
	for i := 0; i < int(h.NoteCount); i++ {
		n, err := readString(br)
		if err != nil {
			return nil, err
		}
		st.Warnings = append(st.Warnings, n)
	}

	styles := make([]style.Style, 0, h.StyleCount)
	for i := 0; i < int(h.StyleCount); i++ {
		var rec styleRecord
		if err := binary.Read(br, binary.BigEndian, &rec); err != nil {
			return nil, err
		}
		family := make([]byte, rec.FamilyLen)
		if _, err := io.ReadFull(br, family); err != nil {
			return nil, err
		}
		styles = append(styles, style.Style{
			FontSize:     rec.FontSize,
			FontFamily:   string(family),
			Bold:         rec.Flags&flagBold != 0,
			Italic:       rec.Flags&flagItalic != 0,
			Align:        style.Align(rec.Align),
			LineHeight:   rec.LineHeight,
			MarginTop:    rec.MarginTop,
			MarginRight:  rec.MarginRight,
			MarginBottom: rec.MarginBottom,
			MarginLeft:   rec.MarginLeft,
		})
	}
	st.Styles = style.TableOf(styles)

	recs := make([]tokenRecord, h.TokenCount)
	var total uint64
	for i := range recs {
		if err := binary.Read(br, binary.BigEndian, &recs[i]); err != nil {
			return nil, err
		}
		if !content.Kind(recs[i].Kind).Valid() {
			return nil, stale("token %d: unknown kind %d", i, recs[i].Kind)
		}
		if int(recs[i].Style) >= int(h.StyleCount) {
			return nil, stale("token %d: style %d out of range", i, recs[i].Style)
		}
		total += uint64(recs[i].TextLen)
	}
	if total != uint64(h.TextLength) {
		return nil, stale("token text %d bytes, header says %d", total, h.TextLength)
	}

	text := make([]byte, 0, h.TextLength)
	for i := 0; i < int(h.RecordCount); i++ {
		var n uint16
		if err := binary.Read(br, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		packed := make([]byte, n)
		if _, err := io.ReadFull(br, packed); err != nil {
			return nil, err
		}
		rec, err := decompressRecord(packed)
		if err != nil {
			return nil, stale("record %d: %v", i, err)
		}
		want := min(RecordSize, int(h.TextLength)-len(text))
		if len(rec) != want {
			return nil, stale("record %d is %d bytes, want %d", i, len(rec), want)
		}
		text = append(text, rec...)
	}

	st.Tokens = make([]content.Token, len(recs))
	off := 0
	for i, rec := range recs {
		end := off + int(rec.TextLen)
		st.Tokens[i] = content.Token{
			Kind:   content.Kind(rec.Kind),
			Level:  rec.Level,
			Style:  style.ID(rec.Style),
			Space:  math.Float32frombits(rec.Space),
			Text:   string(text[off:end]),
			Width:  rec.Width,
			Height: rec.Height,
		}
		off = end
	}
	return st, nil
}

func writeString(w io.Writer, s string) error {
	s = s[:min(len(s), math.MaxUint16)]
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
