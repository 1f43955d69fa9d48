package store

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/yuanying/epubpager/internal/content"
)

const (
	positionMagic   = "EPRP"
	positionVersion = 1
	positionFile    = "position"

	// PositionSize is the encoded size of a Position.
	PositionSize = 32
)

// Position is the persisted reading position of a book.
type Position struct {
	Chapter int
	Offset  content.Offset
	Page    int
	Time    time.Time
}

// MarshalBinary encodes p as a fixed 32-byte record:
//
//	magic "EPRP" | version u16 | reserved u16 | chapter u32 | offset u64 | page u32 | unix seconds i64
func (p Position) MarshalBinary() ([]byte, error) {
	b := make([]byte, PositionSize)
	copy(b[0:4], positionMagic)
	binary.BigEndian.PutUint16(b[4:6], positionVersion)
	binary.BigEndian.PutUint32(b[8:12], uint32(p.Chapter))
	binary.BigEndian.PutUint64(b[12:20], uint64(p.Offset))
	binary.BigEndian.PutUint32(b[20:24], uint32(p.Page))
	var ts int64
	if !p.Time.IsZero() {
		ts = p.Time.Unix()
	}
	binary.BigEndian.PutUint64(b[24:32], uint64(ts))
	return b, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary.
func (p *Position) UnmarshalBinary(b []byte) error {
	switch {
	case len(b) != PositionSize:
		return stale("position record is %d bytes", len(b))
	case string(b[0:4]) != positionMagic:
		return stale("bad magic %q", b[0:4])
	case binary.BigEndian.Uint16(b[4:6]) != positionVersion:
		return stale("version %d", binary.BigEndian.Uint16(b[4:6]))
	}
	p.Chapter = int(binary.BigEndian.Uint32(b[8:12]))
	p.Offset = content.Offset(binary.BigEndian.Uint64(b[12:20]))
	p.Page = int(binary.BigEndian.Uint32(b[20:24]))
	p.Time = time.Time{}
	if ts := int64(binary.BigEndian.Uint64(b[24:32])); ts != 0 {
		p.Time = time.Unix(ts, 0).UTC()
	}
	return nil
}

// SavePosition replaces the persisted reading position.
func (s *Store) SavePosition(p Position) error {
	b, _ := p.MarshalBinary()
	return s.write("store.SavePosition", positionFile, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
}

// LoadPosition reads the persisted reading position.
func (s *Store) LoadPosition() (Position, error) {
	var p Position
	err := s.read("store.LoadPosition", positionFile, func(r io.Reader) error {
		b, err := io.ReadAll(io.LimitReader(r, PositionSize+1))
		if err != nil {
			return err
		}
		return p.UnmarshalBinary(b)
	})
	return p, err
}
