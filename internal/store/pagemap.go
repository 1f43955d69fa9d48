package store

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/yuanying/epubpager/internal/content"
	"github.com/yuanying/epubpager/internal/pagemap"
)

const (
	pageMapMagic   = "EPPM"
	pageMapVersion = 2
	// maxStoredPages bounds the offsets a load allocates (512 KiB).
	maxStoredPages = 1 << 16

	flagComplete = 1 << 0
)

type pageMapHeader struct {
	Magic       [4]byte
	Version     uint16
	Flags       uint16
	Fingerprint [32]byte
	Source      [16]byte
	Chapter     uint32
	Count       uint32
}

// SavePageMap persists m. Maps too long to load back are not written.
func (s *Store) SavePageMap(m *pagemap.Map) error {
	if len(m.Offsets) > maxStoredPages {
		return nil
	}
	return s.write("store.SavePageMap", chapterFile(m.Chapter, "pgm"), func(w io.Writer) error {
		h := pageMapHeader{
			Version:     pageMapVersion,
			Fingerprint: m.Fingerprint,
			Source:      m.Source,
			Chapter:     uint32(m.Chapter),
			Count:       uint32(len(m.Offsets)),
		}
		copy(h.Magic[:], pageMapMagic)
		if m.Complete {
			h.Flags |= flagComplete
		}
		bw := bufio.NewWriter(w)
		if err := binary.Write(bw, binary.BigEndian, h); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, m.Offsets); err != nil {
			return err
		}
		return bw.Flush()
	})
}

// LoadPageMap reads the page map of chapter. A map built for another layout
// fingerprint or over another token stream is reported as ErrStale.
func (s *Store) LoadPageMap(chapter int, fp [32]byte, src [16]byte) (*pagemap.Map, error) {
	var m *pagemap.Map
	err := s.read("store.LoadPageMap", chapterFile(chapter, "pgm"), func(r io.Reader) error {
		br := bufio.NewReader(r)
		var h pageMapHeader
		if err := binary.Read(br, binary.BigEndian, &h); err != nil {
			return err
		}
		switch {
		case string(h.Magic[:]) != pageMapMagic:
			return stale("bad magic %q", h.Magic[:])
		case h.Version != pageMapVersion:
			return stale("version %d", h.Version)
		case h.Fingerprint != fp:
			return stale("layout fingerprint changed")
		case h.Source != src:
			return stale("token stream changed")
		case int(h.Chapter) != chapter, h.Count == 0, h.Count > maxStoredPages:
			return stale("implausible header")
		}
		offsets := make([]content.Offset, h.Count)
		if err := binary.Read(br, binary.BigEndian, offsets); err != nil {
			return err
		}
		if offsets[0] != 0 {
			return stale("first page at %v", offsets[0])
		}
		for i := 1; i < len(offsets); i++ {
			if offsets[i] <= offsets[i-1] {
				return stale("page %d not after page %d", i, i-1)
			}
		}
		m = &pagemap.Map{
			Chapter:     chapter,
			Fingerprint: fp,
			Source:      src,
			Offsets:     offsets,
			Complete:    h.Flags&flagComplete != 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
