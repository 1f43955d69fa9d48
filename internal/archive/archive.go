// Package archive provides streaming read access to ZIP containers.
//
// The central directory is parsed once into a bounded index of names, sizes
// and offsets. Entry data is never buffered whole: Stream returns a reader
// that pulls bytes through a small fixed window.
package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/yuanying/epubpager/internal/errs"
)

const (
	// MaxEntries is the maximum number of central directory entries indexed.
	MaxEntries = 1024

	// MaxNameLen is the maximum entry name length kept in the index.
	MaxNameLen = 255

	// WindowSize is the size of the read window used while streaming entries
	// and scanning the directory.
	WindowSize = 4096

	sigLocalHeader = 0x04034b50
	sigCentralDir  = 0x02014b50
	sigEndOfDir    = 0x06054b50

	localHeaderLen = 30
	centralDirLen  = 46
	endOfDirLen    = 22
	maxCommentLen  = 0xFFFF
	scanWindow     = 1024
)

// Compression methods understood by Stream.
const (
	MethodStored   uint16 = 0
	MethodDeflated uint16 = 8
)

// Entry describes one file in the container.
type Entry struct {
	Name              string
	Method            uint16
	CRC32             uint32
	CompressedSize    uint32
	UncompressedSize  uint32
	LocalHeaderOffset uint32
}

// Archive is a read-only index over a ZIP container.
type Archive struct {
	src     io.ReaderAt
	size    int64
	entries []Entry
	dropped int
	closer  io.Closer
}

// Open parses the end-of-central-directory record and the central directory
// of the container held by src.
func Open(src io.ReaderAt, size int64) (*Archive, error) {
	a := &Archive{src: src, size: size}
	if err := a.readDirectory(); err != nil {
		return nil, errs.E(errs.KindContainer, "archive.Open", err)
	}
	return a, nil
}

// OpenFile opens the container stored at path on fs. Close releases the file.
func OpenFile(fs afero.Fs, path string) (*Archive, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errs.E(errs.KindContainer, "archive.OpenFile", fmt.Errorf("open %s: %w", path, err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.E(errs.KindContainer, "archive.OpenFile", fmt.Errorf("stat %s: %w", path, err))
	}
	a, err := Open(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	a.closer = f
	return a, nil
}

// Close releases the underlying file when the archive was opened with OpenFile.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// Size returns the container size in bytes.
func (a *Archive) Size() int64 {
	return a.size
}

// Entries returns the indexed entries in directory order.
func (a *Archive) Entries() []Entry {
	return a.entries
}

// Dropped returns how many directory entries were not indexed because the
// index was full or their names were too long.
func (a *Archive) Dropped() int {
	return a.dropped
}

// Entry looks up an entry by name, first exactly and then case-insensitively.
func (a *Archive) Entry(name string) (Entry, bool) {
	name = normalizeName(name)
	for _, e := range a.entries {
		if e.Name == name {
			return e, true
		}
	}
	for _, e := range a.entries {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return Entry{}, false
}

// Has reports whether the archive contains name.
func (a *Archive) Has(name string) bool {
	_, ok := a.Entry(name)
	return ok
}

// Fingerprint identifies the container contents. It hashes every indexed
// entry's name, checksum and sizes, so any change to a member changes it.
func (a *Archive) Fingerprint() [32]byte {
	h := blake3.New()
	var buf [12]byte
	for _, e := range a.entries {
		h.Write([]byte(e.Name))
		binary.BigEndian.PutUint32(buf[0:4], e.CRC32)
		binary.BigEndian.PutUint32(buf[4:8], e.UncompressedSize)
		binary.BigEndian.PutUint32(buf[8:12], e.CompressedSize)
		h.Write(buf[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// EntryFingerprint identifies one entry's bytes without reading them.
func (a *Archive) EntryFingerprint(name string) ([16]byte, bool) {
	e, ok := a.Entry(name)
	if !ok {
		return [16]byte{}, false
	}
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], e.CRC32)
	binary.BigEndian.PutUint32(buf[4:8], e.UncompressedSize)
	binary.BigEndian.PutUint32(buf[8:12], e.CompressedSize)
	sum := blake3.Sum256(append([]byte(e.Name), buf[:]...))
	var fp [16]byte
	copy(fp[:], sum[:16])
	return fp, true
}

// endOfDir holds the fields of the end-of-central-directory record we use.
type endOfDir struct {
	offset      int64
	entries     uint16
	dirSize     uint32
	dirOffset   uint32
	commentSize uint16
}

func (a *Archive) readDirectory() error {
	eocd, err := a.findEndOfDir()
	if err != nil {
		return err
	}
	if eocd.dirOffset == 0xFFFFFFFF || eocd.entries == 0xFFFF {
		return fmt.Errorf("%w: zip64 archives are not supported", ErrInvalidContainer)
	}
	dirEnd := int64(eocd.dirOffset) + int64(eocd.dirSize)
	if dirEnd > eocd.offset {
		return fmt.Errorf("%w: central directory [%d,%d) overlaps end record at %d",
			ErrInvalidContainer, eocd.dirOffset, dirEnd, eocd.offset)
	}

	sr := io.NewSectionReader(a.src, int64(eocd.dirOffset), int64(eocd.dirSize))
	br := bufio.NewReaderSize(sr, WindowSize)
	var hdr [centralDirLen]byte
	var name [MaxNameLen]byte
	for i := 0; i < int(eocd.entries); i++ {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return fmt.Errorf("%w: directory entry %d: %v", ErrInvalidContainer, i, err)
		}
		if binary.LittleEndian.Uint32(hdr[0:4]) != sigCentralDir {
			return fmt.Errorf("%w: bad directory signature at entry %d", ErrInvalidContainer, i)
		}
		nameLen := int(binary.LittleEndian.Uint16(hdr[28:30]))
		skip := int(binary.LittleEndian.Uint16(hdr[30:32])) + int(binary.LittleEndian.Uint16(hdr[32:34]))

		keep := nameLen > 0 && nameLen <= MaxNameLen && len(a.entries) < MaxEntries
		if keep {
			if _, err := io.ReadFull(br, name[:nameLen]); err != nil {
				return fmt.Errorf("%w: directory entry %d name: %v", ErrInvalidContainer, i, err)
			}
		} else {
			skip += nameLen
		}
		if skip > 0 {
			if _, err := br.Discard(skip); err != nil {
				return fmt.Errorf("%w: directory entry %d: %v", ErrInvalidContainer, i, err)
			}
		}
		if !keep {
			a.dropped++
			continue
		}
		e := Entry{
			Name:              string(name[:nameLen]),
			Method:            binary.LittleEndian.Uint16(hdr[10:12]),
			CRC32:             binary.LittleEndian.Uint32(hdr[16:20]),
			CompressedSize:    binary.LittleEndian.Uint32(hdr[20:24]),
			UncompressedSize:  binary.LittleEndian.Uint32(hdr[24:28]),
			LocalHeaderOffset: binary.LittleEndian.Uint32(hdr[42:46]),
		}
		if strings.HasSuffix(e.Name, "/") {
			continue
		}
		a.entries = append(a.entries, e)
	}
	return nil
}

// findEndOfDir scans backwards from the end of the container for the
// end-of-central-directory signature, one window at a time.
func (a *Archive) findEndOfDir() (endOfDir, error) {
	if a.size < endOfDirLen {
		return endOfDir{}, fmt.Errorf("%w: %d bytes is too small", ErrInvalidContainer, a.size)
	}
	searchStart := a.size - min(a.size, endOfDirLen+maxCommentLen)
	buf := make([]byte, scanWindow)

	end := a.size
	for {
		start := max(end-scanWindow, searchStart)
		n := int(end - start)
		if _, err := a.src.ReadAt(buf[:n], start); err != nil && err != io.EOF {
			return endOfDir{}, fmt.Errorf("%w: read at %d: %v", ErrInvalidContainer, start, err)
		}
		for p := n - 4; p >= 0; p-- {
			if binary.LittleEndian.Uint32(buf[p:p+4]) != sigEndOfDir {
				continue
			}
			if rec, ok := a.readEndOfDir(start + int64(p)); ok {
				return rec, nil
			}
		}
		if start == searchStart {
			break
		}
		// Overlap by three bytes so a signature split across windows is seen.
		end = start + 3
	}
	return endOfDir{}, fmt.Errorf("%w: end of central directory not found", ErrInvalidContainer)
}

func (a *Archive) readEndOfDir(off int64) (endOfDir, bool) {
	if off+endOfDirLen > a.size {
		return endOfDir{}, false
	}
	var rec [endOfDirLen]byte
	if _, err := a.src.ReadAt(rec[:], off); err != nil && err != io.EOF {
		return endOfDir{}, false
	}
	eocd := endOfDir{
		offset:      off,
		entries:     binary.LittleEndian.Uint16(rec[10:12]),
		dirSize:     binary.LittleEndian.Uint32(rec[12:16]),
		dirOffset:   binary.LittleEndian.Uint32(rec[16:20]),
		commentSize: binary.LittleEndian.Uint16(rec[20:22]),
	}
	// A comment that runs past the end of the file means this is a stray
	// signature inside data rather than the real record.
	if off+endOfDirLen+int64(eocd.commentSize) > a.size {
		return endOfDir{}, false
	}
	return eocd, true
}

// normalizeName removes a leading "./" or "/" from an entry name.
func normalizeName(name string) string {
	name = strings.TrimPrefix(name, "./")
	return strings.TrimPrefix(name, "/")
}
