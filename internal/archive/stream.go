package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/yuanying/epubpager/internal/errs"
)

// Stream returns a reader producing the uncompressed bytes of the named entry.
// Data flows through a WindowSize buffer; the whole entry is never held.
// The caller must Close the reader.
func (a *Archive) Stream(name string) (io.ReadCloser, error) {
	e, ok := a.Entry(name)
	if !ok {
		return nil, errs.E(errs.KindContainer, "archive.Stream", fmt.Errorf("%w: %s", ErrEntryNotFound, name))
	}
	rc, err := a.open(e)
	if err != nil {
		return nil, errs.E(errs.KindContainer, "archive.Stream", err)
	}
	return rc, nil
}

// ReadAll reads a whole entry, refusing entries whose declared or actual size
// exceeds limit. It is meant for small documents such as container.xml,
// the package document and stylesheets.
func (a *Archive) ReadAll(name string, limit int64) ([]byte, error) {
	e, ok := a.Entry(name)
	if !ok {
		return nil, errs.E(errs.KindContainer, "archive.ReadAll", fmt.Errorf("%w: %s", ErrEntryNotFound, name))
	}
	if int64(e.UncompressedSize) > limit {
		return nil, errs.E(errs.KindContainer, "archive.ReadAll",
			fmt.Errorf("%w: %s is %d bytes (max %d)", ErrEntryTooLarge, name, e.UncompressedSize, limit))
	}
	rc, err := a.open(e)
	if err != nil {
		return nil, errs.E(errs.KindContainer, "archive.ReadAll", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, errs.E(errs.KindContainer, "archive.ReadAll", err)
	}
	if int64(len(data)) > limit {
		return nil, errs.E(errs.KindContainer, "archive.ReadAll",
			fmt.Errorf("%w: %s decompressed past %d bytes", ErrEntryTooLarge, name, limit))
	}
	return data, nil
}

func (a *Archive) open(e Entry) (io.ReadCloser, error) {
	dataOffset, err := a.dataOffset(e)
	if err != nil {
		return nil, err
	}

	section := io.NewSectionReader(a.src, dataOffset, int64(e.CompressedSize))
	window := bufio.NewReaderSize(section, WindowSize)

	r := &entryReader{
		name: e.Name,
		want: e.CRC32,
		size: int64(e.UncompressedSize),
		crc:  crc32.NewIEEE(),
	}
	switch e.Method {
	case MethodStored:
		r.src = window
	case MethodDeflated:
		fr := flate.NewReader(window)
		r.src = fr
		r.closer = fr
	default:
		return nil, fmt.Errorf("%w: %s uses method %d", ErrUnsupportedMethod, e.Name, e.Method)
	}
	return r, nil
}

// dataOffset reads the local file header of e and returns where its data starts.
func (a *Archive) dataOffset(e Entry) (int64, error) {
	off := int64(e.LocalHeaderOffset)
	var hdr [localHeaderLen]byte
	n, err := a.src.ReadAt(hdr[:], off)
	if n < localHeaderLen {
		if err == nil || err == io.EOF {
			return 0, &TruncatedError{Name: e.Name, Offset: 0}
		}
		return 0, fmt.Errorf("read local header of %s: %w", e.Name, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != sigLocalHeader {
		return 0, fmt.Errorf("%w: bad local header signature for %s", ErrInvalidContainer, e.Name)
	}
	nameLen := int64(binary.LittleEndian.Uint16(hdr[26:28]))
	extraLen := int64(binary.LittleEndian.Uint16(hdr[28:30]))
	return off + localHeaderLen + nameLen + extraLen, nil
}

// entryReader counts delivered bytes and verifies the CRC-32 at end of stream.
type entryReader struct {
	name   string
	src    io.Reader
	closer io.Closer
	crc    hash.Hash32
	want   uint32
	size   int64
	n      int64
	err    error
}

func (r *entryReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n, err := r.src.Read(p)
	if n > 0 {
		r.crc.Write(p[:n])
		r.n += int64(n)
		if r.n > r.size {
			r.err = errs.E(errs.KindContainer, "archive.Stream",
				fmt.Errorf("%w: %s inflates past its declared %d bytes", ErrChecksum, r.name, r.size))
			return n, r.err
		}
	}
	switch {
	case err == nil:
		return n, nil
	case err == io.EOF:
		if r.n < r.size {
			r.err = errs.E(errs.KindContainer, "archive.Stream", &TruncatedError{Name: r.name, Offset: r.n})
			return n, r.err
		}
		if r.crc.Sum32() != r.want {
			r.err = errs.E(errs.KindContainer, "archive.Stream", fmt.Errorf("%w: %s", ErrChecksum, r.name))
			return n, r.err
		}
		r.err = io.EOF
		return n, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.err = errs.E(errs.KindContainer, "archive.Stream", &TruncatedError{Name: r.name, Offset: r.n})
		return n, r.err
	default:
		r.err = errs.E(errs.KindContainer, "archive.Stream", fmt.Errorf("read %s at %d: %w", r.name, r.n, err))
		return n, r.err
	}
}

func (r *entryReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
