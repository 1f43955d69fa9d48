// Package store persists per-book caches: tokenized chapters, page maps and
// the reading position. Files are written to a temporary name and renamed
// into place, and every file carries a magic, a version and the fingerprint
// it was built for. Anything that does not match is reported as ErrStale and
// rebuilt by the caller, never reinterpreted.
package store

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/yuanying/epubpager/internal/errs"
)

var (
	// ErrStale is returned for files written by another version, for another
	// fingerprint, or damaged on disk.
	ErrStale = errors.New("stale cache file")

	// ErrNotFound is returned when nothing has been persisted yet.
	ErrNotFound = errors.New("cache file not found")
)

// Store is the cache directory of one book.
type Store struct {
	fs  afero.Fs
	dir string
}

// New returns the store for the book identified by fp under root.
func New(fsys afero.Fs, root string, fp [32]byte) *Store {
	return &Store{fs: fsys, dir: path.Join(root, hex.EncodeToString(fp[:8]))}
}

// Dir returns the book's cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Usage returns the number of bytes the book's cache occupies.
func (s *Store) Usage() (int64, error) {
	var total int64
	err := afero.Walk(s.fs, s.dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.E(errs.KindStorage, "store.Usage", errors.Wrapf(err, "walk %s", s.dir))
	}
	return total, nil
}

// Purge removes everything persisted for the book.
func (s *Store) Purge() error {
	if err := s.fs.RemoveAll(s.dir); err != nil {
		return errs.E(errs.KindStorage, "store.Purge", errors.Wrapf(err, "remove %s", s.dir))
	}
	return nil
}

func chapterFile(chapter int, ext string) string {
	return fmt.Sprintf("ch%04d.%s", chapter, ext)
}

// write stores the output of fn under name atomically.
func (s *Store) write(op, name string, fn func(w io.Writer) error) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return errs.E(errs.KindStorage, op, errors.Wrapf(err, "create %s", s.dir))
	}
	final := path.Join(s.dir, name)
	tmp := final + ".tmp"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return errs.E(errs.KindStorage, op, errors.Wrapf(err, "create %s", tmp))
	}
	if err := fn(f); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return errs.E(errs.KindStorage, op, errors.Wrapf(err, "write %s", tmp))
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return errs.E(errs.KindStorage, op, errors.Wrapf(err, "close %s", tmp))
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		s.fs.Remove(tmp)
		return errs.E(errs.KindStorage, op, errors.Wrapf(err, "rename %s", tmp))
	}
	return nil
}

// read opens name and hands it to fn. Decoding failures become ErrStale;
// only I/O failures are storage errors.
func (s *Store) read(op, name string, fn func(r io.Reader) error) error {
	p := path.Join(s.dir, name)
	f, err := s.fs.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(ErrNotFound, "%s", p)
	}
	if err != nil {
		return errs.E(errs.KindStorage, op, errors.Wrapf(err, "open %s", p))
	}
	defer f.Close()

	err = fn(f)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStale):
		return errors.Wrapf(err, "%s", p)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return errors.Wrapf(ErrStale, "%s: truncated", p)
	}
	return errs.E(errs.KindStorage, op, errors.Wrapf(err, "read %s", p))
}

// stale builds an ErrStale with a reason.
func stale(format string, args ...any) error {
	return errors.Wrapf(ErrStale, format, args...)
}
