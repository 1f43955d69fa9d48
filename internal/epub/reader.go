// Package epub locates and parses the package document of an EPUB container.
package epub

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/yuanying/epubpager/internal/archive"
	"github.com/yuanying/epubpager/internal/errs"
)

const (
	mimetypeEPUB     = "application/epub+zip"
	mediaTypePackage = "application/oebps-package+xml"
	containerPath    = "META-INF/container.xml"

	// maxDocumentSize caps container.xml and the package document.
	maxDocumentSize = 1 << 20
)

// Reader provides access to the package structure of an opened container.
type Reader struct {
	arc     *archive.Archive
	logger  *zap.Logger
	opfPath string
	pkg     *Package
}

// NewReader checks the mimetype entry and locates the package document.
// A missing or wrong mimetype is only logged. ErrMissingRootfile is returned
// when no package document can be found.
func NewReader(arc *archive.Archive, logger *zap.Logger) (*Reader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reader{arc: arc, logger: logger}
	r.validateMimetype()

	opfPath, err := r.findRootfile()
	if err != nil {
		return nil, errs.E(errs.KindPackage, "epub.NewReader", err)
	}
	r.opfPath = opfPath
	return r, nil
}

// Archive returns the underlying container.
func (r *Reader) Archive() *archive.Archive {
	return r.arc
}

// OPFPath returns the path to the package document
func (r *Reader) OPFPath() string {
	return r.opfPath
}

// Package parses the package document on first use and returns it.
func (r *Reader) Package() (*Package, error) {
	if r.pkg != nil {
		return r.pkg, nil
	}
	rc, err := r.arc.Stream(r.opfPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	pkg, err := ParseOPF(io.LimitReader(rc, maxDocumentSize), archive.Dir(r.opfPath))
	if err != nil {
		return nil, err
	}
	pkg.Path = r.opfPath
	for _, w := range pkg.Warnings {
		r.logger.Warn("package document", zap.String("path", r.opfPath), zap.String("warning", w))
	}
	r.pkg = pkg
	return pkg, nil
}

// validateMimetype checks that the mimetype file exists, is stored and holds
// the EPUB media type. Problems are logged, never returned.
func (r *Reader) validateMimetype() {
	e, ok := r.arc.Entry("mimetype")
	if !ok {
		r.logger.Warn("mimetype entry not found")
		return
	}
	if e.Method != archive.MethodStored {
		r.logger.Warn("mimetype entry is compressed")
	}
	data, err := r.arc.ReadAll("mimetype", 64)
	if err != nil {
		r.logger.Warn("failed to read mimetype", zap.Error(err))
		return
	}
	if got := strings.TrimSpace(string(data)); got != mimetypeEPUB {
		r.logger.Warn("unexpected mimetype", zap.String("mimetype", got))
	}
}

// findRootfile reads container.xml, preferring a rootfile with the package
// media type, and falls back to the first .opf entry in the archive.
func (r *Reader) findRootfile() (string, error) {
	if p := r.parseContainer(); p != "" {
		return p, nil
	}
	for _, e := range r.arc.Entries() {
		if strings.HasSuffix(strings.ToLower(e.Name), ".opf") {
			r.logger.Warn("using package document found by extension", zap.String("path", e.Name))
			return e.Name, nil
		}
	}
	return "", ErrMissingRootfile
}

// parseContainer returns the rootfile path named by container.xml, or "".
func (r *Reader) parseContainer() string {
	data, err := r.arc.ReadAll(containerPath, maxDocumentSize)
	if err != nil {
		r.logger.Warn("container.xml unreadable", zap.Error(err))
		return ""
	}

	sp, err := xmlquery.CreateStreamParser(bytes.NewReader(data), "//rootfile")
	if err != nil {
		r.logger.Warn("container.xml parser", zap.Error(err))
		return ""
	}
	var first string
	for {
		n, err := sp.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.logger.Warn("failed to parse container.xml", zap.Error(err))
			break
		}
		fullPath := strings.TrimSpace(n.SelectAttr("full-path"))
		if fullPath == "" || !r.arc.Has(fullPath) {
			continue
		}
		if n.SelectAttr("media-type") == mediaTypePackage {
			return fullPath
		}
		if first == "" {
			first = fullPath
		}
	}
	return first
}

// Open is a convenience wrapper that creates a Reader and parses the package.
func Open(arc *archive.Archive, logger *zap.Logger) (*Reader, *Package, error) {
	r, err := NewReader(arc, logger)
	if err != nil {
		return nil, nil, err
	}
	pkg, err := r.Package()
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", r.opfPath, err)
	}
	return r, pkg, nil
}
