package epub

import "errors"

// Sentinel errors returned by the epub package. They are wrapped in an
// errs.Error of kind errs.KindPackage.
var (
	// ErrMissingRootfile indicates neither container.xml nor the archive
	// listing names a package document.
	ErrMissingRootfile = errors.New("epub: package document not found")

	// ErrMissingSpine indicates the package document has no spine or none of
	// its entries resolve to a content document.
	ErrMissingSpine = errors.New("epub: no readable spine")

	// ErrNoTOC indicates the book carries neither a navigation document nor an NCX.
	ErrNoTOC = errors.New("epub: no table of contents")
)
