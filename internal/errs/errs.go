// Package errs defines the error taxonomy shared by the document pipeline.
//
// Leaf packages keep their own sentinel errors (archive.ErrEntryNotFound,
// epub.ErrMissingSpine, ...) and wrap them in an *Error carrying a Kind, so
// callers can branch on the broad category while errors.Is still reaches the
// precise cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the component that raised it and how it
// propagates.
type Kind uint8

const (
	// KindUnknown is reported for errors that carry no Kind.
	KindUnknown Kind = iota
	// KindContainer is a corrupt or missing ZIP directory or entry. Fatal only at open.
	KindContainer
	// KindPackage is a malformed package document or missing spine. Fatal only at open.
	KindPackage
	// KindContent is malformed chapter markup. Always recovered.
	KindContent
	// KindStyle is an unsupported style property. Never surfaced.
	KindStyle
	// KindLayout means the metrics capability failed. Fatal to the request only.
	KindLayout
	// KindStorage is an I/O failure on the persisted cache or position.
	KindStorage
	// KindOutOfBudget means the resident byte ceiling was exceeded.
	KindOutOfBudget
)

var kindNames = [...]string{
	KindUnknown:     "unknown",
	KindContainer:   "container",
	KindPackage:     "package",
	KindContent:     "content",
	KindStyle:       "style",
	KindLayout:      "layout",
	KindStorage:     "storage",
	KindOutOfBudget: "out of budget",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Error is a classified error.
type Error struct {
	Kind Kind   // Category of the failure
	Op   string // Operation that failed (e.g., "archive.Open")
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with kind and op. A nil err yields nil. If err is already an
// *Error of the same kind it is returned unchanged.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether any *Error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Fatal reports whether err prevents a session from being opened.
func Fatal(err error) bool {
	return Is(err, KindContainer) || Is(err, KindPackage)
}

// Retryable reports whether the caller may retry the failed request.
func Retryable(err error) bool {
	return Is(err, KindStorage) || Is(err, KindOutOfBudget)
}
