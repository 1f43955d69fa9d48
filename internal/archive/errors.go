package archive

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the archive package. Open and Stream wrap them
// in an errs.Error of kind errs.KindContainer.
var (
	// ErrInvalidContainer indicates the end-of-central-directory record or the
	// central directory is absent or malformed.
	ErrInvalidContainer = errors.New("archive: invalid container")

	// ErrEntryNotFound indicates the requested name is not in the directory.
	ErrEntryNotFound = errors.New("archive: entry not found")

	// ErrUnsupportedMethod indicates an entry uses a compression method other
	// than stored or deflate.
	ErrUnsupportedMethod = errors.New("archive: unsupported compression method")

	// ErrChecksum indicates the CRC-32 of the streamed bytes does not match the
	// directory.
	ErrChecksum = errors.New("archive: checksum mismatch")

	// ErrEntryTooLarge indicates ReadAll was asked for an entry larger than its limit.
	ErrEntryTooLarge = errors.New("archive: entry exceeds size limit")
)

// TruncatedError reports that an entry's stream ended before its declared size.
type TruncatedError struct {
	Name   string // Entry name
	Offset int64  // Uncompressed bytes delivered before the stream ended
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("archive: %s truncated at offset %d", e.Name, e.Offset)
}
