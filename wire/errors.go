package wire

import "errors"

// Decode errors. Any frame that fails with one of these is discarded and
// the connection it arrived on is considered desynchronized.
var (
	// ErrTruncated is returned when a payload ends before its declared content.
	ErrTruncated = errors.New("wire: truncated payload")
	// ErrMalformed is returned for unknown tags, invalid numeric fields and
	// trailing bytes.
	ErrMalformed = errors.New("wire: malformed payload")
	// ErrFrameTooLarge is returned when a frame header declares more bytes
	// than the reader accepts.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// ErrTooLong is returned by Encode when a string field does not fit its
// u16 length prefix.
var ErrTooLong = errors.New("wire: field too long")

// IsDecodeError reports whether err is a frame-level decode failure as
// opposed to a transport failure.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrTruncated) || errors.Is(err, ErrMalformed) || errors.Is(err, ErrFrameTooLarge)
}
