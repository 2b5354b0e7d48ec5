package rewrite

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedMimeType is returned when a factory is asked to rewrite a
	// content type it does not handle.
	ErrUnsupportedMimeType = errors.New("unsupported mime type")

	// ErrMalformedURL is returned when a document or base URL cannot be used.
	ErrMalformedURL = errors.New("malformed url")

	// ErrNoStems is returned when the archival context has no URL stems.
	ErrNoStems = errors.New("archival context has no url stems")

	// ErrUnsupportedEncoding is returned for an unknown charset label.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
)

// Error is a configuration failure of a rewrite call. No output is produced
// when one is returned.
type Error struct {
	Op       string // factory or operation that failed
	MimeType string
	Err      error
}

func (e *Error) Error() string {
	if e.MimeType != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.MimeType, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
