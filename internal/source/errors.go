// internal/source/errors.go
package source

import "errors"

var (
	// ErrUnavailable é o único erro de conectividade que sai do Stream.
	ErrUnavailable = errors.New("stream unavailable")

	ErrMalformedURI      = errors.New("malformed stream uri")
	ErrUnsupportedScheme = errors.New("no driver registered for this uri scheme")
)
