package cache

import "errors"

var (
	// ErrInvalidURL is returned by Canonicalize for URLs without scheme or host.
	ErrInvalidURL = errors.New("invalid url")

	// ErrUnsupportedCompression is returned for unknown compression names or encodings.
	ErrUnsupportedCompression = errors.New("unsupported compression")

	// ErrUnsupportedVersion is returned for metadata written by a newer release.
	ErrUnsupportedVersion = errors.New("unsupported cache entry version")
)
