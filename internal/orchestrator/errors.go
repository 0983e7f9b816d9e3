package orchestrator

import "errors"

var (
	// ErrInvalidURL is returned for URLs that cannot be rendered: not absolute,
	// not http(s), too long or pointing at a private address.
	ErrInvalidURL = errors.New("invalid render url")

	// ErrRenderFailed wraps the pool error of a render that produced no result.
	ErrRenderFailed = errors.New("render failed")
)
