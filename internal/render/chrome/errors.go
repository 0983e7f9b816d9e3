package chrome

import (
	"errors"
	"strings"
)

// Pool errors
var (
	ErrPoolShutdown  = errors.New("pool is shutting down")
	ErrNoEngine      = errors.New("no browser engine available")
	ErrEngineFatal   = errors.New("browser engine failed")
	ErrInvalidConfig = errors.New("invalid chrome config")
)

// Render errors
var (
	ErrRenderTimeout  = errors.New("page did not respond before timeout")
	ErrNavigateFailed = errors.New("navigation failed")
	ErrExtractHTML    = errors.New("HTML extraction failed")
)

// navFailure classifies an error raised while loading a page.
type navFailure int

const (
	navFatal navFailure = iota
	navNotFound
	navAborted
	navTimeout
)

func (f navFailure) String() string {
	switch f {
	case navNotFound:
		return "not_found"
	case navAborted:
		return "aborted"
	case navTimeout:
		return "timeout"
	default:
		return "fatal"
	}
}

// classifyNavError matches the browser's net error codes. Unknown errors are fatal
// to the engine that produced them.
func classifyNavError(err error) navFailure {
	if errors.Is(err, ErrRenderTimeout) {
		return navTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "net::ERR_NAME_NOT_RESOLVED"),
		strings.Contains(msg, "Cannot navigate to invalid URL"):
		return navNotFound
	case strings.Contains(msg, "net::ERR_ABORTED"):
		return navAborted
	}
	return navFatal
}
