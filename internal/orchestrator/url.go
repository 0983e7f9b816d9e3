package orchestrator

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/acorn1010/render/internal/common/urlutil"
)

const maxURLLength = 2048

// NormalizeURL turns the requested target into an absolute http(s) URL. A bare
// path is resolved against the origin derived from referer. A scheme whose
// double slash was collapsed by an upstream proxy ("https:/example.com") is
// repaired.
func NormalizeURL(rawURL, referer string, allowPrivate bool) (string, error) {
	target := strings.TrimSpace(rawURL)
	if target == "" {
		return "", fmt.Errorf("%w: missing url", ErrInvalidURL)
	}
	target = repairScheme(target)

	if !hasHTTPScheme(target) {
		base := urlutil.RefererBase(referer)
		if base == "" {
			return "", fmt.Errorf("%w: %q is not absolute and no referer is available", ErrInvalidURL, rawURL)
		}
		target = base + "/" + strings.TrimPrefix(target, "/")
	}

	if len(target) > maxURLLength {
		return "", fmt.Errorf("%w: exceeds maximum length of %d characters", ErrInvalidURL, maxURLLength)
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Host == "" || parsed.Hostname() == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidURL, target)
	}
	if !allowPrivate {
		if err := urlutil.ValidateHostNotPrivate(parsed.Hostname()); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
	}
	return target, nil
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func repairScheme(s string) string {
	lower := strings.ToLower(s)
	for _, scheme := range []string{"https:", "http:"} {
		if strings.HasPrefix(lower, scheme) && !strings.HasPrefix(lower[len(scheme):], "//") {
			return s[:len(scheme)] + "//" + strings.TrimPrefix(s[len(scheme):], "/")
		}
	}
	return s
}
