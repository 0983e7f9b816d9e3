package urlutil

import (
	"net/url"
	"strings"
)

// RefererBase returns the origin bare paths should resolve against. A proxy-style
// referer such as "http://proxy:3000/https://example.com/a" yields the embedded
// origin "https://example.com"; any other absolute referer yields its own origin.
// Returns "" when no origin can be derived.
func RefererBase(referer string) string {
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}

	embedded := strings.TrimPrefix(u.Path, "/")
	if strings.HasPrefix(embedded, "http://") || strings.HasPrefix(embedded, "https://") {
		if inner, err := url.Parse(embedded); err == nil && inner.Host != "" {
			return inner.Scheme + "://" + inner.Host
		}
	}
	return u.Scheme + "://" + u.Host
}

// StripScheme drops a leading "scheme://" so host-relative patterns such as
// "example.com/admin/*" can match.
func StripScheme(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		return rawURL[i+3:]
	}
	return rawURL
}
