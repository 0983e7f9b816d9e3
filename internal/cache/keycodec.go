package cache

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Canonicalize maps a URL to the cache key used for it under a tenant:
//
//	https://www.example.com:8080/a?b=1  ->  https:com:example:www@8080/a?b=1
//
// Host labels are reversed so one site's pages sort together. The port is
// separated with '@' because a numeric leftmost label would otherwise collide
// with it. The path and query are kept as sent; the fragment is dropped.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteByte(':')
	b.WriteString(reverseHost(u.Hostname()))
	if port := u.Port(); port != "" {
		b.WriteByte('@')
		b.WriteString(port)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)
	if u.RawQuery != "" || u.ForceQuery {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String(), nil
}

func reverseHost(host string) string {
	host = strings.ToLower(host)
	if strings.Contains(host, ":") {
		// IPv6 literal
		return "[" + host + "]"
	}
	if ascii, err := idna.Punycode.ToASCII(host); err == nil {
		host = ascii
	}

	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ":")
}
