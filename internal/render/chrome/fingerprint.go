package chrome

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/acorn1010/render/pkg/types"
)

// volatileHeaders change per request or per client connection and would split
// one logical client class into many browsing contexts.
var volatileHeaders = map[string]struct{}{
	"x-request-id":             {},
	"x-real-ip":                {},
	"x-forwarded-for":          {},
	"x-original-forwarded-for": {},
	"cf-ray":                   {},
	"cf-connecting-ip":         {},
	"connection":               {},
	"keep-alive":               {},
	"content-length":           {},
	"host":                     {},
	"transfer-encoding":        {},
}

// forwardedHeaders are passed on to the browser when loading a page.
var forwardedHeaders = []string{"user-agent", "accept-language"}

// Fingerprint hashes every non-volatile header into a browsing-context key.
// Header order and name case do not affect the result.
func Fingerprint(headers types.Headers) string {
	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		if _, skip := volatileHeaders[name]; skip {
			continue
		}
		lines = append(lines, name+":"+h.Value+"\n")
	}
	sort.Strings(lines)

	d := xxhash.New()
	for _, line := range lines {
		_, _ = d.WriteString(line)
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// ForwardedHeaders returns the subset of headers handed to the browser.
func ForwardedHeaders(headers types.Headers) types.Headers {
	var out types.Headers
	for _, name := range forwardedHeaders {
		if v, ok := headers.Get(name); ok {
			out = out.Add(name, v)
		}
	}
	return out
}
