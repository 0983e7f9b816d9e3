// Package requestid assigns ids to inbound requests for log correlation.
package requestid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxLength matches the length of a UUID string.
	MaxLength = 36

	prefixLength    = 5
	maxInboundChars = MaxLength - prefixLength - 1
)

var invalidChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// New returns a request id. An inbound id (such as a caller-supplied
// X-Request-ID) is kept readable: it is sanitized to [a-zA-Z0-9-], truncated
// and prefixed with 5 random hex characters. Without a usable inbound id a
// UUID is returned.
func New(inbound string) string {
	id := strings.ReplaceAll(inbound, " ", "-")
	id = invalidChars.ReplaceAllString(id, "")
	id = collapseHyphens(id)
	id = strings.Trim(id, "-")
	if id == "" {
		return uuid.NewString()
	}
	if len(id) > maxInboundChars {
		id = id[:maxInboundChars]
	}

	prefix := strings.ReplaceAll(uuid.NewString(), "-", "")[:prefixLength]
	return prefix + "-" + id
}

func collapseHyphens(s string) string {
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return s
}
