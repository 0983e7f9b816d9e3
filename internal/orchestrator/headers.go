package orchestrator

import (
	"strings"

	"github.com/acorn1010/render/pkg/types"
)

// hopHeaders are dropped when a render result is relayed; the front end
// frames and encodes the response itself.
var hopHeaders = map[string]bool{
	"transfer-encoding": true,
	"connection":        true,
	"content-encoding":  true,
}

// RelayHeaders returns headers without the hop-by-hop set, keeping order.
func RelayHeaders(headers types.Headers) types.Headers {
	out := make(types.Headers, 0, len(headers))
	for _, h := range headers {
		if hopHeaders[strings.ToLower(h.Name)] {
			continue
		}
		out = append(out, h)
	}
	return out
}
