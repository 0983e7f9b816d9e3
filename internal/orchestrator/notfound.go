package orchestrator

import (
	"mime"
	"sync"

	"github.com/acorn1010/render/internal/common/htmlprocessor"
	"github.com/acorn1010/render/pkg/pattern"
	"github.com/acorn1010/render/pkg/types"
)

// titleMatcher caches compiled tenant regex404 expressions.
type titleMatcher struct {
	mu       sync.Mutex
	compiled map[string]*pattern.Pattern
}

func newTitleMatcher() *titleMatcher {
	return &titleMatcher{compiled: make(map[string]*pattern.Pattern)}
}

func (m *titleMatcher) pattern(expr string) (*pattern.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.compiled[expr]; ok {
		return p, nil
	}
	p, err := pattern.Compile("~" + expr)
	if err != nil {
		return nil, err
	}
	m.compiled[expr] = p
	return p, nil
}

// markNotFound returns a copy of result with status 404 when it is a 200 HTML
// page whose title matches expr. Otherwise result is returned unchanged.
func (m *titleMatcher) markNotFound(result *types.RenderResult, expr string) (*types.RenderResult, error) {
	if expr == "" || result.StatusCode != 200 || !isHTML(result.Headers) {
		return result, nil
	}
	p, err := m.pattern(expr)
	if err != nil {
		return result, err
	}
	title, ok := htmlprocessor.Title(result.Body)
	if !ok || !p.Match(title) {
		return result, nil
	}

	marked := *result
	marked.StatusCode = 404
	return &marked, nil
}

func isHTML(headers types.Headers) bool {
	contentType, ok := headers.Get("content-type")
	if !ok {
		// untyped bodies are raw unless they looked like HTML, and raw bodies
		// carry no <title>
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
