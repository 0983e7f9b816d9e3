package chrome

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/urlutil"
	"github.com/acorn1010/render/pkg/types"
)

// HTTPFetcher fetches pages without a browser. Used when a navigation is aborted,
// which Chrome does for downloads such as PDFs.
type HTTPFetcher struct {
	client       *fasthttp.Client
	timeout      time.Duration
	maxRedirects int
	logger       *zap.Logger
}

// NewHTTPFetcher creates a fetcher. With allowPrivate unset, connections to
// private or reserved addresses are refused after DNS resolution.
func NewHTTPFetcher(timeout time.Duration, maxRedirects int, allowPrivate bool, logger *zap.Logger) *HTTPFetcher {
	client := &fasthttp.Client{
		ReadTimeout:         timeout,
		WriteTimeout:        timeout,
		MaxResponseBodySize: 20 * 1024 * 1024,
	}
	if !allowPrivate {
		client.Dial = urlutil.SafeDial
	}
	return &HTTPFetcher{
		client:       client,
		timeout:      timeout,
		maxRedirects: maxRedirects,
		logger:       logger,
	}
}

// Fetch GETs url following redirects. Non-2xx responses are results, not errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, headers types.Headers) (*types.RenderResult, error) {
	// not pooled: an abandoned request may still be owned by the client goroutine
	req := &fasthttp.Request{}
	resp := &fasthttp.Response{}

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	for _, h := range headers {
		for _, v := range h.Values() {
			req.Header.Add(h.Name, v)
		}
	}

	done := make(chan error, 1)
	go func() { done <- f.client.DoRedirects(req, resp, f.maxRedirects) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := &types.RenderResult{
		StatusCode: resp.StatusCode(),
		Headers:    responseHeaders(&resp.Header),
		Body:       append([]byte(nil), resp.Body()...),
		ConsoleLog: []types.ConsoleEntry{},
	}

	f.logger.Debug("Fallback fetch completed",
		zap.String("url", url),
		zap.Int("status_code", result.StatusCode),
		zap.Int("response_size", len(result.Body)))
	return result, nil
}

func responseHeaders(h *fasthttp.ResponseHeader) types.Headers {
	var out types.Headers
	for key, value := range h.All() {
		out = out.Add(string(key), string(value))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if out == nil {
		out = types.Headers{}
	}
	return out
}
