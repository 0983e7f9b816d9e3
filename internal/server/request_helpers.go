package server

import (
	"context"
	"errors"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/httputil"
	"github.com/acorn1010/render/internal/orchestrator"
	"github.com/acorn1010/render/internal/render/chrome"
	"github.com/acorn1010/render/pkg/types"
)

// targetFromRequestURI returns the requested target from the raw request URI,
// which unlike the normalized path keeps "https://" intact.
func targetFromRequestURI(uri []byte) string {
	return strings.TrimPrefix(string(uri), "/")
}

// requestHeaders copies the inbound headers, lower-cased and newline-joined,
// without the API token.
func requestHeaders(h *fasthttp.RequestHeader, tokenHeader string) types.Headers {
	token := strings.ToLower(tokenHeader)
	var out types.Headers
	for key, value := range h.All() {
		name := strings.ToLower(string(key))
		if name == token {
			continue
		}
		out = out.Add(name, string(value))
	}
	return out
}

// writeResult writes status, relayed headers and body. Newline-joined header
// values go out as repeated header lines.
func writeResult(ctx *fasthttp.RequestCtx, result *types.RenderResult) {
	ctx.SetStatusCode(result.StatusCode)
	for _, h := range orchestrator.RelayHeaders(result.Headers) {
		if strings.EqualFold(h.Name, "content-length") {
			continue
		}
		for _, v := range h.Values() {
			ctx.Response.Header.Add(h.Name, v)
		}
	}
	ctx.SetBody(result.Body)
}

// writeRenderError maps resolve failures to status codes.
func (s *Server) writeRenderError(ctx *fasthttp.RequestCtx, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidURL):
		logger.Warn("Invalid render URL", zap.Error(err))
		httputil.JSONError(ctx, err.Error(), fasthttp.StatusBadRequest)

	case errors.Is(err, chrome.ErrRenderTimeout), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Render timed out", zap.Error(err))
		httputil.JSONError(ctx, "Render timed out", fasthttp.StatusGatewayTimeout)

	case errors.Is(err, chrome.ErrPoolShutdown), errors.Is(err, chrome.ErrNoEngine), errors.Is(err, context.Canceled):
		logger.Warn("Renderer unavailable", zap.Error(err))
		httputil.JSONError(ctx, "Renderer unavailable", fasthttp.StatusServiceUnavailable)

	case errors.Is(err, chrome.ErrEngineFatal):
		logger.Error("Browser engine failed during render", zap.Error(err))
		ctx.Response.Header.Set("X-Render-Error", "engine")
		httputil.JSONError(ctx, "Render failed", fasthttp.StatusInternalServerError)

	default:
		logger.Error("Render failed", zap.Error(err))
		httputil.JSONError(ctx, "Render failed", fasthttp.StatusInternalServerError)
	}
}
