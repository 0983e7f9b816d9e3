package metricsserver

import (
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/configtypes"
)

// Handler serves the exposition format.
type Handler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// Start binds the metrics listener and serves it in the background.
// Returns a nil server when metrics are disabled. Bind errors are returned
// synchronously so a port clash fails startup.
func Start(cfg configtypes.MetricsConfig, handler Handler, logger *zap.Logger) (*fasthttp.Server, error) {
	if !cfg.Enabled {
		logger.Info("Metrics collection disabled")
		return nil, nil
	}

	addr, err := configtypes.NormalizeListen(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid metrics listen address: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind metrics listener %s: %w", cfg.Listen, err)
	}

	server := &fasthttp.Server{
		Handler:            newHandler(cfg.Path, handler),
		Name:               "render-proxy-metrics",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1 * 1024,
		TCPKeepalive:       true,
		TCPKeepalivePeriod: 30 * time.Second,
		MaxConnsPerIP:      100,
		Concurrency:        100,
	}

	go func() {
		logger.Info("Metrics server listening",
			zap.String("listen", ln.Addr().String()),
			zap.String("path", cfg.Path))

		if err := server.Serve(ln); err != nil {
			logger.Error("Metrics server stopped",
				zap.String("listen", cfg.Listen),
				zap.Error(err))
		}
	}()

	return server, nil
}

func newHandler(path string, handler Handler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == path {
			handler.ServeHTTP(ctx)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("Not Found")
	}
}
