// Package server is the HTTP front end: the render endpoint plus a small
// tenant API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/configtypes"
	"github.com/acorn1010/render/internal/common/httputil"
	"github.com/acorn1010/render/internal/common/requestid"
	"github.com/acorn1010/render/internal/metrics"
	"github.com/acorn1010/render/internal/render/chrome"
	"github.com/acorn1010/render/internal/tenant"
	"github.com/acorn1010/render/pkg/types"
)

// Endpoint labels for metrics
const (
	endpointRender       = "render"
	endpointFlush        = "flush"
	endpointRenderCounts = "render_counts"
	endpointRotateToken  = "rotate_token"
	endpointHealth       = "health"
)

// Resolver serves render requests.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, rawURL string, headers types.Headers, referer string) (*types.RenderResult, error)
}

// CacheAdmin is the tenant-facing part of the cache store.
type CacheAdmin interface {
	Flush(ctx context.Context, tenantID string) (int64, error)
	GetMonthlyCounts(ctx context.Context, tenantID string) ([]types.MonthlyCount, error)
}

// Tenants authenticates API tokens.
type Tenants interface {
	TenantIDByToken(ctx context.Context, token string) (string, error)
	RotateToken(ctx context.Context, tenantID string) (string, error)
}

// PoolStats reports browser pool state for /health.
type PoolStats interface {
	Stats() chrome.PoolStats
}

type Server struct {
	cfg      configtypes.ServerConfig
	resolver Resolver
	cache    CacheAdmin
	tenants  Tenants
	pool     PoolStats
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewServer(cfg configtypes.ServerConfig, resolver Resolver, cache CacheAdmin, tenants Tenants, pool PoolStats, m *metrics.Metrics, logger *zap.Logger) *Server {
	if cfg.TokenHeader == "" {
		cfg.TokenHeader = "X-Prerender-Token"
	}
	return &Server{
		cfg:      cfg,
		resolver: resolver,
		cache:    cache,
		tenants:  tenants,
		pool:     pool,
		metrics:  m,
		logger:   logger,
	}
}

// Start listens on cfg.Listen and serves in the background.
func (s *Server) Start() (*fasthttp.Server, error) {
	listen, err := configtypes.NormalizeListen(s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid server listen address: %w", err)
	}

	srv := &fasthttp.Server{
		Handler:                      s.HandleRequest,
		Name:                         "render-proxy",
		ReadTimeout:                  s.cfg.ReadTimeout.ToDuration(),
		WriteTimeout:                 s.cfg.WriteTimeout.ToDuration(),
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listen, err)
	}

	go func() {
		if err := srv.Serve(ln); err != nil {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP server started", zap.String("listen", listen))
	return srv, nil
}

func (s *Server) HandleRequest(ctx *fasthttp.RequestCtx) {
	requestID := requestid.New(string(ctx.Request.Header.Peek("X-Request-ID")))
	ctx.Response.Header.Set("X-Request-ID", requestID)
	logger := s.logger.With(zap.String("request_id", requestID))

	endpoint := endpointRender
	switch path := string(ctx.Path()); {
	case path == "/health" && ctx.IsGet():
		endpoint = endpointHealth
		s.handleHealth(ctx)
	case path == "/api/flush" && ctx.IsPost():
		endpoint = endpointFlush
		s.handleFlush(ctx, logger)
	case path == "/api/render-counts" && ctx.IsGet():
		endpoint = endpointRenderCounts
		s.handleRenderCounts(ctx, logger)
	case path == "/api/token/rotate" && ctx.IsPost():
		endpoint = endpointRotateToken
		s.handleRotateToken(ctx, logger)
	case strings.HasPrefix(path, "/api/"):
		endpoint = "unknown"
		httputil.JSONError(ctx, "Endpoint not found", fasthttp.StatusNotFound)
	case ctx.IsGet() || ctx.IsHead():
		s.handleRender(ctx, logger)
	default:
		httputil.JSONError(ctx, "Method not allowed", fasthttp.StatusMethodNotAllowed)
	}

	s.metrics.RecordHTTPRequest(endpoint, strconv.Itoa(ctx.Response.StatusCode()))
}

// authenticate resolves the tenant from the token header, writing a 401 on failure.
func (s *Server) authenticate(ctx *fasthttp.RequestCtx, logger *zap.Logger) (string, bool) {
	token := strings.TrimSpace(string(ctx.Request.Header.Peek(s.cfg.TokenHeader)))
	if token == "" {
		httputil.JSONError(ctx, "Missing "+s.cfg.TokenHeader+" header", fasthttp.StatusUnauthorized)
		return "", false
	}

	tenantID, err := s.tenants.TenantIDByToken(ctx, token)
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownToken) {
			logger.Warn("Rejected unknown token")
			httputil.JSONError(ctx, "Invalid token", fasthttp.StatusUnauthorized)
			return "", false
		}
		logger.Error("Token lookup failed", zap.Error(err))
		httputil.JSONError(ctx, "Token lookup failed", fasthttp.StatusServiceUnavailable)
		return "", false
	}
	return tenantID, true
}

func (s *Server) handleRender(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	start := time.Now()
	tenantID, ok := s.authenticate(ctx, logger)
	if !ok {
		return
	}

	target := targetFromRequestURI(ctx.Request.Header.RequestURI())
	logger = logger.With(zap.String("tenant_id", tenantID), zap.String("url", target))

	reqCtx, cancel := context.WithTimeout(ctx, s.renderTimeout())
	defer cancel()

	result, err := s.resolver.Resolve(reqCtx, tenantID, target,
		requestHeaders(&ctx.Request.Header, s.cfg.TokenHeader),
		string(ctx.Request.Header.Referer()))
	if err != nil {
		s.writeRenderError(ctx, logger, err)
		return
	}

	writeResult(ctx, result)
	logger.Info("Served render request",
		zap.Int("status_code", result.StatusCode),
		zap.Int("body_size", len(result.Body)),
		zap.Duration("duration", time.Since(start)))
}

func (s *Server) renderTimeout() time.Duration {
	if d := s.cfg.RequestTimeout.ToDuration(); d > 0 {
		return d
	}
	return 60 * time.Second
}

func (s *Server) handleFlush(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	tenantID, ok := s.authenticate(ctx, logger)
	if !ok {
		return
	}

	deleted, err := s.cache.Flush(ctx, tenantID)
	if err != nil {
		logger.Error("Cache flush failed", zap.String("tenant_id", tenantID), zap.Error(err))
		httputil.JSONError(ctx, "Cache flush failed", fasthttp.StatusInternalServerError)
		return
	}
	httputil.JSONData(ctx, deleted, fasthttp.StatusOK)
}

func (s *Server) handleRenderCounts(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	tenantID, ok := s.authenticate(ctx, logger)
	if !ok {
		return
	}

	counts, err := s.cache.GetMonthlyCounts(ctx, tenantID)
	if err != nil {
		logger.Error("Failed to read render counts", zap.String("tenant_id", tenantID), zap.Error(err))
		httputil.JSONError(ctx, "Failed to read render counts", fasthttp.StatusInternalServerError)
		return
	}
	httputil.JSONData(ctx, counts, fasthttp.StatusOK)
}

func (s *Server) handleRotateToken(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	tenantID, ok := s.authenticate(ctx, logger)
	if !ok {
		return
	}

	token, err := s.tenants.RotateToken(ctx, tenantID)
	if err != nil {
		logger.Error("Token rotation failed", zap.String("tenant_id", tenantID), zap.Error(err))
		httputil.JSONError(ctx, "Token rotation failed", fasthttp.StatusInternalServerError)
		return
	}
	logger.Info("Rotated tenant token", zap.String("tenant_id", tenantID))
	httputil.JSONData(ctx, map[string]string{"token": token}, fasthttp.StatusOK)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	httputil.JSONData(ctx, s.pool.Stats(), fasthttp.StatusOK)
}
