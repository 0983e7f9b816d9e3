// Package orchestrator serves render requests from the cache, rendering and
// storing on a miss.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/acorn1010/render/internal/metrics"
	"github.com/acorn1010/render/pkg/types"
)

// Renderer produces a fresh result for url.
type Renderer interface {
	Render(ctx context.Context, url string, headers types.Headers) (*types.RenderResult, error)
}

// CacheStore is the subset of cache.Store used on the request path.
type CacheStore interface {
	Get(ctx context.Context, tenantID, url, userAgent string) (*types.RenderResult, bool, error)
	Set(ctx context.Context, tenantID, url string, result *types.RenderResult) error
}

// SettingsReader loads tenant settings.
type SettingsReader interface {
	Settings(ctx context.Context, tenantID string) (types.TenantSettings, error)
}

// Config holds orchestrator settings.
type Config struct {
	AllowPrivateTargets bool
	WriteTimeout        time.Duration // bound on one detached cache write
}

// Orchestrator coordinates cache lookups, renders and cache writes.
type Orchestrator struct {
	cfg      Config
	renderer Renderer
	store    CacheStore
	tenants  SettingsReader
	metrics  *metrics.Metrics
	logger   *zap.Logger

	group   singleflight.Group
	titles  *titleMatcher
	writes  sync.WaitGroup
	onWrite func(tenantID, url string, err error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithWriteHook is called after every detached cache write.
func WithWriteHook(fn func(tenantID, url string, err error)) Option {
	return func(o *Orchestrator) { o.onWrite = fn }
}

// New creates an orchestrator. tenants may be nil, which disables regex404.
func New(cfg Config, renderer Renderer, store CacheStore, tenants SettingsReader, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	o := &Orchestrator{
		cfg:      cfg,
		renderer: renderer,
		store:    store,
		tenants:  tenants,
		logger:   logger,
		titles:   newTitleMatcher(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Resolve returns the result for rawURL, from the cache when possible. On a
// miss the page is rendered, returned and written to the cache in the
// background. Lookup failures are treated as misses.
func (o *Orchestrator) Resolve(ctx context.Context, tenantID, rawURL string, headers types.Headers, referer string) (*types.RenderResult, error) {
	target, err := NormalizeURL(rawURL, referer, o.cfg.AllowPrivateTargets)
	if err != nil {
		return nil, err
	}
	userAgent, _ := headers.Get("user-agent")

	cached, ok, err := o.store.Get(ctx, tenantID, target, userAgent)
	switch {
	case err != nil:
		o.metrics.RecordLookup(metrics.LookupError)
		o.logger.Warn("Cache lookup failed, rendering fresh",
			zap.String("tenant_id", tenantID),
			zap.String("url", target),
			zap.Error(err))
	case ok:
		o.metrics.RecordLookup(metrics.LookupHit)
		o.logger.Debug("Cache hit",
			zap.String("tenant_id", tenantID),
			zap.String("url", target),
			zap.Int("status_code", cached.StatusCode))
		return cached, nil
	default:
		o.metrics.RecordLookup(metrics.LookupMiss)
	}

	return o.render(ctx, flightResolve, tenantID, target, headers)
}

// RenderAndStore renders url and writes the result to the cache before
// returning. Used by the refetcher, whose lease must cover the write.
func (o *Orchestrator) RenderAndStore(ctx context.Context, tenantID, url string, headers types.Headers) (*types.RenderResult, error) {
	result, err := o.render(ctx, flightRefresh, tenantID, url, headers)
	if err != nil {
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.WriteTimeout)
	defer cancel()
	err = o.store.Set(writeCtx, tenantID, url, result)
	o.metrics.RecordWrite(err == nil)
	if err != nil {
		return result, fmt.Errorf("store render of %s: %w", url, err)
	}
	return result, nil
}

// RefreshURL re-renders a cached url with no originating client.
func (o *Orchestrator) RefreshURL(ctx context.Context, tenantID, url string) error {
	_, err := o.RenderAndStore(ctx, tenantID, url, nil)
	return err
}

// Wait blocks until every detached cache write has finished.
func (o *Orchestrator) Wait() {
	o.writes.Wait()
}

// Flight kinds. Refreshes never join a live render since they write synchronously.
const (
	flightResolve = "resolve"
	flightRefresh = "refresh"
)

// render collapses concurrent renders of one (tenant, url) into a single pool
// job. The shared job is not cancelled when one waiter gives up. Resolve
// flights schedule their cache write once, from inside the flight.
func (o *Orchestrator) render(ctx context.Context, kind, tenantID, url string, headers types.Headers) (*types.RenderResult, error) {
	key := kind + "|" + tenantID + "|" + url
	ch := o.group.DoChan(key, func() (interface{}, error) {
		result, err := o.renderOnce(context.WithoutCancel(ctx), tenantID, url, headers)
		if err == nil && kind == flightResolve {
			o.storeAsync(tenantID, url, result)
		}
		return result, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			o.logger.Debug("Joined in-flight render",
				zap.String("tenant_id", tenantID),
				zap.String("url", url))
		}
		return res.Val.(*types.RenderResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) renderOnce(ctx context.Context, tenantID, url string, headers types.Headers) (*types.RenderResult, error) {
	result, err := o.renderer.Render(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	return o.applyTenantRules(ctx, tenantID, url, result), nil
}

// applyTenantRules marks soft 404 pages using the tenant's title expression.
func (o *Orchestrator) applyTenantRules(ctx context.Context, tenantID, url string, result *types.RenderResult) *types.RenderResult {
	if o.tenants == nil {
		return result
	}
	settings, err := o.tenants.Settings(ctx, tenantID)
	if err != nil {
		o.logger.Warn("Failed to load tenant settings, skipping regex404",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return result
	}

	marked, err := o.titles.markNotFound(result, settings.Regex404)
	if err != nil {
		o.logger.Warn("Invalid regex404",
			zap.String("tenant_id", tenantID),
			zap.String("regex404", settings.Regex404),
			zap.Error(err))
		return result
	}
	if marked != result {
		o.logger.Debug("Page title matched regex404",
			zap.String("tenant_id", tenantID),
			zap.String("url", url))
	}
	return marked
}

// storeAsync writes result without holding up the caller. Failures are logged
// and dropped.
func (o *Orchestrator) storeAsync(tenantID, url string, result *types.RenderResult) {
	o.writes.Add(1)
	go func() {
		defer o.writes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.WriteTimeout)
		defer cancel()

		err := o.store.Set(ctx, tenantID, url, result)
		o.metrics.RecordWrite(err == nil)
		if err != nil {
			level := zap.ErrorLevel
			if errors.Is(err, context.DeadlineExceeded) {
				level = zap.WarnLevel
			}
			o.logger.Log(level, "Background cache write failed",
				zap.String("tenant_id", tenantID),
				zap.String("url", url),
				zap.Error(err))
		}
		if o.onWrite != nil {
			o.onWrite(tenantID, url, err)
		}
	}()
}
