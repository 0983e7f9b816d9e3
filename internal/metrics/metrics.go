// Package metrics holds the Prometheus collectors of the render proxy.
// Every recording method is safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Render outcomes
const (
	RenderRendered = "rendered"
	RenderNotFound = "not_found"
	RenderFallback = "fallback"
	RenderTimeout  = "timeout"
	RenderFatal    = "fatal"
	RenderCanceled = "canceled"
)

// Cache lookup results
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"
)

// Refetch outcomes
const (
	RefetchRefreshed = "refreshed"
	RefetchDisabled  = "skipped_disabled"
	RefetchIgnored   = "skipped_ignored"
	RefetchUnpopular = "skipped_unpopular"
	RefetchLocked    = "locked"
	RefetchFailed    = "failed"
	RefetchDeferred  = "deferred"
	RefetchPoolBusy  = "pool_busy"
	RefetchPruned    = "pruned"
)

// Metrics is the collector set shared by the pool, orchestrator, refetcher and front end.
type Metrics struct {
	outstanding    prometheus.Gauge
	capacity       prometheus.Gauge
	engineRestarts *prometheus.CounterVec
	rendersTotal   *prometheus.CounterVec
	renderDuration prometheus.Histogram

	cacheLookups *prometheus.CounterVec
	cacheWrites  *prometheus.CounterVec

	refetchTotal *prometheus.CounterVec

	httpRequests *prometheus.CounterVec

	httpHandler func(*fasthttp.RequestCtx)
}

// New registers the collectors on the default registry.
func New(namespace string, logger *zap.Logger) *Metrics {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewWithRegistry registers the collectors on registerer. If registerer is also a
// Gatherer it backs the exposition handler.
func NewWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Metrics {
	m := &Metrics{}

	m.outstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "outstanding",
		Help:      "Render jobs currently admitted to the browser pool",
	})
	m.capacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "capacity",
		Help:      "Maximum number of concurrently admitted render jobs",
	})
	m.engineRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "engine_restarts_total",
		Help:      "Browser engine replacements by reason",
	}, []string{"reason"})
	m.rendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "renders_total",
		Help:      "Render jobs by outcome",
	}, []string{"outcome"})
	m.renderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "render_duration_seconds",
		Help:      "Wall time of render jobs including admission wait",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	m.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by result",
	}, []string{"result"})
	m.cacheWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "writes_total",
		Help:      "Background cache writes by result",
	}, []string{"result"})

	m.refetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refetch",
		Name:      "entries_total",
		Help:      "Expiring entries visited by the refetcher, by outcome",
	}, []string{"outcome"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by endpoint and status code",
	}, []string{"endpoint", "status"})

	registerer.MustRegister(
		m.outstanding,
		m.capacity,
		m.engineRestarts,
		m.rendersTotal,
		m.renderDuration,
		m.cacheLookups,
		m.cacheWrites,
		m.refetchTotal,
		m.httpRequests,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	m.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("Prometheus metrics initialized", zap.String("namespace", namespace))
	return m
}

func (m *Metrics) SetOutstanding(n int) {
	if m == nil {
		return
	}
	m.outstanding.Set(float64(n))
}

func (m *Metrics) SetCapacity(n int) {
	if m == nil {
		return
	}
	m.capacity.Set(float64(n))
}

func (m *Metrics) RecordEngineRestart(reason string) {
	if m == nil {
		return
	}
	m.engineRestarts.WithLabelValues(reason).Inc()
}

// RecordRender counts one finished render job and its duration.
func (m *Metrics) RecordRender(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.rendersTotal.WithLabelValues(outcome).Inc()
	m.renderDuration.Observe(seconds)
}

func (m *Metrics) RecordLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordWrite(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.cacheWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRefetch(outcome string) {
	if m == nil {
		return
	}
	m.refetchTotal.WithLabelValues(outcome).Inc()
}

// RecordPruned counts index entries dropped past their lookup window.
func (m *Metrics) RecordPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.refetchTotal.WithLabelValues(RefetchPruned).Add(float64(n))
}

func (m *Metrics) RecordHTTPRequest(endpoint, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(endpoint, status).Inc()
}

// ServeHTTP serves the Prometheus exposition format.
func (m *Metrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	m.httpHandler(ctx)
}
