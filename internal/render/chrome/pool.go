package chrome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/acorn1010/render/internal/metrics"
	"github.com/acorn1010/render/pkg/types"
)

// Pool owns the browser engine and admits render jobs under a fixed cap.
// One engine serves all jobs; it is replaced when it ages out or fails.
type Pool struct {
	cfg      Config
	capacity int
	launcher Launcher
	fetcher  Fetcher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	sem           *semaphore.Weighted
	outstanding   atomic.Int64
	totalRenders  atomic.Int64
	totalRestarts atomic.Int64
	createdAt     time.Time

	ctx     context.Context // cancelled by Shutdown
	cancel  context.CancelFunc
	closing atomic.Bool

	mu       sync.Mutex
	current  *instance
	draining map[int]*instance
	nextID   int
	drainWg  sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces time.Now, for lifetime tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a pool. No engine runs until Start or the first render.
func NewPool(cfg Config, launcher Launcher, fetcher Fetcher, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		capacity: cfg.Capacity(),
		launcher: launcher,
		fetcher:  fetcher,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		draining: make(map[int]*instance),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(int64(p.capacity))
	p.createdAt = p.now()
	p.metrics.SetCapacity(p.capacity)

	logger.Info("Browser pool created",
		zap.Int("capacity", p.capacity),
		zap.Duration("max_lifetime", cfg.MaxLifetime))
	return p, nil
}

// Start launches the first engine and waits until it is ready.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closing.Load() {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	inst := p.current
	if inst == nil {
		inst = p.startLocked()
	}
	p.mu.Unlock()

	select {
	case <-inst.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if inst.launchErr != nil {
		return fmt.Errorf("%w: %v", ErrNoEngine, inst.launchErr)
	}
	return nil
}

// Render loads url in a browsing context chosen by the request headers.
// Name resolution failures yield a 404 result and aborted navigations fall back
// to a plain fetch. Other engine failures retire the engine and return an error
// wrapping ErrEngineFatal.
func (p *Pool) Render(ctx context.Context, url string, headers types.Headers) (*types.RenderResult, error) {
	start := p.now()
	if p.closing.Load() {
		return nil, ErrPoolShutdown
	}

	release, err := p.admit(ctx)
	if err != nil {
		return nil, err
	}
	result, outcome, err := p.render(ctx, url, headers)
	release()

	elapsed := p.now().Sub(start)
	p.metrics.RecordRender(outcome, elapsed.Seconds())
	if err != nil {
		return nil, err
	}
	result.RenderTimeMs = elapsed.Milliseconds()
	return result, nil
}

// admit blocks until a slot frees up, the caller gives up or the pool shuts down.
func (p *Pool) admit(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if p.closing.Load() {
			return nil, ErrPoolShutdown
		}
		return nil, ctx.Err()
	}
	if p.closing.Load() {
		p.sem.Release(1)
		return nil, ErrPoolShutdown
	}

	p.metrics.SetOutstanding(int(p.outstanding.Add(1)))
	return func() {
		p.metrics.SetOutstanding(int(p.outstanding.Add(-1)))
		p.sem.Release(1)
	}, nil
}

func (p *Pool) render(ctx context.Context, url string, headers types.Headers) (*types.RenderResult, string, error) {
	inst, err := p.acquireInstance(ctx)
	if err != nil {
		if errors.Is(err, ErrNoEngine) {
			return nil, metrics.RenderFatal, err
		}
		return nil, metrics.RenderCanceled, err
	}
	defer inst.inflight.Done()

	fingerprint := Fingerprint(headers)
	bc, err := inst.browsingContext(ctx, fingerprint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, metrics.RenderCanceled, ctx.Err()
		}
		p.logger.Error("Failed to open browsing context, retiring engine",
			zap.Int("instance_id", inst.id),
			zap.String("url", url),
			zap.Error(err))
		p.retire(inst, "fatal")
		return nil, metrics.RenderFatal, fmt.Errorf("%w: open browsing context: %v", ErrEngineFatal, err)
	}

	page, err := bc.Load(ctx, PageRequest{
		URL:            url,
		Headers:        ForwardedHeaders(headers),
		Timeout:        p.cfg.PageTimeout,
		SettleDebounce: p.cfg.SettleDebounce,
		SettleTimeout:  p.cfg.SettleTimeout,
	})
	p.totalRenders.Add(1)

	if err == nil {
		if page.TimedOut {
			p.logger.Warn("Page timed out, served best-effort snapshot",
				zap.Int("instance_id", inst.id),
				zap.String("url", url))
		}
		return &types.RenderResult{
			StatusCode: page.StatusCode,
			Headers:    page.Headers,
			Body:       page.Body,
			ConsoleLog: page.ConsoleLog,
		}, metrics.RenderRendered, nil
	}

	if ctx.Err() != nil {
		return nil, metrics.RenderCanceled, ctx.Err()
	}

	switch classifyNavError(err) {
	case navNotFound:
		p.logger.Debug("Host not resolvable, returning 404",
			zap.String("url", url),
			zap.Error(err))
		return types.NotFoundResult(0), metrics.RenderNotFound, nil

	case navAborted:
		p.logger.Warn("Navigation aborted, using plain fetch fallback",
			zap.Int("instance_id", inst.id),
			zap.String("url", url),
			zap.Error(err))
		return p.fallback(ctx, url, headers), metrics.RenderFallback, nil

	case navTimeout:
		return nil, metrics.RenderTimeout, fmt.Errorf("render %s: %w", url, err)
	}

	p.logger.Error("Page failed to render, retiring engine",
		zap.Int("instance_id", inst.id),
		zap.String("url", url),
		zap.Error(err))
	p.retire(inst, "fatal")
	return nil, metrics.RenderFatal, fmt.Errorf("%w: %v", ErrEngineFatal, err)
}

// fallback fetches url without the browser. A failed fetch becomes a 500 result.
func (p *Pool) fallback(ctx context.Context, url string, headers types.Headers) *types.RenderResult {
	if p.fetcher != nil {
		result, err := p.fetcher.Fetch(ctx, url, ForwardedHeaders(headers))
		if err == nil {
			return result
		}
		p.logger.Warn("Fallback fetch failed",
			zap.String("url", url),
			zap.Error(err))
	}
	return &types.RenderResult{
		StatusCode: 500,
		Headers:    types.Headers{},
		Body:       []byte{},
		ConsoleLog: []types.ConsoleEntry{},
	}
}

// acquireInstance binds the job to the current engine, replacing it first when
// it has outlived MaxLifetime. Callers must call inflight.Done on success.
func (p *Pool) acquireInstance(ctx context.Context) (*instance, error) {
	p.mu.Lock()
	if p.closing.Load() {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	inst := p.current
	if inst != nil && inst.State() == StateReady && p.now().Sub(inst.createdAt) >= p.cfg.MaxLifetime {
		p.retireLocked(inst, "max_lifetime")
		inst = p.current
	}
	if inst == nil {
		inst = p.startLocked()
	}
	inst.inflight.Add(1)
	p.mu.Unlock()

	select {
	case <-inst.ready:
	case <-ctx.Done():
		inst.inflight.Done()
		return nil, ctx.Err()
	}
	if inst.launchErr != nil {
		inst.inflight.Done()
		return nil, fmt.Errorf("%w: %v", ErrNoEngine, inst.launchErr)
	}
	return inst, nil
}

// startLocked creates a starting instance and launches it in the background.
func (p *Pool) startLocked() *instance {
	p.nextID++
	inst := newInstance(p.nextID, p.now(), p.logger)
	p.current = inst
	go p.launch(inst)
	return inst
}

func (p *Pool) launch(inst *instance) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.LaunchTimeout)
	defer cancel()

	engine, err := p.launcher.Launch(ctx)

	p.mu.Lock()
	if err != nil {
		inst.launchErr = err
		inst.setState(StateClosed)
		if p.current == inst {
			p.current = nil
		}
		p.mu.Unlock()
		close(inst.ready)

		p.logger.Error("Failed to launch browser engine",
			zap.Int("instance_id", inst.id),
			zap.Error(err))
		return
	}

	inst.engine = engine
	inst.createdAt = p.now()
	if p.closing.Load() {
		inst.launchErr = ErrPoolShutdown
		p.mu.Unlock()
		close(inst.ready)
		_ = inst.close()
		return
	}
	inst.setState(StateReady)
	p.mu.Unlock()
	close(inst.ready)

	p.logger.Info("Browser engine ready", zap.Int("instance_id", inst.id))
}

func (p *Pool) retire(inst *instance, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retireLocked(inst, reason)
}

// retireLocked moves a ready instance to draining, starts its replacement and
// closes it once its in-flight jobs return.
func (p *Pool) retireLocked(inst *instance, reason string) {
	if !inst.transition(StateReady, StateDraining) {
		return
	}
	if p.current == inst {
		p.current = nil
	}
	p.draining[inst.id] = inst
	p.totalRestarts.Add(1)
	p.metrics.RecordEngineRestart(reason)

	p.logger.Info("Retiring browser engine",
		zap.Int("instance_id", inst.id),
		zap.String("reason", reason),
		zap.Duration("age", p.now().Sub(inst.createdAt)),
		zap.Int("contexts", inst.contextCount()))

	if !p.closing.Load() {
		p.startLocked()
	}

	p.drainWg.Add(1)
	go p.drain(inst)
}

func (p *Pool) drain(inst *instance) {
	defer p.drainWg.Done()

	inst.inflight.Wait()
	if err := inst.close(); err != nil {
		p.logger.Warn("Error closing drained engine",
			zap.Int("instance_id", inst.id),
			zap.Error(err))
	}

	p.mu.Lock()
	delete(p.draining, inst.id)
	p.mu.Unlock()

	p.logger.Info("Browser engine closed", zap.Int("instance_id", inst.id))
}

// Outstanding returns the number of admitted render jobs.
func (p *Pool) Outstanding() int {
	return int(p.outstanding.Load())
}

// Capacity returns the admission cap.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Outstanding:   p.Outstanding(),
		Capacity:      p.capacity,
		EngineState:   StateClosed.String(),
		Draining:      len(p.draining),
		TotalRenders:  p.totalRenders.Load(),
		TotalRestarts: p.totalRestarts.Load(),
		Uptime:        p.now().Sub(p.createdAt),
	}
	if inst := p.current; inst != nil {
		stats.EngineID = inst.id
		stats.EngineState = inst.State().String()
		if inst.State() == StateReady {
			stats.EngineAge = p.now().Sub(inst.createdAt)
		}
	}
	return stats
}

// Shutdown stops admissions, waits up to timeout for outstanding jobs and closes
// every engine.
func (p *Pool) Shutdown(timeout time.Duration) error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}

	p.logger.Info("Initiating browser pool shutdown",
		zap.Duration("timeout", timeout),
		zap.Int("outstanding", p.Outstanding()))

	p.cancel()

	graceful := p.waitForOutstanding(timeout)
	if graceful {
		p.logger.Info("All outstanding renders completed")
	} else {
		p.logger.Warn("Shutdown timeout exceeded, forcing engine termination",
			zap.Int("stuck_renders", p.Outstanding()))
	}

	p.mu.Lock()
	instances := make([]*instance, 0, len(p.draining)+1)
	if p.current != nil {
		instances = append(instances, p.current)
		p.current = nil
	}
	for _, inst := range p.draining {
		instances = append(instances, inst)
	}
	p.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		// a starting instance closes itself when its launch returns
		if inst.State() == StateStarting {
			continue
		}
		if err := inst.close(); err != nil {
			p.logger.Error("Error closing engine",
				zap.Int("instance_id", inst.id),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if graceful {
		p.drainWg.Wait()
	}

	stats := p.Stats()
	p.logger.Info("Browser pool shut down",
		zap.Int64("total_renders", stats.TotalRenders),
		zap.Int64("total_restarts", stats.TotalRestarts),
		zap.Duration("uptime", stats.Uptime))

	if len(errs) > 0 {
		return fmt.Errorf("encountered %d errors during shutdown: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// waitForOutstanding polls until no job is admitted or timeout passes.
func (p *Pool) waitForOutstanding(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.outstanding.Load() == 0 {
			return true
		}
		<-ticker.C
		if time.Now().After(deadline) {
			return false
		}
	}
}
