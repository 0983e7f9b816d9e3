// Package refetch re-renders cached pages shortly before they expire, using
// only browser capacity that live traffic leaves idle.
package refetch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/configtypes"
	"github.com/acorn1010/render/internal/common/urlutil"
	"github.com/acorn1010/render/internal/lock"
	"github.com/acorn1010/render/internal/metrics"
	"github.com/acorn1010/render/pkg/pattern"
	"github.com/acorn1010/render/pkg/types"
)

// Pool reports live render load.
type Pool interface {
	Outstanding() int
}

// Index is the expiration index and popularity view of the cache store.
type Index interface {
	ExpiringEntries(ctx context.Context, before time.Time, limit int) ([]types.ExpiringEntry, error)
	RemoveExpiring(ctx context.Context, entries ...types.ExpiringEntry) error
	PruneExpiring(ctx context.Context, cutoff time.Time) (int64, error)
	PopularityScore(ctx context.Context, tenantID, url string) (int64, error)
	TTL() time.Duration
}

// Locker grants per-URL render leases.
type Locker interface {
	Acquire(ctx context.Context, tenantID, url string, ttl time.Duration) (*lock.Lease, bool, error)
	Release(ctx context.Context, lease *lock.Lease) (bool, error)
	Now() time.Time
}

// Refresher renders a URL and stores the result.
type Refresher interface {
	RefreshURL(ctx context.Context, tenantID, url string) error
}

// SettingsReader loads tenant settings.
type SettingsReader interface {
	Settings(ctx context.Context, tenantID string) (types.TenantSettings, error)
}

// PassStats summarises one scan of the expiration index.
type PassStats struct {
	Scanned   int
	Refreshed int
	Skipped   int
	Removed   int
	Locked    int
	Failed    int
	Deferred  int // backing off after an earlier failure
	Pruned    int64
	Busy      bool // stopped early because live traffic arrived
}

// Refetcher scans the expiration index and refreshes entries worth keeping warm.
type Refetcher struct {
	cfg       configtypes.RefetchConfig
	pool      Pool
	index     Index
	locker    Locker
	refresher Refresher
	tenants   SettingsReader
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
	shuffle   func(n int, swap func(i, j int))

	failuresMu sync.Mutex
	failures   map[string]backoff

	wg     sync.WaitGroup
	stopMu sync.Mutex
	cancel context.CancelFunc
}

// Option configures a Refetcher.
type Option func(*Refetcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Refetcher) { r.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Refetcher) { r.metrics = m }
}

// WithShuffle replaces the batch shuffle, for deterministic tests.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(r *Refetcher) { r.shuffle = shuffle }
}

func New(cfg configtypes.RefetchConfig, pool Pool, index Index, locker Locker, refresher Refresher, tenants SettingsReader, logger *zap.Logger, opts ...Option) (*Refetcher, error) {
	switch {
	case pool == nil:
		return nil, fmt.Errorf("pool is required")
	case index == nil:
		return nil, fmt.Errorf("index is required")
	case locker == nil:
		return nil, fmt.Errorf("locker is required")
	case refresher == nil:
		return nil, fmt.Errorf("refresher is required")
	case tenants == nil:
		return nil, fmt.Errorf("tenant settings reader is required")
	case logger == nil:
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.PollInterval <= 0 || cfg.BatchSize <= 0 || cfg.Lease <= 0 {
		return nil, fmt.Errorf("poll interval, batch size and lease must be positive")
	}

	r := &Refetcher{
		cfg:       cfg,
		pool:      pool,
		index:     index,
		locker:    locker,
		refresher: refresher,
		tenants:   tenants,
		logger:    logger,
		now:       time.Now,
		shuffle:   rand.Shuffle,
		failures:  make(map[string]backoff),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start runs the loop in the background until Stop or ctx is done.
func (r *Refetcher) Start(ctx context.Context) {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(ctx)
	}()
}

// Stop cancels the loop and waits for the current pass to return.
func (r *Refetcher) Stop() {
	r.stopMu.Lock()
	cancel := r.cancel
	r.stopMu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Run polls until ctx is done. A pass starts only while the pool is idle.
func (r *Refetcher) Run(ctx context.Context) {
	interval := r.cfg.PollInterval.ToDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Refetcher started",
		zap.Duration("poll_interval", interval),
		zap.Duration("retry_delay", r.cfg.RetryDelay.ToDuration()),
		zap.Duration("buffer", r.cfg.Buffer.ToDuration()),
		zap.Int("batch_size", r.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Refetcher stopped")
			return
		case <-ticker.C:
			if r.pool.Outstanding() > 0 {
				continue
			}
			stats := r.RunOnce(ctx)
			if stats.Scanned > 0 {
				r.logger.Debug("Refetch pass finished",
					zap.Int("scanned", stats.Scanned),
					zap.Int("refreshed", stats.Refreshed),
					zap.Int("skipped", stats.Skipped),
					zap.Int("removed", stats.Removed),
					zap.Int("locked", stats.Locked),
					zap.Int("failed", stats.Failed),
					zap.Int("deferred", stats.Deferred),
					zap.Int64("pruned", stats.Pruned),
					zap.Bool("busy", stats.Busy))
			}
		}
	}
}

// RunOnce performs one pass: prune stale index entries, then refresh the
// entries expiring within the buffer window in random order. A failure on one
// entry never ends the pass; live traffic does.
func (r *Refetcher) RunOnce(ctx context.Context) PassStats {
	var stats PassStats
	now := r.now()

	pruned, err := r.index.PruneExpiring(ctx, now.Add(-r.index.TTL()))
	if err != nil {
		r.logger.Warn("Failed to prune expiration index", zap.Error(err))
	}
	stats.Pruned = pruned
	r.metrics.RecordPruned(pruned)

	entries, err := r.index.ExpiringEntries(ctx, now.Add(r.cfg.Buffer.ToDuration()), r.cfg.BatchSize)
	if err != nil {
		r.logger.Warn("Failed to read expiration index", zap.Error(err))
		return stats
	}
	r.shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })

	rules := make(map[string]*tenantRules)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return stats
		}
		if r.pool.Outstanding() > 0 {
			stats.Busy = true
			r.metrics.RecordRefetch(metrics.RefetchPoolBusy)
			return stats
		}
		stats.Scanned++

		if r.backingOff(entry, now) {
			stats.Deferred++
			r.metrics.RecordRefetch(metrics.RefetchDeferred)
			continue
		}

		tr, ok := rules[entry.TenantID]
		if !ok {
			tr = r.loadRules(ctx, entry.TenantID)
			rules[entry.TenantID] = tr
		}

		switch outcome := r.process(ctx, entry, tr); outcome {
		case metrics.RefetchRefreshed:
			stats.Refreshed++
			r.clearFailure(entry)
		case metrics.RefetchLocked:
			stats.Locked++
		case metrics.RefetchFailed:
			stats.Failed++
			r.recordFailure(entry, now)
		case metrics.RefetchDisabled, metrics.RefetchIgnored, metrics.RefetchUnpopular:
			stats.Skipped++
			if err := r.index.RemoveExpiring(ctx, entry); err != nil {
				r.logger.Warn("Failed to remove entry from expiration index",
					zap.String("tenant_id", entry.TenantID),
					zap.String("url", entry.URL),
					zap.Error(err))
			} else {
				stats.Removed++
			}
		}
	}
	return stats
}

// process handles one entry and returns its metrics outcome.
func (r *Refetcher) process(ctx context.Context, entry types.ExpiringEntry, tr *tenantRules) string {
	outcome := r.decide(ctx, entry, tr)
	if outcome == "" {
		outcome = r.refresh(ctx, entry)
	}
	r.metrics.RecordRefetch(outcome)
	return outcome
}

// decide returns a skip outcome, or "" when the entry should be refreshed.
func (r *Refetcher) decide(ctx context.Context, entry types.ExpiringEntry, tr *tenantRules) string {
	if tr.err != nil {
		return metrics.RefetchFailed
	}
	if !tr.settings.ShouldRefreshCache {
		r.logger.Debug("Refresh disabled for tenant",
			zap.String("tenant_id", entry.TenantID),
			zap.String("url", entry.URL))
		return metrics.RefetchDisabled
	}
	if p := tr.ignored(entry.URL); p != nil {
		r.logger.Debug("URL matches ignored path",
			zap.String("tenant_id", entry.TenantID),
			zap.String("url", entry.URL),
			zap.String("pattern", p.Original))
		return metrics.RefetchIgnored
	}

	score, err := r.index.PopularityScore(ctx, entry.TenantID, entry.URL)
	if err != nil {
		r.logger.Warn("Failed to read popularity score",
			zap.String("tenant_id", entry.TenantID),
			zap.String("url", entry.URL),
			zap.Error(err))
		return metrics.RefetchFailed
	}
	if score < r.cfg.MinPopularity {
		r.logger.Debug("URL not popular enough to refresh",
			zap.String("tenant_id", entry.TenantID),
			zap.String("url", entry.URL),
			zap.Int64("score", score))
		return metrics.RefetchUnpopular
	}
	return ""
}

func (r *Refetcher) refresh(ctx context.Context, entry types.ExpiringEntry) string {
	leaseTTL := r.cfg.Lease.ToDuration()
	lease, ok, err := r.locker.Acquire(ctx, entry.TenantID, entry.URL, leaseTTL)
	if err != nil {
		r.logger.Warn("Failed to acquire refresh lease",
			zap.String("tenant_id", entry.TenantID),
			zap.String("url", entry.URL),
			zap.Error(err))
		return metrics.RefetchFailed
	}
	if !ok {
		return metrics.RefetchLocked
	}

	r.logger.Info("Refreshing before cache expiration",
		zap.String("tenant_id", entry.TenantID),
		zap.String("url", entry.URL),
		zap.Time("expires_at", time.UnixMilli(entry.ExpiresAt)))

	renderCtx, cancel := context.WithTimeout(ctx, leaseTTL)
	err = r.refresher.RefreshURL(renderCtx, entry.TenantID, entry.URL)
	cancel()

	// an expired lease may already belong to another worker
	if !lease.Expired(r.locker.Now()) {
		if _, relErr := r.locker.Release(context.WithoutCancel(ctx), lease); relErr != nil {
			r.logger.Warn("Failed to release refresh lease",
				zap.String("tenant_id", entry.TenantID),
				zap.String("url", entry.URL),
				zap.Error(relErr))
		}
	}

	if err != nil {
		r.logger.Error("Refresh failed",
			zap.String("tenant_id", entry.TenantID),
			zap.String("url", entry.URL),
			zap.Error(err))
		return metrics.RefetchFailed
	}
	return metrics.RefetchRefreshed
}

// backoff tracks consecutive refresh failures of one index member.
type backoff struct {
	failures int
	next     time.Time
}

func backoffKey(entry types.ExpiringEntry) string {
	return entry.TenantID + "|" + entry.URL
}

func (r *Refetcher) backingOff(entry types.ExpiringEntry, now time.Time) bool {
	r.failuresMu.Lock()
	defer r.failuresMu.Unlock()
	b, ok := r.failures[backoffKey(entry)]
	return ok && now.Before(b.next)
}

// recordFailure doubles the retry delay per consecutive failure, capped at the buffer.
func (r *Refetcher) recordFailure(entry types.ExpiringEntry, now time.Time) {
	r.failuresMu.Lock()
	defer r.failuresMu.Unlock()

	key := backoffKey(entry)
	b := r.failures[key]
	b.failures++

	delay := r.cfg.RetryDelay.ToDuration()
	limit := r.cfg.Buffer.ToDuration()
	for i := 1; i < b.failures && delay < limit; i++ {
		delay *= 2
	}
	if limit > 0 && delay > limit {
		delay = limit
	}
	b.next = now.Add(delay)
	r.failures[key] = b

	// forget members that stopped failing long ago, e.g. after being pruned
	for k, old := range r.failures {
		if now.Sub(old.next) > limit {
			delete(r.failures, k)
		}
	}
}

func (r *Refetcher) clearFailure(entry types.ExpiringEntry) {
	r.failuresMu.Lock()
	defer r.failuresMu.Unlock()
	delete(r.failures, backoffKey(entry))
}

// tenantRules are a tenant's settings with compiled ignored paths, loaded once per pass.
type tenantRules struct {
	settings types.TenantSettings
	patterns pattern.Set
	err      error
}

func (r *Refetcher) loadRules(ctx context.Context, tenantID string) *tenantRules {
	settings, err := r.tenants.Settings(ctx, tenantID)
	if err != nil {
		r.logger.Warn("Failed to load tenant settings",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return &tenantRules{err: err}
	}

	tr := &tenantRules{settings: settings}
	for _, raw := range settings.IgnoredPaths {
		p, err := pattern.Compile(raw)
		if err != nil {
			r.logger.Warn("Skipping invalid ignored path",
				zap.String("tenant_id", tenantID),
				zap.String("pattern", raw),
				zap.Error(err))
			continue
		}
		tr.patterns = append(tr.patterns, p)
	}
	return tr
}

// ignored matches url with and without its scheme.
func (tr *tenantRules) ignored(url string) *pattern.Pattern {
	if p := tr.patterns.MatchAny(url); p != nil {
		return p
	}
	return tr.patterns.MatchAny(urlutil.StripScheme(url))
}
