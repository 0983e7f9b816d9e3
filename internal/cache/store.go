package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/configtypes"
	"github.com/acorn1010/render/internal/common/redis"
	"github.com/acorn1010/render/pkg/types"
)

const (
	monthlyWindow = 13
	monthLayout   = "2006-01"
	dayLayout     = "2006-01-02"
)

// Store reads and writes cached render results, usage counters and the
// expiration index. Safe for concurrent use; all state lives in Redis.
type Store struct {
	client   *redis.Client
	keys     *redis.KeyGenerator
	cfg      configtypes.CacheConfig
	encoding string
	logger   *zap.Logger
	now      func() time.Time
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithClock replaces time.Now, used by tests to pin month boundaries.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(client *redis.Client, cfg configtypes.CacheConfig, logger *zap.Logger, opts ...StoreOption) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.TTL.ToDuration() <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive")
	}
	encoding, err := EncodingFor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	// PEXPIRE 0 would delete the counters outright
	if cfg.UserAgentRetention <= 0 {
		cfg.UserAgentRetention = types.Duration(30 * 24 * time.Hour)
	}
	if cfg.CounterRetention <= 0 {
		cfg.CounterRetention = types.Duration(365 * 24 * time.Hour)
	}

	s := &Store{
		client:   client,
		keys:     redis.NewKeyGenerator(),
		cfg:      cfg,
		encoding: encoding,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL is how long a written entry lives.
func (s *Store) TTL() time.Duration {
	return s.cfg.TTL.ToDuration()
}

// Get returns the cached result for url, or false when there is none.
// Every lookup, hit or miss, bumps the user-agent and monthly fetch counters.
func (s *Store) Get(ctx context.Context, tenantID, url, userAgent string) (*types.RenderResult, bool, error) {
	key, err := Canonicalize(url)
	if err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	uaKey := s.keys.UserAgentsKey(tenantID, key)
	fetchesKey := s.keys.FetchesKey(tenantID, now.Format(monthLayout))

	var metaCmd, bodyCmd *goredis.StringCmd
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		metaCmd = pipe.Get(ctx, s.keys.MetadataKey(tenantID, key))
		bodyCmd = pipe.Get(ctx, s.keys.BodyKey(tenantID, key))
		if userAgent != "" {
			pipe.ZIncrBy(ctx, uaKey, 1, userAgent)
			pipe.PExpire(ctx, uaKey, s.cfg.UserAgentRetention.ToDuration())
			if s.cfg.UserAgentLimit > 0 {
				// keep the most frequent agents only
				pipe.ZRemRangeByRank(ctx, uaKey, 0, -int64(s.cfg.UserAgentLimit)-1)
			}
		}
		pipe.ZIncrBy(ctx, fetchesKey, 1, url)
		pipe.PExpire(ctx, fetchesKey, s.cfg.CounterRetention.ToDuration())
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	rawMeta, err := metaCmd.Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache metadata read failed: %w", err)
	}
	rawBody, err := bodyCmd.Bytes()
	if errors.Is(err, goredis.Nil) {
		// metadata written but body not (yet): treat as a miss
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache body read failed: %w", err)
	}

	meta, err := decodeMetadata(rawMeta)
	if err != nil {
		return nil, false, err
	}

	body, err := Decompress(rawBody, meta.Encoding)
	if err != nil {
		s.logger.Warn("Cached body failed to decompress, serving raw bytes",
			zap.String("tenant_id", tenantID),
			zap.String("url", url),
			zap.String("encoding", meta.Encoding),
			zap.Error(err))
		body = rawBody
	}

	return meta.toResult(body), true, nil
}

// Set writes result for url together with the render counters. Successful
// renders (status < 400) are (re)scored in the expiration index at now+TTL;
// anything else is removed from it.
func (s *Store) Set(ctx context.Context, tenantID, url string, result *types.RenderResult) error {
	if result == nil {
		return fmt.Errorf("render result is required")
	}
	key, err := Canonicalize(url)
	if err != nil {
		return err
	}

	body, err := Compress(result.Body, s.encoding)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	meta, err := marshalMetadata(newEntryMetadata(result, s.encoding, now))
	if err != nil {
		return err
	}

	ttl := s.cfg.TTL.ToDuration()
	retention := s.cfg.CounterRetention.ToDuration()
	monthKey := s.keys.RenderCountKey(tenantID, now.Format(monthLayout))
	dayKey := s.keys.RenderCountKey(tenantID, now.Format(dayLayout))
	member := s.keys.ExpirationMember(tenantID, url)

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Incr(ctx, monthKey)
		pipe.PExpire(ctx, monthKey, retention)
		pipe.Incr(ctx, dayKey)
		pipe.PExpire(ctx, dayKey, retention)
		pipe.Set(ctx, s.keys.MetadataKey(tenantID, key), meta, ttl)
		pipe.Set(ctx, s.keys.BodyKey(tenantID, key), body, ttl)
		if result.StatusCode < 400 {
			pipe.ZAdd(ctx, redis.ExpirationIndexKey, goredis.Z{
				Score:  float64(now.Add(ttl).UnixMilli()),
				Member: member,
			})
		} else {
			pipe.ZRem(ctx, redis.ExpirationIndexKey, member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}

	s.logger.Debug("Cached render result",
		zap.String("tenant_id", tenantID),
		zap.String("url", url),
		zap.Int("status_code", result.StatusCode),
		zap.Int("body_size", len(result.Body)),
		zap.Int("stored_size", len(body)))
	return nil
}

// Flush deletes every cached entry of a tenant and returns how many were removed.
func (s *Store) Flush(ctx context.Context, tenantID string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenant id is required")
	}

	res, err := s.client.RunScript(ctx, flushScript,
		[]string{redis.ExpirationIndexKey},
		s.keys.EntryPattern(tenantID),
		s.keys.ExpirationMemberPattern(tenantID))
	if err != nil {
		return 0, fmt.Errorf("cache flush failed: %w", err)
	}

	deleted, _ := res.(int64)
	s.logger.Info("Flushed tenant cache",
		zap.String("tenant_id", tenantID),
		zap.Int64("deleted", deleted))
	return deleted, nil
}

// GetMonthlyCounts returns render totals for the trailing 13 months, oldest first.
func (s *Store) GetMonthlyCounts(ctx context.Context, tenantID string) ([]types.MonthlyCount, error) {
	months := trailingMonths(s.now(), monthlyWindow)
	keys := make([]string, len(months))
	for i, month := range months {
		keys[i] = s.keys.RenderCountKey(tenantID, month)
	}

	values, err := s.client.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}

	counts := make([]types.MonthlyCount, len(months))
	for i, month := range months {
		counts[i] = types.MonthlyCount{Month: month}
		if str, ok := values[i].(string); ok {
			n, err := strconv.ParseInt(str, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid render counter %s: %w", keys[i], err)
			}
			counts[i].Count = n
		}
	}
	return counts, nil
}

// PopularityScore sums the url's lookups in the current and previous month.
func (s *Store) PopularityScore(ctx context.Context, tenantID, url string) (int64, error) {
	months := trailingMonths(s.now(), 2)

	var total int64
	for _, month := range months {
		score, ok, err := s.client.ZScore(ctx, s.keys.FetchesKey(tenantID, month), url)
		if err != nil {
			return 0, fmt.Errorf("popularity read failed: %w", err)
		}
		if ok {
			total += int64(score)
		}
	}
	return total, nil
}

// ExpiringEntries returns up to limit index entries expiring at or before before.
func (s *Store) ExpiringEntries(ctx context.Context, before time.Time, limit int) ([]types.ExpiringEntry, error) {
	zs, err := s.client.ZRangeByScore(ctx, redis.ExpirationIndexKey,
		"-inf", strconv.FormatInt(before.UnixMilli(), 10), int64(limit))
	if err != nil {
		return nil, err
	}

	entries := make([]types.ExpiringEntry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		tenantID, url, err := s.keys.ParseExpirationMember(member)
		if err != nil {
			s.logger.Warn("Skipping malformed expiration index member",
				zap.String("member", member), zap.Error(err))
			continue
		}
		entries = append(entries, types.ExpiringEntry{
			TenantID:  tenantID,
			URL:       url,
			ExpiresAt: int64(z.Score),
		})
	}
	return entries, nil
}

// RemoveExpiring deletes entries from the expiration index.
func (s *Store) RemoveExpiring(ctx context.Context, entries ...types.ExpiringEntry) error {
	members := make([]interface{}, len(entries))
	for i, e := range entries {
		members[i] = s.keys.ExpirationMember(e.TenantID, e.URL)
	}
	_, err := s.client.ZRem(ctx, redis.ExpirationIndexKey, members...)
	return err
}

// PruneExpiring drops index entries that expired before cutoff.
func (s *Store) PruneExpiring(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, redis.ExpirationIndexKey,
		"-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10))
}

// ExpiresAt returns the expiration index score of (tenant, url).
func (s *Store) ExpiresAt(ctx context.Context, tenantID, url string) (time.Time, bool, error) {
	score, ok, err := s.client.ZScore(ctx, redis.ExpirationIndexKey, s.keys.ExpirationMember(tenantID, url))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// trailingMonths returns n yyyy-mm labels ending with now's month, oldest first.
func trailingMonths(now time.Time, n int) []string {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	months := make([]string, n)
	for i := 0; i < n; i++ {
		months[n-1-i] = first.AddDate(0, -i, 0).Format(monthLayout)
	}
	return months
}
