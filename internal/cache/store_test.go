package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/configtypes"
	"github.com/acorn1010/render/internal/common/redis"
	"github.com/acorn1010/render/pkg/types"
)

var fixedNow = time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)

func testCacheConfig(compression string) configtypes.CacheConfig {
	return configtypes.CacheConfig{
		TTL:                types.Duration(time.Hour),
		Compression:        compression,
		UserAgentRetention: types.Duration(30 * 24 * time.Hour),
		UserAgentLimit:     3,
		CounterRetention:   types.Duration(365 * 24 * time.Hour),
	}
}

func setupStore(t *testing.T, compression string) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(client, testCacheConfig(compression), zap.NewNop(),
		WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return mr, store
}

func htmlResult(status int, body string) *types.RenderResult {
	return &types.RenderResult{
		StatusCode: status,
		Headers: types.Headers{
			{Name: "content-type", Value: "text/html; charset=utf-8"},
			{Name: "link", Value: "</a.css>; rel=preload\n</b.js>; rel=preload"},
		},
		Body:         []byte(body),
		ConsoleLog:   []types.ConsoleEntry{{Level: "warning", Args: []string{"deprecated"}}},
		RenderTimeMs: 321,
	}
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(nil, testCacheConfig("brotli"), zap.NewNop())
	assert.Error(t, err)

	_, store := setupStore(t, "brotli")
	_, err = NewStore(store.client, testCacheConfig("zstd"), zap.NewNop())
	assert.ErrorIs(t, err, ErrUnsupportedCompression)

	cfg := testCacheConfig("brotli")
	cfg.TTL = 0
	_, err = NewStore(store.client, cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestStore_RoundTrip(t *testing.T) {
	for _, compression := range []string{"brotli", "snappy", "lz4", "none"} {
		t.Run(compression, func(t *testing.T) {
			_, store := setupStore(t, compression)
			ctx := context.Background()
			url := "https://www.example.com/products?page=2"
			want := htmlResult(200, "<html><body>products</body></html>")

			require.NoError(t, store.Set(ctx, "tenant-1", url, want))

			got, ok, err := store.Get(ctx, "tenant-1", url, "Googlebot/2.1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want.StatusCode, got.StatusCode)
			assert.Equal(t, want.Headers, got.Headers)
			assert.Equal(t, want.Body, got.Body)
			assert.Equal(t, want.ConsoleLog, got.ConsoleLog)
			assert.Equal(t, want.RenderTimeMs, got.RenderTimeMs)
		})
	}
}

func TestStore_RoundTripEmptyBody(t *testing.T) {
	_, store := setupStore(t, "brotli")
	ctx := context.Background()

	want := &types.RenderResult{StatusCode: 204, Headers: types.Headers{}, Body: []byte{}}
	require.NoError(t, store.Set(ctx, "t", "https://example.com/empty", want))

	got, ok, err := store.Get(ctx, "t", "https://example.com/empty", "bot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 204, got.StatusCode)
	assert.Empty(t, got.Body)
}

func TestStore_TenantsAreIsolated(t *testing.T) {
	_, store := setupStore(t, "brotli")
	ctx := context.Background()
	url := "https://example.com/"

	require.NoError(t, store.Set(ctx, "a", url, htmlResult(200, "for a")))

	_, ok, err := store.Get(ctx, "b", url, "bot")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_MissStillCountsFetches(t *testing.T) {
	mr, store := setupStore(t, "brotli")
	ctx := context.Background()
	url := "https://example.com/new"

	for i := 0; i < 2; i++ {
		_, ok, err := store.Get(ctx, "t", url, "Googlebot")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	score, err := mr.ZScore("users:t:fetches:2026-10", url)
	require.NoError(t, err)
	assert.Equal(t, float64(2), score)

	score, err = mr.ZScore("users:t:urls:https:com:example/new:u", "Googlebot")
	require.NoError(t, err)
	assert.Equal(t, float64(2), score)

	assert.True(t, mr.TTL("users:t:fetches:2026-10") > 0)
	assert.True(t, mr.TTL("users:t:urls:https:com:example/new:u") > 0)
}

func TestStore_UserAgentRetentionIsBounded(t *testing.T) {
	mr, store := setupStore(t, "brotli")
	ctx := context.Background()
	url := "https://example.com/"

	agents := []string{"a", "a", "a", "b", "b", "c", "d"}
	for _, ua := range agents {
		_, _, err := store.Get(ctx, "t", url, ua)
		require.NoError(t, err)
	}

	members, err := mr.ZMembers("users:t:urls:https:com:example/:u")
	require.NoError(t, err)
	assert.Len(t, members, 3)
	assert.Contains(t, members, "a")
	assert.Contains(t, members, "b")
}

func TestStore_ExpirationIndexGating(t *testing.T) {
	_, store := setupStore(t, "brotli")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "t", "https://example.com/broken", htmlResult(500, "oops")))
	_, ok, err := store.ExpiresAt(ctx, "t", "https://example.com/broken")
	require.NoError(t, err)
	assert.False(t, ok, "failed renders must not be indexed")

	require.NoError(t, store.Set(ctx, "t", "https://example.com/ok", htmlResult(200, "fine")))
	expiresAt, ok, err := store.ExpiresAt(ctx, "t", "https://example.com/ok")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, fixedNow.Add(time.Hour), expiresAt, time.Second)

	// a later failing render drops the entry again
	require.NoError(t, store.Set(ctx, "t", "https://example.com/ok", htmlResult(503, "down")))
	_, ok, err = store.ExpiresAt(ctx, "t", "https://example.com/ok")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_EntriesExpire(t *testing.T) {
	mr, store := setupStore(t, "brotli")
	ctx := context.Background()
	url := "https://example.com/ttl"

	require.NoError(t, store.Set(ctx, "t", url, htmlResult(200, "x")))
	mr.FastForward(time.Hour + time.Second)

	_, ok, err := store.Get(ctx, "t", url, "bot")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SetIncrementsRenderCounters(t *testing.T) {
	mr, store := setupStore(t, "brotli")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "t", "https://example.com/a", htmlResult(200, "a")))
	require.NoError(t, store.Set(ctx, "t", "https://example.com/b", htmlResult(404, "b")))

	month, err := mr.Get("users:t:renderCounts:2026-10")
	require.NoError(t, err)
	assert.Equal(t, "2", month)

	day, err := mr.Get("users:t:renderCounts:2026-10-16")
	require.NoError(t, err)
	assert.Equal(t, "2", day)
}

func TestStore_LegacyUncompressedBody(t *testing.T) {
	mr, store := setupStore(t, "brotli")
	ctx := context.Background()
	url := "https://example.com/legacy"

	require.NoError(t, mr.Set("users:t:urls:https:com:example/legacy:m",
		`{"statusCode":200,"responseHeaders":{"content-type":"text/html"},"renderTimeMs":10}`))
	require.NoError(t, mr.Set("users:t:urls:https:com:example/legacy:d", "<html>raw</html>"))

	got, ok, err := store.Get(ctx, "t", url, "bot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<html>raw</html>", string(got.Body))
	v, _ := got.Headers.Get("content-type")
	assert.Equal(t, "text/html", v)
}

func TestStore_MetadataWithoutBodyIsMiss(t *testing.T) {
	mr, store := setupStore(t, "brotli")
	require.NoError(t, mr.Set("users:t:urls:https:com:example/half:m", `{"v":2,"statusCode":200,"encoding":"br"}`))

	_, ok, err := store.Get(context.Background(), "t", "https://example.com/half", "bot")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Flush(t *testing.T) {
	mr, store := setupStore(t, "brotli")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "t1", "https://example.com/a", htmlResult(200, "a")))
	require.NoError(t, store.Set(ctx, "t1", "https://example.com/b", htmlResult(200, "b")))
	_, _, err := store.Get(ctx, "t1", "https://example.com/a", "bot") // adds the :u key
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "t2", "https://example.com/a", htmlResult(200, "other")))

	deleted, err := store.Flush(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, ok, err := store.Get(ctx, "t1", "https://example.com/a", "bot")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Get(ctx, "t2", "https://example.com/a", "bot")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := mr.ZMembers(redis.ExpirationIndexKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2|https://example.com/a"}, members)

	// counters survive a flush
	assert.True(t, mr.Exists("users:t1:renderCounts:2026-10"))

	_, err = store.Flush(ctx, "")
	assert.Error(t, err)
}

func TestStore_GetMonthlyCounts(t *testing.T) {
	mr, store := setupStore(t, "brotli")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "t", "https://example.com/", htmlResult(200, "x")))
	require.NoError(t, mr.Set("users:t:renderCounts:2025-10", "7"))
	require.NoError(t, mr.Set("users:t:renderCounts:2025-09", "99")) // outside the window
	require.NoError(t, mr.Set("users:t:renderCounts:2026-02", "3"))

	counts, err := store.GetMonthlyCounts(ctx, "t")
	require.NoError(t, err)
	require.Len(t, counts, 13)

	assert.Equal(t, types.MonthlyCount{Month: "2025-10", Count: 7}, counts[0])
	assert.Equal(t, types.MonthlyCount{Month: "2026-02", Count: 3}, counts[4])
	assert.Equal(t, types.MonthlyCount{Month: "2026-05", Count: 0}, counts[7])
	assert.Equal(t, types.MonthlyCount{Month: "2026-10", Count: 1}, counts[12])
}

func TestStore_PopularityScore(t *testing.T) {
	mr, store := setupStore(t, "brotli")
	ctx := context.Background()
	url := "https://example.com/popular"

	score, err := store.PopularityScore(ctx, "t", url)
	require.NoError(t, err)
	assert.Equal(t, int64(0), score)

	_, err = mr.ZAdd("users:t:fetches:2026-09", 3, url)
	require.NoError(t, err)
	_, err = mr.ZAdd("users:t:fetches:2026-08", 50, url) // too old
	require.NoError(t, err)
	_, _, err = store.Get(ctx, "t", url, "bot")
	require.NoError(t, err)

	score, err = store.PopularityScore(ctx, "t", url)
	require.NoError(t, err)
	assert.Equal(t, int64(4), score)
}

func TestStore_PopularityScore_CurrentMonthOnly(t *testing.T) {
	mr, store := setupStore(t, "brotli")
	ctx := context.Background()
	url := "https://example.com/fresh"

	require.NoError(t, store.Set(ctx, "t", url, htmlResult(200, "fresh")))
	for i := 0; i < 2; i++ {
		_, _, err := store.Get(ctx, "t", url, "bot")
		require.NoError(t, err)
	}
	assert.False(t, mr.Exists("users:t:fetches:2026-09"))

	score, err := store.PopularityScore(ctx, "t", url)
	require.NoError(t, err)
	assert.Equal(t, int64(2), score)
}

func TestStore_ExpiringEntries(t *testing.T) {
	_, store := setupStore(t, "brotli")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "t1", "https://example.com/a", htmlResult(200, "a")))
	require.NoError(t, store.Set(ctx, "t2", "https://example.com/b|c", htmlResult(200, "b")))

	entries, err := store.ExpiringEntries(ctx, fixedNow.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing expires within 30 minutes")

	entries, err = store.ExpiringEntries(ctx, fixedNow.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	limited, err := store.ExpiringEntries(ctx, fixedNow.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byTenant := map[string]types.ExpiringEntry{}
	for _, e := range entries {
		byTenant[e.TenantID] = e
	}
	assert.Equal(t, "https://example.com/b|c", byTenant["t2"].URL)
	assert.Equal(t, fixedNow.Add(time.Hour).UnixMilli(), byTenant["t1"].ExpiresAt)

	require.NoError(t, store.RemoveExpiring(ctx, byTenant["t1"]))
	entries, err = store.ExpiringEntries(ctx, fixedNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	pruned, err := store.PruneExpiring(ctx, fixedNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestTrailingMonths(t *testing.T) {
	// month arithmetic starts from the first of the month, so the 31st never skips
	months := trailingMonths(time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC), 3)
	assert.Equal(t, []string{"2026-01", "2026-02", "2026-03"}, months)

	months = trailingMonths(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC), 2)
	assert.Equal(t, []string{"2025-12", "2026-01"}, months)
}
