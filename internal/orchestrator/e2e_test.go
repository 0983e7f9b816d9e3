package orchestrator_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/cache"
	"github.com/acorn1010/render/internal/common/configtypes"
	"github.com/acorn1010/render/internal/common/redis"
	"github.com/acorn1010/render/internal/lock"
	"github.com/acorn1010/render/internal/orchestrator"
	"github.com/acorn1010/render/internal/refetch"
	"github.com/acorn1010/render/internal/render/chrome"
	"github.com/acorn1010/render/internal/render/chrome/chrometest"
	"github.com/acorn1010/render/internal/tenant"
	"github.com/acorn1010/render/pkg/types"
)

type environment struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	store    *cache.Store
	tenants  *tenant.Store
	launcher *chrometest.Launcher
	fetcher  *chrometest.Fetcher
	pool     *chrome.Pool
	orch     *orchestrator.Orchestrator
}

func newEnvironment() *environment {
	env := &environment{}
	logger := zap.NewNop()

	var err error
	env.mr, err = miniredis.Run()
	Expect(err).NotTo(HaveOccurred())

	env.client, err = redis.NewClient(&configtypes.RedisConfig{Addr: env.mr.Addr()}, logger)
	Expect(err).NotTo(HaveOccurred())

	env.store, err = cache.NewStore(env.client, configtypes.CacheConfig{
		TTL:         types.Duration(time.Hour),
		Compression: configtypes.CompressionBrotli,
	}, logger)
	Expect(err).NotTo(HaveOccurred())

	env.tenants, err = tenant.NewStore(env.client, logger)
	Expect(err).NotTo(HaveOccurred())

	cfg := chrome.DefaultConfig()
	cfg.MaxOutstanding = "2"
	env.launcher = chrometest.NewLauncher()
	env.fetcher = &chrometest.Fetcher{}
	env.pool, err = chrome.NewPool(cfg, env.launcher, env.fetcher, logger)
	Expect(err).NotTo(HaveOccurred())

	env.orch, err = orchestrator.New(orchestrator.Config{WriteTimeout: 5 * time.Second},
		env.pool, env.store, env.tenants, logger)
	Expect(err).NotTo(HaveOccurred())
	return env
}

func (env *environment) close() {
	env.orch.Wait()
	_ = env.pool.Shutdown(5 * time.Second)
	_ = env.client.Close()
	env.mr.Close()
}

var _ = Describe("Resolve", func() {
	var (
		env *environment
		ctx context.Context
	)

	BeforeEach(func() {
		env = newEnvironment()
		ctx = context.Background()
		DeferCleanup(env.close)
	})

	bot := types.Headers{{Name: "user-agent", Value: "Googlebot/2.1"}}

	Context("with no cached entry", func() {
		It("renders, returns the page and caches it", func() {
			result, err := env.orch.Resolve(ctx, "t1", "https://example.com/", bot, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.StatusCode).To(Equal(200))
			Expect(string(result.Body)).To(Equal("<html><body>https://example.com/</body></html>"))

			Eventually(func(g Gomega) {
				cached, ok, err := env.store.Get(ctx, "t1", "https://example.com/", "Googlebot/2.1")
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(ok).To(BeTrue())
				g.Expect(cached.Body).To(Equal(result.Body))
			}).WithTimeout(2 * time.Second).WithPolling(10 * time.Millisecond).Should(Succeed())

			_, indexed, err := env.store.ExpiresAt(ctx, "t1", "https://example.com/")
			Expect(err).NotTo(HaveOccurred())
			Expect(indexed).To(BeTrue())
		})

		It("serves the second request from the cache", func() {
			_, err := env.orch.Resolve(ctx, "t1", "https://example.com/page", bot, "")
			Expect(err).NotTo(HaveOccurred())
			env.orch.Wait()

			result, err := env.orch.Resolve(ctx, "t1", "https://example.com/page", bot, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.StatusCode).To(Equal(200))
			Expect(env.launcher.Loads()).To(Equal(int64(1)))
		})

		It("counts every lookup toward popularity", func() {
			for i := 0; i < 2; i++ {
				_, err := env.orch.Resolve(ctx, "t1", "https://example.com/hot", bot, "")
				Expect(err).NotTo(HaveOccurred())
				env.orch.Wait()
			}
			score, err := env.store.PopularityScore(ctx, "t1", "https://example.com/hot")
			Expect(err).NotTo(HaveOccurred())
			Expect(score).To(Equal(int64(2)))
		})
	})

	Context("when navigation is aborted", func() {
		BeforeEach(func() {
			env.launcher.SetHandler(func(context.Context, chrome.PageRequest) (*chrome.PageResult, error) {
				return nil, chrometest.ErrAborted
			})
		})

		It("returns the plain fetch result instead of an error", func() {
			result, err := env.orch.Resolve(ctx, "t1", "https://example.com/report.pdf", bot, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.StatusCode).To(Equal(200))
			Expect(string(result.Body)).To(Equal("%PDF-1.7 https://example.com/report.pdf"))
			Expect(env.fetcher.Calls()).To(Equal(int64(1)))
		})
	})

	Context("when the host does not resolve", func() {
		BeforeEach(func() {
			env.launcher.SetHandler(func(context.Context, chrome.PageRequest) (*chrome.PageResult, error) {
				return nil, chrometest.ErrNameNotResolved
			})
		})

		It("caches a 404 without indexing it", func() {
			result, err := env.orch.Resolve(ctx, "t1", "https://gone.example.com/", bot, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.StatusCode).To(Equal(404))
			env.orch.Wait()

			cached, ok, err := env.store.Get(ctx, "t1", "https://gone.example.com/", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(cached.StatusCode).To(Equal(404))

			_, indexed, err := env.store.ExpiresAt(ctx, "t1", "https://gone.example.com/")
			Expect(err).NotTo(HaveOccurred())
			Expect(indexed).To(BeFalse())
		})
	})

	Context("when the engine fails", func() {
		BeforeEach(func() {
			env.launcher.SetHandler(func(context.Context, chrome.PageRequest) (*chrome.PageResult, error) {
				return nil, chrometest.ErrCrashed
			})
		})

		It("surfaces a render failure and caches nothing", func() {
			_, err := env.orch.Resolve(ctx, "t1", "https://example.com/", bot, "")
			Expect(err).To(MatchError(orchestrator.ErrRenderFailed))
			Expect(err).To(MatchError(chrome.ErrEngineFatal))
			env.orch.Wait()

			_, ok, err := env.store.Get(ctx, "t1", "https://example.com/", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Context("when the tenant has a regex404", func() {
		BeforeEach(func() {
			env.mr.HSet("users:t1", "regex404", `"^Not Found"`)
			env.launcher.SetHandler(func(_ context.Context, req chrome.PageRequest) (*chrome.PageResult, error) {
				return &chrome.PageResult{
					StatusCode: 200,
					Headers:    types.Headers{{Name: "content-type", Value: "text/html"}},
					Body:       []byte("<html><head><title>Not Found</title></head><body></body></html>"),
				}, nil
			})
		})

		It("turns matching pages into 404s", func() {
			result, err := env.orch.Resolve(ctx, "t1", "https://example.com/missing", bot, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.StatusCode).To(Equal(404))
		})
	})

	Context("with a bare path", func() {
		It("resolves it against the referer", func() {
			result, err := env.orch.Resolve(ctx, "t1", "/pricing", bot, "http://localhost:3000/https://example.com/")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(result.Body)).To(ContainSubstring("https://example.com/pricing"))
		})

		It("rejects it without a referer", func() {
			_, err := env.orch.Resolve(ctx, "t1", "/pricing", bot, "")
			Expect(err).To(MatchError(orchestrator.ErrInvalidURL))
			Expect(env.launcher.Loads()).To(BeZero())
		})
	})
})

var _ = Describe("Background refresh", func() {
	var (
		env       *environment
		ctx       context.Context
		refetcher *refetch.Refetcher
	)

	bot := types.Headers{{Name: "user-agent", Value: "Googlebot/2.1"}}

	BeforeEach(func() {
		env = newEnvironment()
		ctx = context.Background()
		DeferCleanup(env.close)

		env.mr.HSet("users:t1", "shouldRefreshCache", "true")

		locks, err := lock.NewService(env.client, configtypes.LockConfig{}, "e2e", zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		// ten minutes before entries cached now expire
		passTime := time.Now().Add(50 * time.Minute)
		refetcher, err = refetch.New(configtypes.RefetchConfig{
			Enabled:       true,
			PollInterval:  types.Duration(10 * time.Millisecond),
			Buffer:        types.Duration(15 * time.Minute),
			BatchSize:     100,
			Lease:         types.Duration(35 * time.Second),
			MinPopularity: 2,
		}, env.pool, env.store, locks, env.orch, env.tenants, zap.NewNop(),
			refetch.WithClock(func() time.Time { return passTime }),
			refetch.WithShuffle(func(int, func(i, j int)) {}))
		Expect(err).NotTo(HaveOccurred())
	})

	resolve := func(url string, times int) {
		for i := 0; i < times; i++ {
			_, err := env.orch.Resolve(ctx, "t1", url, bot, "")
			Expect(err).NotTo(HaveOccurred())
			env.orch.Wait()
		}
	}

	It("re-renders popular entries and drops unpopular ones", func() {
		resolve("https://example.com/hot", 2)
		resolve("https://example.com/cold", 1)
		Expect(env.launcher.Loads()).To(Equal(int64(2)))

		stats := refetcher.RunOnce(ctx)

		Expect(stats.Refreshed).To(Equal(1))
		Expect(stats.Skipped).To(Equal(1))
		Expect(env.launcher.Loads()).To(Equal(int64(3)))
		Expect(env.mr.Exists("urlExpiresAt:workers:t1|https://example.com/hot")).To(BeFalse())

		_, indexed, err := env.store.ExpiresAt(ctx, "t1", "https://example.com/hot")
		Expect(err).NotTo(HaveOccurred())
		Expect(indexed).To(BeTrue())

		_, indexed, err = env.store.ExpiresAt(ctx, "t1", "https://example.com/cold")
		Expect(err).NotTo(HaveOccurred())
		Expect(indexed).To(BeFalse())
	})
})
