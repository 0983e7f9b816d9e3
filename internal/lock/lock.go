// Package lock provides short-lived render leases keyed by (tenant, url), so at
// most one proxy process renders a URL at a time.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/configtypes"
	"github.com/acorn1010/render/internal/common/redis"
)

// releaseOwnedScript deletes the lease only while it still carries our token.
var releaseOwnedScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a granted lock. The holder must stop relying on it once Expired.
type Lease struct {
	TenantID   string
	URL        string
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Expired reports whether the lease has run out at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.AcquiredAt.Add(l.TTL))
}

// Service grants and releases leases.
//
// By default Release deletes the key unconditionally. If a lease expired and
// another process took it over, that newer lease is deleted too; callers avoid
// this by checking Expired first. With strict release the key is deleted only
// while it still holds this lease's token.
type Service struct {
	client  *redis.Client
	keys    *redis.KeyGenerator
	ownerID string
	strict  bool
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(client *redis.Client, cfg configtypes.LockConfig, ownerID string, logger *zap.Logger) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if ownerID == "" {
		ownerID = "render-proxy"
	}
	return &Service{
		client:  client,
		keys:    redis.NewKeyGenerator(),
		ownerID: ownerID,
		strict:  cfg.StrictRelease,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Acquire tries to take the lease for (tenant, url). It returns false, with a
// nil error, when another holder has a live lease.
func (s *Service) Acquire(ctx context.Context, tenantID, url string, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lease ttl must be positive")
	}

	lease := &Lease{
		TenantID:   tenantID,
		URL:        url,
		Key:        s.keys.LockKey(tenantID, url),
		Token:      s.ownerID + ":" + uuid.NewString(),
		AcquiredAt: s.now(),
		TTL:        ttl,
	}

	ok, err := s.client.SetNX(ctx, lease.Key, lease.Token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	s.logger.Debug("Lease acquired",
		zap.String("tenant_id", tenantID),
		zap.String("url", url),
		zap.Duration("ttl", ttl))
	return lease, true, nil
}

// Release gives the lease back. Returns whether a key was deleted.
func (s *Service) Release(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}

	if s.strict {
		res, err := s.client.RunScript(ctx, releaseOwnedScript, []string{lease.Key}, lease.Token)
		if err != nil {
			return false, fmt.Errorf("failed to release lease: %w", err)
		}
		n, _ := res.(int64)
		if n == 0 {
			s.logger.Debug("Lease no longer owned, left in place",
				zap.String("tenant_id", lease.TenantID),
				zap.String("url", lease.URL))
		}
		return n > 0, nil
	}

	n, err := s.client.Del(ctx, lease.Key)
	if err != nil {
		return false, fmt.Errorf("failed to release lease: %w", err)
	}
	return n > 0, nil
}

// Now returns the service clock, so callers check Expired against the same time source.
func (s *Service) Now() time.Time {
	return s.now()
}
