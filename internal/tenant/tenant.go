// Package tenant reads tenant settings and API tokens from the shared Redis.
// The records are owned by the account service; the proxy only reads them and
// rotates tokens on request.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/redis"
	"github.com/acorn1010/render/pkg/types"
)

// ErrUnknownToken is returned when a token maps to no tenant.
var ErrUnknownToken = errors.New("unknown token")

// Hash fields of the tenant record. Values are JSON encoded.
const (
	fieldShouldRefreshCache = "shouldRefreshCache"
	fieldIgnoredPaths       = "ignoredPaths"
	fieldRegex404           = "regex404"
	fieldToken              = "token"
)

// rotateTokenScript swaps a tenant's API token atomically.
//
// KEYS[1] tenant hash, KEYS[2] token index
// ARGV[1] tenant id, ARGV[2] new token, ARGV[3] new token JSON encoded
var rotateTokenScript = goredis.NewScript(`
local old = redis.call("HGET", KEYS[1], "token")
if old then
  local plain = string.match(old, '^"(.*)"$') or old
  if redis.call("HGET", KEYS[2], plain) == ARGV[1] then
    redis.call("HDEL", KEYS[2], plain)
  end
end
redis.call("HSET", KEYS[1], "token", ARGV[3])
redis.call("HSET", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// Store reads tenant records.
type Store struct {
	client *redis.Client
	keys   *redis.KeyGenerator
	logger *zap.Logger
}

func NewStore(client *redis.Client, logger *zap.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Store{client: client, keys: redis.NewKeyGenerator(), logger: logger}, nil
}

// Settings returns the tenant's settings. Missing fields take their zero value,
// so refresh stays off until a tenant opts in.
func (s *Store) Settings(ctx context.Context, tenantID string) (types.TenantSettings, error) {
	var settings types.TenantSettings

	values, err := s.client.HMGet(ctx, s.keys.TenantKey(tenantID),
		fieldShouldRefreshCache, fieldIgnoredPaths, fieldRegex404)
	if err != nil {
		return settings, fmt.Errorf("failed to read tenant settings: %w", err)
	}

	targets := []interface{}{&settings.ShouldRefreshCache, &settings.IgnoredPaths, &settings.Regex404}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(raw), targets[i]); err != nil {
			return settings, fmt.Errorf("invalid tenant setting %s for %s: %w", fieldName(i), tenantID, err)
		}
	}
	return settings, nil
}

// TenantIDByToken resolves an API token to its tenant id.
func (s *Store) TenantIDByToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnknownToken
	}
	tenantID, ok, err := s.client.HGet(ctx, redis.TokensKey, token)
	if err != nil {
		return "", err
	}
	if !ok || tenantID == "" {
		return "", ErrUnknownToken
	}
	return tenantID, nil
}

// RotateToken issues a new API token for the tenant and retires the old one.
func (s *Store) RotateToken(ctx context.Context, tenantID string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant id is required")
	}

	token := uuid.NewString()
	encoded, err := json.Marshal(token)
	if err != nil {
		return "", err
	}

	if _, err := s.client.RunScript(ctx, rotateTokenScript,
		[]string{s.keys.TenantKey(tenantID), redis.TokensKey},
		tenantID, token, string(encoded)); err != nil {
		return "", fmt.Errorf("failed to rotate token: %w", err)
	}

	s.logger.Info("Rotated tenant token", zap.String("tenant_id", tenantID))
	return token, nil
}

func fieldName(i int) string {
	return []string{fieldShouldRefreshCache, fieldIgnoredPaths, fieldRegex404}[i]
}
