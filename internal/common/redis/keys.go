package redis

import (
	"fmt"
	"strings"
)

const (
	tenantKeyPrefix = "users:"

	// ExpirationIndexKey is the sorted set of cached URLs scored by expiry (unix ms).
	ExpirationIndexKey = "urlExpiresAt"
	// TokensKey is the hash of API token -> tenant id.
	TokensKey = "tokens"

	lockKeyPrefix = ExpirationIndexKey + ":workers:"
	memberSep     = "|"
)

// Suffixes of the keys making up one cache entry
const (
	SuffixMetadata   = ":m"
	SuffixBody       = ":d"
	SuffixUserAgents = ":u"
)

// KeyGenerator builds every Redis key the proxy uses. All per-tenant keys start
// with "users:{tenant}:" so one pattern can address a tenant's whole cache.
type KeyGenerator struct{}

func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{}
}

// TenantKey is the tenant's settings hash.
func (kg *KeyGenerator) TenantKey(tenantID string) string {
	return tenantKeyPrefix + tenantID
}

// EntryKey is the common prefix of one cache entry's keys.
func (kg *KeyGenerator) EntryKey(tenantID, canonicalKey string) string {
	return tenantKeyPrefix + tenantID + ":urls:" + canonicalKey
}

func (kg *KeyGenerator) MetadataKey(tenantID, canonicalKey string) string {
	return kg.EntryKey(tenantID, canonicalKey) + SuffixMetadata
}

func (kg *KeyGenerator) BodyKey(tenantID, canonicalKey string) string {
	return kg.EntryKey(tenantID, canonicalKey) + SuffixBody
}

func (kg *KeyGenerator) UserAgentsKey(tenantID, canonicalKey string) string {
	return kg.EntryKey(tenantID, canonicalKey) + SuffixUserAgents
}

// EntryPattern matches every cache entry key of a tenant (SCAN MATCH syntax).
func (kg *KeyGenerator) EntryPattern(tenantID string) string {
	return tenantKeyPrefix + escapeGlob(tenantID) + ":urls:*"
}

// FetchesKey is the sorted set url -> lookups for one month (yyyy-mm).
func (kg *KeyGenerator) FetchesKey(tenantID, month string) string {
	return tenantKeyPrefix + tenantID + ":fetches:" + month
}

// RenderCountKey is the render counter for a month (yyyy-mm) or day (yyyy-mm-dd).
func (kg *KeyGenerator) RenderCountKey(tenantID, period string) string {
	return tenantKeyPrefix + tenantID + ":renderCounts:" + period
}

// ExpirationMember is the expiration index member for (tenant, url).
func (kg *KeyGenerator) ExpirationMember(tenantID, url string) string {
	return tenantID + memberSep + url
}

// ExpirationMemberPattern matches a tenant's members in the expiration index.
func (kg *KeyGenerator) ExpirationMemberPattern(tenantID string) string {
	return escapeGlob(tenantID) + memberSep + "*"
}

// ParseExpirationMember splits an expiration index member into tenant and url.
func (kg *KeyGenerator) ParseExpirationMember(member string) (tenantID, url string, err error) {
	tenantID, url, ok := strings.Cut(member, memberSep)
	if !ok || tenantID == "" || url == "" {
		return "", "", fmt.Errorf("invalid expiration member: %q", member)
	}
	return tenantID, url, nil
}

// LockKey is the render lease key for (tenant, url).
func (kg *KeyGenerator) LockKey(tenantID, url string) string {
	return lockKeyPrefix + kg.ExpirationMember(tenantID, url)
}

// escapeGlob escapes Redis MATCH metacharacters.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
