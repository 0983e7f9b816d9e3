package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyGenerator_EntryKeys(t *testing.T) {
	kg := NewKeyGenerator()
	key := "https:com:example/a"

	assert.Equal(t, "users:t1:urls:https:com:example/a:m", kg.MetadataKey("t1", key))
	assert.Equal(t, "users:t1:urls:https:com:example/a:d", kg.BodyKey("t1", key))
	assert.Equal(t, "users:t1:urls:https:com:example/a:u", kg.UserAgentsKey("t1", key))
	assert.Equal(t, "users:t1:urls:*", kg.EntryPattern("t1"))
	assert.Equal(t, "users:t1", kg.TenantKey("t1"))
}

func TestKeyGenerator_Counters(t *testing.T) {
	kg := NewKeyGenerator()
	assert.Equal(t, "users:t1:fetches:2026-10", kg.FetchesKey("t1", "2026-10"))
	assert.Equal(t, "users:t1:renderCounts:2026-10", kg.RenderCountKey("t1", "2026-10"))
	assert.Equal(t, "users:t1:renderCounts:2026-10-16", kg.RenderCountKey("t1", "2026-10-16"))
}

func TestKeyGenerator_ExpirationMember(t *testing.T) {
	kg := NewKeyGenerator()
	member := kg.ExpirationMember("t1", "https://example.com/a?b=c|d")
	assert.Equal(t, "t1|https://example.com/a?b=c|d", member)

	tenant, url, err := kg.ParseExpirationMember(member)
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant)
	assert.Equal(t, "https://example.com/a?b=c|d", url)

	_, _, err = kg.ParseExpirationMember("no-separator")
	assert.Error(t, err)
	_, _, err = kg.ParseExpirationMember("|https://example.com/")
	assert.Error(t, err)

	assert.Equal(t, "urlExpiresAt:workers:t1|https://example.com/", kg.LockKey("t1", "https://example.com/"))
	assert.Equal(t, "t1|*", kg.ExpirationMemberPattern("t1"))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, "plain", escapeGlob("plain"))
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
	assert.Equal(t, `users:t\*:urls:*`, NewKeyGenerator().EntryPattern("t*"))
}
