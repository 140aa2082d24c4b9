package forwarding

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LanternOps/breeze-sub017/internal/models"
)

func testForwardingConfig(orgID string) *models.OrgForwardingConfig {
	return &models.OrgForwardingConfig{
		OrgID:       orgID,
		Enabled:     true,
		Endpoint:    "https://sink.example.com:9200",
		Username:    "admin",
		Password:    "admin",
		IndexPrefix: "breeze",
	}
}

func TestClientCache_ReusesWithinTTL(t *testing.T) {
	cache := NewClientCache(time.Minute)

	var builds atomic.Int32
	cache.build = func(cfg *models.OrgForwardingConfig) (*SinkClient, error) {
		builds.Add(1)
		return &SinkClient{config: *cfg, createdAt: time.Now()}, nil
	}

	cfg := testForwardingConfig("org-1")
	first, err := cache.Get("org-1", cfg)
	require.NoError(t, err)
	second, err := cache.Get("org-1", cfg)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), builds.Load())
}

func TestClientCache_RebuildsAfterTTL(t *testing.T) {
	cache := NewClientCache(20 * time.Millisecond)

	var builds atomic.Int32
	cache.build = func(cfg *models.OrgForwardingConfig) (*SinkClient, error) {
		builds.Add(1)
		return &SinkClient{config: *cfg, createdAt: time.Now()}, nil
	}

	cfg := testForwardingConfig("org-1")
	first, err := cache.Get("org-1", cfg)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	second, err := cache.Get("org-1", cfg)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), builds.Load())
}

func TestClientCache_ReleasesSupersededHandleOnce(t *testing.T) {
	cache := NewClientCache(20 * time.Millisecond)

	var releases atomic.Int32
	cache.build = func(cfg *models.OrgForwardingConfig) (*SinkClient, error) {
		return &SinkClient{
			config:    *cfg,
			createdAt: time.Now(),
			onClose:   func() { releases.Add(1) },
		}, nil
	}

	cfg := testForwardingConfig("org-1")
	first, err := cache.Get("org-1", cfg)
	require.NoError(t, err)

	// The live handle is not released within the TTL.
	_, err = cache.Get("org-1", cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(0), releases.Load())

	time.Sleep(30 * time.Millisecond)

	second, err := cache.Get("org-1", cfg)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	// Exactly one release: the superseded handle, not the fresh one.
	assert.Equal(t, int32(1), releases.Load())

	// A second Close of the old handle is a no-op.
	first.Close()
	assert.Equal(t, int32(1), releases.Load())
}

func TestClientCache_IsolatesOrgs(t *testing.T) {
	cache := NewClientCache(time.Minute)
	cache.build = func(cfg *models.OrgForwardingConfig) (*SinkClient, error) {
		return &SinkClient{config: *cfg, createdAt: time.Now()}, nil
	}

	a, err := cache.Get("org-a", testForwardingConfig("org-a"))
	require.NoError(t, err)
	b, err := cache.Get("org-b", testForwardingConfig("org-b"))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, "org-a", a.Config().OrgID)
	assert.Equal(t, "org-b", b.Config().OrgID)
}

func TestSinkClient_CloseIsIdempotent(t *testing.T) {
	client, err := newSinkClient(testForwardingConfig("org-1"))
	require.NoError(t, err)

	// Repeated Close must not panic or double-release.
	client.Close()
	client.Close()
	client.Close()
}

func TestClientCache_CloseReleasesAll(t *testing.T) {
	cache := NewClientCache(time.Minute)
	cache.build = func(cfg *models.OrgForwardingConfig) (*SinkClient, error) {
		return &SinkClient{config: *cfg, createdAt: time.Now()}, nil
	}

	_, err := cache.Get("org-a", testForwardingConfig("org-a"))
	require.NoError(t, err)
	_, err = cache.Get("org-b", testForwardingConfig("org-b"))
	require.NoError(t, err)

	cache.Close()

	cache.mu.RLock()
	defer cache.mu.RUnlock()
	assert.Empty(t, cache.entries)
}
