package forwarding

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/LanternOps/breeze-sub017/internal/models"
)

// SinkClient is one organization's handle to its document sink.
type SinkClient struct {
	os        *opensearch.Client
	transport *http.Transport
	config    models.OrgForwardingConfig
	createdAt time.Time
	closeOnce sync.Once

	// onClose is an optional release hook, observed by tests.
	onClose func()
}

// OS exposes the underlying client for bulk submission.
func (c *SinkClient) OS() *opensearch.Client { return c.os }

// Config returns the config snapshot the handle was built from.
func (c *SinkClient) Config() models.OrgForwardingConfig { return c.config }

// Close releases the handle's connection resources. Safe to call more
// than once; only the first call has effect.
func (c *SinkClient) Close() {
	c.closeOnce.Do(func() {
		if c.transport != nil {
			c.transport.CloseIdleConnections()
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func newSinkClient(cfg *models.OrgForwardingConfig) (*SinkClient, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
	}

	osCfg := opensearch.Config{
		Addresses: []string{cfg.Endpoint},
		Transport: transport,
	}
	if cfg.APIKey != "" {
		osCfg.Header = http.Header{"Authorization": []string{"ApiKey " + cfg.APIKey}}
	} else {
		osCfg.Username = cfg.Username
		osCfg.Password = cfg.Password
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("create sink client: %w", err)
	}

	return &SinkClient{
		os:        client,
		transport: transport,
		config:    *cfg,
		createdAt: time.Now(),
	}, nil
}

// ClientCache holds per-organization sink clients with a fixed TTL.
// Expired entries are rebuilt synchronously at access time and the
// superseded handle is released. Config changes are only observed once
// the TTL elapses; that staleness window is accepted.
type ClientCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*SinkClient

	// build is swappable for tests.
	build func(cfg *models.OrgForwardingConfig) (*SinkClient, error)
}

func NewClientCache(ttl time.Duration) *ClientCache {
	return &ClientCache{
		ttl:     ttl,
		entries: make(map[string]*SinkClient),
		build:   newSinkClient,
	}
}

// Get returns a cached handle younger than the TTL, or builds a fresh
// one from cfg and releases the old handle.
func (c *ClientCache) Get(orgID string, cfg *models.OrgForwardingConfig) (*SinkClient, error) {
	c.mu.RLock()
	entry, ok := c.entries[orgID]
	c.mu.RUnlock()
	if ok && time.Since(entry.createdAt) < c.ttl {
		return entry, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have rebuilt while we waited for the lock.
	if entry, ok := c.entries[orgID]; ok && time.Since(entry.createdAt) < c.ttl {
		return entry, nil
	}

	fresh, err := c.build(cfg)
	if err != nil {
		return nil, err
	}

	if old, ok := c.entries[orgID]; ok {
		old.Close()
		slog.Debug("sink client rebuilt", slog.String("org_id", orgID))
	}
	c.entries[orgID] = fresh
	return fresh, nil
}

// Close releases every cached handle. Called on process shutdown.
func (c *ClientCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for orgID, entry := range c.entries {
		entry.Close()
		delete(c.entries, orgID)
	}
}
