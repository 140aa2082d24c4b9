// Package settings resolves the effective per-device event log policy
// from organization defaults and device-level overrides.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LanternOps/breeze-sub017/internal/models"
	"github.com/LanternOps/breeze-sub017/internal/repository"
)

const (
	// DefaultMinimumLevel applies when no scope sets a minimum.
	DefaultMinimumLevel = models.LevelInfo

	// DefaultRateLimitPerHour applies when no scope sets a budget.
	DefaultRateLimitPerHour int64 = 10000
)

// FallbackPolicy is the conservative policy the gateway substitutes
// when resolution fails outright: no severity filtering, low budget.
func FallbackPolicy() models.EventLogPolicy {
	return models.EventLogPolicy{
		MinimumLevel:     models.LevelInfo,
		RateLimitPerHour: 500,
	}
}

type cachedPolicy struct {
	policy    models.EventLogPolicy
	fetchedAt time.Time
}

// Resolver merges org and device scope settings. Resolved policies are
// held in an explicit TTL cache checked at access time; stale entries
// are refetched synchronously.
type Resolver struct {
	repo repository.Repository
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[string]cachedPolicy
}

func NewResolver(repo repository.Repository, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		repo:  repo,
		ttl:   cacheTTL,
		cache: make(map[string]cachedPolicy),
	}
}

// Resolve returns the effective policy for a device. Precedence:
// device override > org setting > package default, per field.
// A missing settings row at either scope is not an error; a storage
// failure is, and the caller is expected to substitute FallbackPolicy.
func (r *Resolver) Resolve(ctx context.Context, device *models.Device) (*models.EventLogPolicy, error) {
	r.mu.RLock()
	entry, ok := r.cache[device.ID]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < r.ttl {
		p := entry.policy
		return &p, nil
	}

	policy := models.EventLogPolicy{
		MinimumLevel:     DefaultMinimumLevel,
		RateLimitPerHour: DefaultRateLimitPerHour,
	}

	orgSettings, err := r.repo.GetOrgEventLogSettings(ctx, device.OrgID)
	if err != nil && !errors.Is(err, repository.ErrSettingsNotFound) {
		return nil, fmt.Errorf("resolve org settings: %w", err)
	}
	applySettings(&policy, orgSettings)

	deviceSettings, err := r.repo.GetDeviceEventLogSettings(ctx, device.ID)
	if err != nil && !errors.Is(err, repository.ErrSettingsNotFound) {
		return nil, fmt.Errorf("resolve device settings: %w", err)
	}
	applySettings(&policy, deviceSettings)

	r.mu.Lock()
	r.cache[device.ID] = cachedPolicy{policy: policy, fetchedAt: time.Now()}
	r.mu.Unlock()

	p := policy
	return &p, nil
}

// Invalidate drops the cached policy for a device, forcing the next
// Resolve to hit storage.
func (r *Resolver) Invalidate(deviceID string) {
	r.mu.Lock()
	delete(r.cache, deviceID)
	r.mu.Unlock()
}

func applySettings(policy *models.EventLogPolicy, s *models.EventLogSettings) {
	if s == nil {
		return
	}
	if s.MinimumLevel != nil && s.MinimumLevel.Valid() {
		policy.MinimumLevel = *s.MinimumLevel
	}
	if s.RateLimitPerHour != nil && *s.RateLimitPerHour > 0 {
		policy.RateLimitPerHour = *s.RateLimitPerHour
	}
}
