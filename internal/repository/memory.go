package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/LanternOps/breeze-sub017/internal/models"
)

// InMemoryRepository backs tests and single-node development setups.
type InMemoryRepository struct {
	mu             sync.RWMutex
	devices        map[string]*models.Device
	events         map[string]models.EventRecord
	orgSettings    map[string]*models.EventLogSettings
	deviceSettings map[string]*models.EventLogSettings
	forwarding     map[string]*models.OrgForwardingConfig

	// InsertErrAfter, when >= 0, fails InsertEvents once that many rows
	// of the current call have been processed. Used to exercise partial
	// chunk failure.
	InsertErrAfter int
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		devices:        make(map[string]*models.Device),
		events:         make(map[string]models.EventRecord),
		orgSettings:    make(map[string]*models.EventLogSettings),
		deviceSettings: make(map[string]*models.EventLogSettings),
		forwarding:     make(map[string]*models.OrgForwardingConfig),
		InsertErrAfter: -1,
	}
}

func (r *InMemoryRepository) Close() {}

func (r *InMemoryRepository) AddDevice(d *models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

func (r *InMemoryRepository) SetOrgSettings(orgID string, s *models.EventLogSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orgSettings[orgID] = s
}

func (r *InMemoryRepository) SetDeviceSettings(deviceID string, s *models.EventLogSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviceSettings[deviceID] = s
}

func (r *InMemoryRepository) SetForwardingConfig(c *models.OrgForwardingConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarding[c.OrgID] = c
}

func (r *InMemoryRepository) GetDeviceByAgentID(ctx context.Context, agentID string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[agentID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

func (r *InMemoryRepository) InsertEvents(ctx context.Context, rows []models.EventRecord) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inserted := 0
	for i, row := range rows {
		if r.InsertErrAfter >= 0 && i >= r.InsertErrAfter {
			return inserted, fmt.Errorf("simulated storage failure at row %d", i)
		}
		key := naturalKey(row)
		if _, exists := r.events[key]; exists {
			continue
		}
		r.events[key] = row
		inserted++
	}
	return inserted, nil
}

// StoredEvents returns a snapshot of all rows, for assertions.
func (r *InMemoryRepository) StoredEvents() []models.EventRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.EventRecord, 0, len(r.events))
	for _, row := range r.events {
		out = append(out, row)
	}
	return out
}

func (r *InMemoryRepository) GetOrgEventLogSettings(ctx context.Context, orgID string) (*models.EventLogSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.orgSettings[orgID]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	return s, nil
}

func (r *InMemoryRepository) GetDeviceEventLogSettings(ctx context.Context, deviceID string) (*models.EventLogSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.deviceSettings[deviceID]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	return s, nil
}

func (r *InMemoryRepository) GetOrgForwardingConfig(ctx context.Context, orgID string) (*models.OrgForwardingConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.forwarding[orgID]
	if !ok {
		return nil, ErrForwardingNotSet
	}
	return c, nil
}

func naturalKey(row models.EventRecord) string {
	return row.DeviceID + "|" + row.EventID + "|" + row.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z")
}
