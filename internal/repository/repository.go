// Package repository provides durable storage for event log rows and
// lookups for devices, per-scope policy settings, and organization
// forwarding configuration.
package repository

import (
	"context"
	"errors"

	"github.com/LanternOps/breeze-sub017/internal/models"
)

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrSettingsNotFound  = errors.New("event log settings not found")
	ErrForwardingNotSet  = errors.New("forwarding config not set")
)

type Repository interface {
	// GetDeviceByAgentID resolves the device an agent identifier maps to.
	GetDeviceByAgentID(ctx context.Context, agentID string) (*models.Device, error)

	// InsertEvents stores a batch of event rows idempotently and returns
	// the number of rows actually inserted. Rows whose natural key
	// (device_id, event_id, timestamp) already exists are skipped
	// silently.
	InsertEvents(ctx context.Context, rows []models.EventRecord) (int, error)

	// GetOrgEventLogSettings returns the organization-scope policy values.
	GetOrgEventLogSettings(ctx context.Context, orgID string) (*models.EventLogSettings, error)

	// GetDeviceEventLogSettings returns device-scope policy overrides.
	GetDeviceEventLogSettings(ctx context.Context, deviceID string) (*models.EventLogSettings, error)

	// GetOrgForwardingConfig returns the organization's sink config, or
	// ErrForwardingNotSet when the organization has none.
	GetOrgForwardingConfig(ctx context.Context, orgID string) (*models.OrgForwardingConfig, error)

	Close()
}
