package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Level is the severity classification of an event log entry.
// Levels are totally ordered: info < warning < error < critical.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

var levelRanks = map[Level]int{
	LevelInfo:     0,
	LevelWarning:  1,
	LevelError:    2,
	LevelCritical: 3,
}

// Rank returns the position of the level in the severity order.
// Unknown levels rank below info so they are filtered by any policy.
func (l Level) Rank() int {
	if r, ok := levelRanks[l]; ok {
		return r
	}
	return -1
}

// Valid reports whether the level is one of the four known severities.
func (l Level) Valid() bool {
	_, ok := levelRanks[l]
	return ok
}

// EventLogEntry is the wire format an agent submits. Field names match
// the agent collector payload.
type EventLogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  string         `json:"category"`
	Source    string         `json:"source"`
	EventID   string         `json:"eventId,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RawData   string         `json:"rawData,omitempty"`
}

// SubmitEventLogsRequest is the body of PUT /api/v1/agents/{agentID}/eventlogs.
type SubmitEventLogsRequest struct {
	Events []EventLogEntry `json:"events"`
}

// EventRecord is a stored event log row. The tuple
// (DeviceID, EventID, Timestamp) is the natural key: re-submitting an
// already stored record is a silent no-op, never a duplicate row.
type EventRecord struct {
	DeviceID  string         `json:"device_id"`
	OrgID     string         `json:"org_id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  string         `json:"category"`
	Source    string         `json:"source"`
	EventID   string         `json:"event_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RawData   string         `json:"raw_data,omitempty"`
}

// Device is a managed endpoint registered with the platform.
type Device struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Hostname   string    `json:"hostname"`
	AgentToken string    `json:"-"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// EventLogPolicy is the effective per-device ingestion policy.
type EventLogPolicy struct {
	MinimumLevel     Level `json:"minimum_level"`
	RateLimitPerHour int64 `json:"rate_limit_per_hour"`
}

// OrgForwardingConfig describes an organization's downstream sink.
// It is resolved fresh for every forwarding decision; only the derived
// client handle is cached.
type OrgForwardingConfig struct {
	OrgID         string `json:"org_id"`
	Enabled       bool   `json:"enabled"`
	Endpoint      string `json:"endpoint"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"-"`
	APIKey        string `json:"-"`
	IndexPrefix   string `json:"index_prefix"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
}

// ForwardedEvent carries the forwarding-relevant fields of one stored event.
type ForwardedEvent struct {
	Category  string    `json:"category"`
	Level     Level     `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id,omitempty"`
	Raw       string    `json:"raw,omitempty"`
}

// ForwardingJob is one unit of downstream delivery work. It is created
// only after the storage commit succeeds and is owned by the queue
// until leased to a worker.
type ForwardingJob struct {
	ID         string           `json:"id"`
	OrgID      string           `json:"org_id"`
	DeviceID   string           `json:"device_id"`
	Hostname   string           `json:"hostname"`
	Events     []ForwardedEvent `json:"events"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// NewForwardingJobID derives a job ID from the device and submission
// time. Duplicate enqueues from client retries produce distinct IDs so
// they stay distinguishable in logs; duplicate delivery downstream is
// tolerated, not prevented.
func NewForwardingJobID(deviceID string, submittedAt time.Time) string {
	return fmt.Sprintf("%s-%d", deviceID, submittedAt.UnixNano())
}

// EventDocumentID returns a deterministic sink document ID for an event.
// Retried deliveries of the same event overwrite the same document,
// making at-least-once forwarding idempotent at the sink.
func EventDocumentID(deviceID, eventID string, ts time.Time) string {
	sum := sha256.Sum256([]byte(deviceID + "|" + eventID + "|" + ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// SubmitResult is the gateway's outcome for one submission call.
type SubmitResult struct {
	Inserted int
	Filtered int
	// Submitted is the raw batch size as received.
	Submitted int
	// Expected is the post-filter count the storage commit should have
	// reached; it is what a partial-failure response reports.
	Expected int
	// Partial is set when a storage chunk failed after earlier chunks
	// committed. Committed rows stand; the caller may safely re-submit.
	Partial bool
}

// SubmitResponse is the JSON body returned to the agent.
type SubmitResponse struct {
	Success       bool   `json:"success"`
	Count         int    `json:"count"`
	Filtered      int    `json:"filtered"`
	Error         string `json:"error,omitempty"`
	ExpectedCount int    `json:"expectedCount,omitempty"`
}
