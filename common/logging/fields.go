package logging

import "log/slog"

// Common field names for consistent logging across the pipeline.
const (
	FieldService  = "service"
	FieldDeviceID = "device_id"
	FieldOrgID    = "org_id"
	FieldAgentID  = "agent_id"
	FieldJobID    = "job_id"
	FieldIP       = "ip"
	FieldStatus   = "status"
	FieldDuration = "duration_ms"
	FieldError    = "error"
	FieldCount    = "count"
	FieldAttempt  = "attempt"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// DeviceID returns a slog attribute for the device ID.
func DeviceID(id string) slog.Attr {
	return slog.String(FieldDeviceID, id)
}

// OrgID returns a slog attribute for the organization ID.
func OrgID(id string) slog.Attr {
	return slog.String(FieldOrgID, id)
}

// AgentID returns a slog attribute for the agent identifier on the wire.
func AgentID(id string) slog.Attr {
	return slog.String(FieldAgentID, id)
}

// JobID returns a slog attribute for a forwarding job ID.
func JobID(id string) slog.Attr {
	return slog.String(FieldJobID, id)
}

// IP returns a slog attribute for the client IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// Count returns a slog attribute for an event count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Attempt returns a slog attribute for a delivery attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}
