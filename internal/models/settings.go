package models

// EventLogSettings holds the stored (possibly partial) policy values at
// one scope. Nil fields mean "inherit from the broader scope".
type EventLogSettings struct {
	MinimumLevel     *Level `json:"minimum_level,omitempty"`
	RateLimitPerHour *int64 `json:"rate_limit_per_hour,omitempty"`
}
