// Package validator performs structural validation of agent event-log
// submissions before they reach the ingestion gateway.
package validator

import (
	"fmt"
	"time"

	"github.com/LanternOps/breeze-sub017/internal/models"
)

// MaxBatchSize bounds one submission. The agent collector caps its own
// batches at 100; anything far beyond that is a misbehaving client.
const MaxBatchSize = 1000

// ValidationError carries field-level detail for a malformed payload.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event log payload (%d field errors)", len(e.Fields))
}

// ValidateSubmit checks every entry of a submission and parses its
// timestamp. It returns the parsed timestamps aligned by index, or a
// *ValidationError describing every offending field.
func ValidateSubmit(req *models.SubmitEventLogsRequest) ([]time.Time, error) {
	if req == nil {
		return nil, &ValidationError{Fields: map[string]string{"events": "missing request body"}}
	}
	if len(req.Events) > MaxBatchSize {
		return nil, &ValidationError{Fields: map[string]string{
			"events": fmt.Sprintf("batch of %d exceeds maximum of %d", len(req.Events), MaxBatchSize),
		}}
	}

	fields := make(map[string]string)
	timestamps := make([]time.Time, len(req.Events))

	for i, ev := range req.Events {
		if !ev.Level.Valid() {
			fields[fmt.Sprintf("events[%d].level", i)] = fmt.Sprintf("unknown level %q", ev.Level)
		}
		if ev.Message == "" {
			fields[fmt.Sprintf("events[%d].message", i)] = "message is required"
		}
		if ev.Source == "" {
			fields[fmt.Sprintf("events[%d].source", i)] = "source is required"
		}
		if ev.Timestamp == "" {
			fields[fmt.Sprintf("events[%d].timestamp", i)] = "timestamp is required"
			continue
		}
		ts, err := time.Parse(time.RFC3339, ev.Timestamp)
		if err != nil {
			fields[fmt.Sprintf("events[%d].timestamp", i)] = fmt.Sprintf("not ISO-8601: %q", ev.Timestamp)
			continue
		}
		timestamps[i] = ts.UTC()
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return timestamps, nil
}
