// Package service implements the event log ingestion pipeline: severity
// filtering against the device's effective policy, shared rate
// limiting, idempotent chunked storage, and handoff to the forwarding
// queue.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LanternOps/breeze-sub017/common/logging"
	"github.com/LanternOps/breeze-sub017/internal/audit"
	"github.com/LanternOps/breeze-sub017/internal/forwarding"
	"github.com/LanternOps/breeze-sub017/internal/metrics"
	"github.com/LanternOps/breeze-sub017/internal/models"
	"github.com/LanternOps/breeze-sub017/internal/ratelimit"
	"github.com/LanternOps/breeze-sub017/internal/repository"
	"github.com/LanternOps/breeze-sub017/internal/settings"
)

// storageChunkSize is the number of rows per storage insert. Chunks
// commit sequentially: rows committed before a failing chunk stand.
const storageChunkSize = 100

// rateWindow is the rate limiter's fixed accounting window.
const rateWindow = time.Hour

// ErrInvalidToken is returned by Authenticate when the presented agent
// token does not match the device's enrollment token.
var ErrInvalidToken = errors.New("invalid agent token")

// RateLimitError reports an all-or-nothing rate limit rejection. The
// budget was not consumed; the caller may retry after ResetAt.
type RateLimitError struct {
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d remaining in window, resets at %s",
		e.Remaining, e.ResetAt.UTC().Format(time.RFC3339))
}

// Gateway coordinates one submission through the full pipeline.
type Gateway struct {
	repo     repository.Repository
	resolver *settings.Resolver
	limiter  ratelimit.RateLimiter
	queue    forwarding.Queue
	audit    *audit.Writer
	log      *slog.Logger
}

func NewGateway(
	repo repository.Repository,
	resolver *settings.Resolver,
	limiter ratelimit.RateLimiter,
	queue forwarding.Queue,
	auditWriter *audit.Writer,
	log *slog.Logger,
) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		repo:     repo,
		resolver: resolver,
		limiter:  limiter,
		queue:    queue,
		audit:    auditWriter,
		log:      log,
	}
}

// Authenticate resolves the device behind an agent ID and checks its
// enrollment token. Unknown agents surface repository.ErrDeviceNotFound;
// a known agent with the wrong token gets ErrInvalidToken.
func (g *Gateway) Authenticate(ctx context.Context, agentID, token string) (*models.Device, error) {
	device, err := g.repo.GetDeviceByAgentID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if token == "" || device.AgentToken != token {
		return nil, ErrInvalidToken
	}
	return device, nil
}

// Submit runs one validated batch through filtering, rate limiting,
// storage, and forwarding. Timestamps are parsed by the validator and
// aligned with entries by index.
//
// Storage is chunked and sequential; a mid-batch failure keeps the
// rows already committed and reports a partial result alongside the
// error. Forwarding is enqueued only after the whole batch commits.
// Every terminal outcome is audited.
func (g *Gateway) Submit(ctx context.Context, device *models.Device, entries []models.EventLogEntry, timestamps []time.Time, clientIP string) (*models.SubmitResult, error) {
	result := &models.SubmitResult{Submitted: len(entries)}

	if len(entries) == 0 {
		g.writeAudit(device, clientIP, result, "empty")
		return result, nil
	}

	policy := g.effectivePolicy(ctx, device)

	retained, filtered := g.filterBySeverity(entries, timestamps, policy.MinimumLevel)
	result.Filtered = filtered
	result.Expected = len(retained)
	if filtered > 0 {
		metrics.EventsFiltered.Add(float64(filtered))
	}
	if len(retained) == 0 {
		metrics.EventsSubmitted.WithLabelValues("filtered").Add(float64(len(entries)))
		g.writeAudit(device, clientIP, result, "all_filtered")
		return result, nil
	}

	// Rate limiting covers retained entries only and is all or
	// nothing: a batch that would overflow the window is rejected
	// whole, with no budget consumed.
	if err := g.checkRateLimit(ctx, device, policy, int64(len(retained))); err != nil {
		var rle *RateLimitError
		if errors.As(err, &rle) {
			metrics.EventsSubmitted.WithLabelValues("rate_limited").Add(float64(len(entries)))
			g.writeAudit(device, clientIP, result, "rate_limited")
		}
		return result, err
	}

	records := g.buildRecords(device, retained)

	inserted, err := g.storeChunked(ctx, records)
	result.Inserted = inserted
	if inserted > 0 {
		metrics.EventsInserted.Add(float64(inserted))
	}
	if err != nil {
		result.Partial = true
		metrics.EventsSubmitted.WithLabelValues("partial").Add(float64(len(entries)))
		g.log.Error("storage commit incomplete",
			logging.DeviceID(device.ID),
			slog.Int("committed", inserted),
			slog.Int("expected", len(records)),
			logging.Error(err))
		g.writeAudit(device, clientIP, result, "partial")
		return result, fmt.Errorf("store events: %w", err)
	}

	metrics.EventsSubmitted.WithLabelValues("accepted").Add(float64(len(entries)))

	// Forwarding is best effort after a full commit. A full backlog or
	// missing config never fails the submission.
	g.enqueueForwarding(ctx, device, records)

	g.writeAudit(device, clientIP, result, "accepted")
	return result, nil
}

// effectivePolicy resolves the device's policy, falling back to the
// conservative default when resolution itself fails.
func (g *Gateway) effectivePolicy(ctx context.Context, device *models.Device) models.EventLogPolicy {
	policy, err := g.resolver.Resolve(ctx, device)
	if err != nil {
		fallback := settings.FallbackPolicy()
		g.log.Warn("policy resolution failed, using fallback",
			logging.DeviceID(device.ID),
			slog.String("minimum_level", string(fallback.MinimumLevel)),
			slog.Int64("rate_limit_per_hour", fallback.RateLimitPerHour),
			logging.Error(err))
		return fallback
	}
	return *policy
}

// retainedEntry pairs a wire entry with its parsed timestamp.
type retainedEntry struct {
	entry models.EventLogEntry
	ts    time.Time
}

func (g *Gateway) filterBySeverity(entries []models.EventLogEntry, timestamps []time.Time, minimum models.Level) ([]retainedEntry, int) {
	threshold := minimum.Rank()
	retained := make([]retainedEntry, 0, len(entries))
	for i, e := range entries {
		if e.Level.Rank() < threshold {
			continue
		}
		retained = append(retained, retainedEntry{entry: e, ts: timestamps[i]})
	}
	return retained, len(entries) - len(retained)
}

// checkRateLimit spends the batch's cost against the device's shared
// hourly budget. Limiter infrastructure failures admit the batch; a
// degraded limiter must not halt ingestion.
func (g *Gateway) checkRateLimit(ctx context.Context, device *models.Device, policy models.EventLogPolicy, cost int64) error {
	decision, err := g.limiter.CheckAndConsume(ctx, device.ID, policy.RateLimitPerHour, rateWindow, cost)
	if err != nil {
		g.log.Warn("rate limiter unavailable, admitting batch",
			logging.DeviceID(device.ID),
			logging.Error(err))
		return nil
	}
	if !decision.Allowed {
		metrics.RateLimitHits.WithLabelValues(device.ID).Inc()
		return &RateLimitError{
			Limit:     policy.RateLimitPerHour,
			Remaining: decision.Remaining,
			ResetAt:   decision.ResetAt,
		}
	}
	return nil
}

func (g *Gateway) buildRecords(device *models.Device, retained []retainedEntry) []models.EventRecord {
	records := make([]models.EventRecord, 0, len(retained))
	for _, r := range retained {
		eventID := r.entry.EventID
		if eventID == "" {
			eventID = synthesizeEventID(r.entry.Source, r.entry.Category, r.entry.Message)
		}
		records = append(records, models.EventRecord{
			DeviceID:  device.ID,
			OrgID:     device.OrgID,
			Timestamp: r.ts,
			Level:     r.entry.Level,
			Category:  r.entry.Category,
			Source:    r.entry.Source,
			EventID:   eventID,
			Message:   r.entry.Message,
			Details:   r.entry.Details,
			RawData:   r.entry.RawData,
		})
	}
	return records
}

// synthesizeEventID derives a stable ID for entries submitted without
// one, so the natural key still deduplicates resubmissions.
func synthesizeEventID(source, category, message string) string {
	sum := sha256.Sum256([]byte(source + "|" + category + "|" + message))
	return hex.EncodeToString(sum[:6])
}

// storeChunked inserts records in fixed-size chunks, stopping at the
// first failing chunk. The returned count includes only rows newly
// committed; duplicates of already stored rows are silent no-ops.
func (g *Gateway) storeChunked(ctx context.Context, records []models.EventRecord) (int, error) {
	inserted := 0
	for start := 0; start < len(records); start += storageChunkSize {
		end := start + storageChunkSize
		if end > len(records) {
			end = len(records)
		}
		n, err := g.repo.InsertEvents(ctx, records[start:end])
		inserted += n
		if err != nil {
			metrics.StorageChunkErrors.Inc()
			return inserted, fmt.Errorf("chunk at offset %d: %w", start, err)
		}
	}
	return inserted, nil
}

func (g *Gateway) enqueueForwarding(ctx context.Context, device *models.Device, records []models.EventRecord) {
	if g.queue == nil {
		return
	}

	cfg, err := g.repo.GetOrgForwardingConfig(ctx, device.OrgID)
	if err != nil {
		if !errors.Is(err, repository.ErrForwardingNotSet) {
			g.log.Warn("forwarding config lookup failed",
				logging.OrgID(device.OrgID),
				logging.Error(err))
		}
		return
	}
	if !cfg.Enabled {
		return
	}

	events := make([]models.ForwardedEvent, 0, len(records))
	for _, rec := range records {
		events = append(events, models.ForwardedEvent{
			Category:  rec.Category,
			Level:     rec.Level,
			Source:    rec.Source,
			Message:   rec.Message,
			Timestamp: rec.Timestamp,
			EventID:   rec.EventID,
			Raw:       rec.RawData,
		})
	}

	now := time.Now().UTC()
	job := &models.ForwardingJob{
		ID:         models.NewForwardingJobID(device.ID, now),
		OrgID:      device.OrgID,
		DeviceID:   device.ID,
		Hostname:   device.Hostname,
		Events:     events,
		EnqueuedAt: now,
	}

	if !g.queue.Enqueue(ctx, job) {
		g.log.Warn("forwarding job not admitted",
			logging.JobID(job.ID),
			logging.DeviceID(device.ID),
			logging.Count(len(events)))
	}
}

func (g *Gateway) writeAudit(device *models.Device, clientIP string, result *models.SubmitResult, outcome string) {
	if g.audit == nil {
		return
	}
	g.audit.Write(audit.Event{
		Timestamp: time.Now().UTC(),
		DeviceID:  device.ID,
		OrgID:     device.OrgID,
		IPAddress: clientIP,
		Submitted: result.Submitted,
		Inserted:  result.Inserted,
		Filtered:  result.Filtered,
		Result:    outcome,
	})
}
