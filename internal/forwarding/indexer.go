package forwarding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/LanternOps/breeze-sub017/internal/metrics"
	"github.com/LanternOps/breeze-sub017/internal/models"
	"github.com/LanternOps/breeze-sub017/internal/repository"
)

// IndexResult reports the per-document outcome of one batch delivery.
type IndexResult struct {
	Indexed int
	Failed  int
	Errors  []string
}

// sinkDocument is the shape written to the org's document sink. It
// enriches the stored event with the device context the sink needs
// for cross-device queries.
type sinkDocument struct {
	models.ForwardedEvent
	DeviceID string `json:"device_id"`
	OrgID    string `json:"org_id"`
	Hostname string `json:"hostname,omitempty"`
}

// Indexer delivers forwarding jobs to an organization's document sink.
type Indexer struct {
	repo  repository.Repository
	cache *ClientCache
}

func NewIndexer(repo repository.Repository, cache *ClientCache) *Indexer {
	return &Indexer{repo: repo, cache: cache}
}

// indexNameFor builds the daily index name for a batch. Timestamps are
// normalized to UTC so a batch lands in the same index regardless of
// the submitting agent's timezone.
func indexNameFor(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s-eventlogs-%s", prefix, ts.UTC().Format("2006.01.02"))
}

// IndexBatch resolves the job's org forwarding config and bulk-indexes
// the job's events. Per-document rejections are counted in the result
// but do not fail the batch; only transport or config errors return a
// non-nil error so the caller can retry the whole job.
//
// Orgs without forwarding configured, or with it disabled, get a zero
// result. Document IDs are derived deterministically from the event's
// natural key so redelivered jobs overwrite rather than duplicate.
func (ix *Indexer) IndexBatch(ctx context.Context, job *models.ForwardingJob) (*IndexResult, error) {
	cfg, err := ix.repo.GetOrgForwardingConfig(ctx, job.OrgID)
	if err != nil {
		if errors.Is(err, repository.ErrForwardingNotSet) {
			return &IndexResult{}, nil
		}
		return nil, fmt.Errorf("resolve forwarding config: %w", err)
	}
	if !cfg.Enabled {
		return &IndexResult{}, nil
	}

	client, err := ix.cache.Get(job.OrgID, cfg)
	if err != nil {
		return nil, err
	}

	var indexed, failed, transportFailed atomic.Int64

	// Callbacks run on the bulk indexer's worker goroutines.
	var errMu sync.Mutex
	var itemErrs []string
	var transportErr string

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client: client.OS(),
	})
	if err != nil {
		return nil, fmt.Errorf("create bulk indexer: %w", err)
	}

	for _, ev := range job.Events {
		doc := sinkDocument{
			ForwardedEvent: ev,
			DeviceID:       job.DeviceID,
			OrgID:          job.OrgID,
			Hostname:       job.Hostname,
		}
		data, err := json.Marshal(doc)
		if err != nil {
			failed.Add(1)
			errMu.Lock()
			itemErrs = append(itemErrs, fmt.Sprintf("marshal event %s: %v", ev.EventID, err))
			errMu.Unlock()
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			Index:      indexNameFor(cfg.IndexPrefix, ev.Timestamp),
			DocumentID: models.EventDocumentID(job.DeviceID, ev.EventID, ev.Timestamp),
			Body:       bytes.NewReader(data),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				indexed.Add(1)
			},
			// The library passes a non-nil err only for request-level
			// failures (connection, auth, encoding); per-document sink
			// rejections arrive with err == nil and the item's response.
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					transportFailed.Add(1)
					errMu.Lock()
					if transportErr == "" {
						transportErr = err.Error()
					}
					errMu.Unlock()
					return
				}
				failed.Add(1)
				errMu.Lock()
				itemErrs = append(itemErrs, fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason))
				errMu.Unlock()
			},
		})
		if err != nil {
			return nil, fmt.Errorf("add to bulk indexer: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, fmt.Errorf("flush bulk indexer: %w", err)
	}

	// A batch where every document was rejected by the sink is still a
	// completed delivery; retrying it cannot change the verdict. Only
	// request-level failures make the job retryable.
	if transportFailed.Load() > 0 {
		return nil, fmt.Errorf("bulk delivery failed for org %s: %s", job.OrgID, transportErr)
	}

	metrics.DocumentsIndexed.Add(float64(indexed.Load()))
	metrics.DocumentErrors.Add(float64(failed.Load()))

	return &IndexResult{
		Indexed: int(indexed.Load()),
		Failed:  int(failed.Load()),
		Errors:  itemErrs,
	}, nil
}
