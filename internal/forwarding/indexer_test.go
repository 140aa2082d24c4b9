package forwarding

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LanternOps/breeze-sub017/internal/models"
	"github.com/LanternOps/breeze-sub017/internal/repository"
)

type bulkItemVerdict struct {
	status int
	errTyp string
}

// fakeSink answers _bulk requests with one verdict per document, in
// order, and records the request bodies it saw.
type fakeSink struct {
	verdicts []bulkItemVerdict
	requests []string
}

func (f *fakeSink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_bulk") {
			w.WriteHeader(http.StatusOK)
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read bulk body: %v", err)
		}
		body := string(raw)
		f.requests = append(f.requests, body)

		// Two NDJSON lines per document: action and source.
		docCount := strings.Count(body, "\n") / 2

		items := make([]map[string]map[string]any, 0, docCount)
		anyErrors := false
		for i := 0; i < docCount; i++ {
			verdict := bulkItemVerdict{status: http.StatusCreated}
			if i < len(f.verdicts) {
				verdict = f.verdicts[i]
			}
			entry := map[string]any{"status": verdict.status}
			if verdict.errTyp != "" {
				anyErrors = true
				entry["error"] = map[string]any{
					"type":   verdict.errTyp,
					"reason": "rejected by mapping",
				}
			}
			items = append(items, map[string]map[string]any{"index": entry})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"took":   3,
			"errors": anyErrors,
			"items":  items,
		}); err != nil {
			t.Errorf("encode bulk response: %v", err)
		}
	}
}

func deliveryJob(orgID string, n int) *models.ForwardingJob {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := make([]models.ForwardedEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, models.ForwardedEvent{
			Category:  "System",
			Level:     models.LevelError,
			Source:    "Disk",
			Message:   fmt.Sprintf("bad sector %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			EventID:   fmt.Sprintf("71%02d", i),
		})
	}
	return &models.ForwardingJob{
		ID:         models.NewForwardingJobID("dev-1", base),
		OrgID:      orgID,
		DeviceID:   "dev-1",
		Hostname:   "ws-042",
		Events:     events,
		EnqueuedAt: base,
	}
}

func newTestIndexer(t *testing.T, sinkURL string) (*Indexer, *repository.InMemoryRepository) {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	repo.SetForwardingConfig(&models.OrgForwardingConfig{
		OrgID:       "org-1",
		Enabled:     true,
		Endpoint:    sinkURL,
		Username:    "indexer",
		Password:    "secret",
		IndexPrefix: "acme",
	})

	cache := NewClientCache(time.Minute)
	t.Cleanup(cache.Close)
	return NewIndexer(repo, cache), repo
}

func TestIndexer_IndexesAllDocuments(t *testing.T) {
	sink := &fakeSink{}
	srv := httptest.NewServer(sink.handler(t))
	defer srv.Close()

	ix, _ := newTestIndexer(t, srv.URL)

	res, err := ix.IndexBatch(context.Background(), deliveryJob("org-1", 3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 0, res.Failed)
	assert.Empty(t, res.Errors)

	require.Len(t, sink.requests, 1)
	assert.Contains(t, sink.requests[0], `"acme-eventlogs-2026.03.14"`)
	assert.Contains(t, sink.requests[0], `"hostname":"ws-042"`)
	assert.Contains(t, sink.requests[0], `"device_id":"dev-1"`)
}

func TestIndexer_PerDocumentFailuresDoNotFailBatch(t *testing.T) {
	sink := &fakeSink{verdicts: []bulkItemVerdict{
		{status: http.StatusCreated},
		{status: http.StatusBadRequest, errTyp: "mapper_parsing_exception"},
		{status: http.StatusCreated},
		{status: http.StatusBadRequest, errTyp: "mapper_parsing_exception"},
		{status: http.StatusCreated},
	}}
	srv := httptest.NewServer(sink.handler(t))
	defer srv.Close()

	ix, _ := newTestIndexer(t, srv.URL)

	res, err := ix.IndexBatch(context.Background(), deliveryJob("org-1", 5))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "mapper_parsing_exception")
}

func TestIndexer_AllDocumentsRejectedIsNotRetryable(t *testing.T) {
	sink := &fakeSink{verdicts: []bulkItemVerdict{
		{status: http.StatusBadRequest, errTyp: "mapper_parsing_exception"},
		{status: http.StatusBadRequest, errTyp: "mapper_parsing_exception"},
		{status: http.StatusBadRequest, errTyp: "mapper_parsing_exception"},
		{status: http.StatusBadRequest, errTyp: "mapper_parsing_exception"},
		{status: http.StatusBadRequest, errTyp: "mapper_parsing_exception"},
	}}
	srv := httptest.NewServer(sink.handler(t))
	defer srv.Close()

	ix, _ := newTestIndexer(t, srv.URL)

	// The sink rejected every document, but the delivery itself
	// completed; the job must not come back as a retryable failure.
	res, err := ix.IndexBatch(context.Background(), deliveryJob("org-1", 5))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Indexed)
	assert.Equal(t, 5, res.Failed)
	assert.Len(t, res.Errors, 5)
}

func TestIndexer_TransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Close() // refuse all connections

	ix, _ := newTestIndexer(t, srv.URL)

	_, err := ix.IndexBatch(context.Background(), deliveryJob("org-1", 2))
	require.Error(t, err)
}

func TestIndexer_SkipsOrgWithoutForwarding(t *testing.T) {
	sink := &fakeSink{}
	srv := httptest.NewServer(sink.handler(t))
	defer srv.Close()

	ix, _ := newTestIndexer(t, srv.URL)

	res, err := ix.IndexBatch(context.Background(), deliveryJob("org-other", 2))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Indexed)
	assert.Equal(t, 0, res.Failed)
	assert.Empty(t, sink.requests)
}

func TestIndexer_SkipsDisabledForwarding(t *testing.T) {
	sink := &fakeSink{}
	srv := httptest.NewServer(sink.handler(t))
	defer srv.Close()

	ix, repo := newTestIndexer(t, srv.URL)
	repo.SetForwardingConfig(&models.OrgForwardingConfig{
		OrgID:       "org-1",
		Enabled:     false,
		Endpoint:    srv.URL,
		IndexPrefix: "acme",
	})

	res, err := ix.IndexBatch(context.Background(), deliveryJob("org-1", 2))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Indexed)
	assert.Empty(t, sink.requests)
}

func TestIndexNameFor_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+11", 11*3600)
	ts := time.Date(2026, 3, 15, 3, 0, 0, 0, loc) // 2026-03-14 16:00 UTC
	assert.Equal(t, "acme-eventlogs-2026.03.14", indexNameFor("acme", ts))
}
