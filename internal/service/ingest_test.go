package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LanternOps/breeze-sub017/internal/audit"
	"github.com/LanternOps/breeze-sub017/internal/forwarding"
	"github.com/LanternOps/breeze-sub017/internal/metrics"
	"github.com/LanternOps/breeze-sub017/internal/models"
	"github.com/LanternOps/breeze-sub017/internal/ratelimit"
	"github.com/LanternOps/breeze-sub017/internal/repository"
	"github.com/LanternOps/breeze-sub017/internal/settings"
)

type gatewayFixture struct {
	repo    *repository.InMemoryRepository
	queue   *forwarding.MemoryQueue
	gateway *Gateway
	device  *models.Device
}

func levelPtr(l models.Level) *models.Level { return &l }
func int64Ptr(n int64) *int64               { return &n }

func newGatewayFixture(t *testing.T, limiter ratelimit.RateLimiter) *gatewayFixture {
	t.Helper()

	repo := repository.NewInMemoryRepository()
	device := &models.Device{
		ID:         "dev-1",
		OrgID:      "org-1",
		Hostname:   "ws-042",
		AgentToken: "tok-secret",
		EnrolledAt: time.Now().UTC(),
	}
	repo.AddDevice(device)

	queue := forwarding.NewMemoryQueue(forwarding.QueueConfig{
		MaxBacklog:         100,
		MaxAttempts:        3,
		BaseRetryDelay:     10 * time.Millisecond,
		LeaseTimeout:       time.Second,
		DeadLetterCapacity: 10,
		CompletedRetention: time.Minute,
	})
	t.Cleanup(queue.Close)

	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}

	resolver := settings.NewResolver(repo, time.Minute)
	auditor := audit.NewWriter("test-audit-key", nil)

	return &gatewayFixture{
		repo:    repo,
		queue:   queue,
		gateway: NewGateway(repo, resolver, limiter, queue, auditor, nil),
		device:  device,
	}
}

func makeBatch(levels ...models.Level) ([]models.EventLogEntry, []time.Time) {
	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	entries := make([]models.EventLogEntry, 0, len(levels))
	timestamps := make([]time.Time, 0, len(levels))
	for i, l := range levels {
		ts := base.Add(time.Duration(i) * time.Second)
		entries = append(entries, models.EventLogEntry{
			Timestamp: ts.Format(time.RFC3339),
			Level:     l,
			Category:  "System",
			Source:    "Service Control Manager",
			EventID:   fmt.Sprintf("70%02d", i),
			Message:   fmt.Sprintf("event %d", i),
		})
		timestamps = append(timestamps, ts)
	}
	return entries, timestamps
}

func TestGateway_FiltersStoresAndForwards(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	fx.repo.SetOrgSettings("org-1", &models.EventLogSettings{
		MinimumLevel: levelPtr(models.LevelWarning),
	})
	fx.repo.SetForwardingConfig(&models.OrgForwardingConfig{
		OrgID:       "org-1",
		Enabled:     true,
		Endpoint:    "https://sink.example.com:9200",
		IndexPrefix: "acme",
	})

	entries, timestamps := makeBatch(models.LevelInfo, models.LevelError, models.LevelCritical)
	res, err := fx.gateway.Submit(context.Background(), fx.device, entries, timestamps, "203.0.113.9")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Filtered)
	assert.Equal(t, 3, res.Submitted)
	assert.Equal(t, 2, res.Expected)
	assert.False(t, res.Partial)
	assert.Len(t, fx.repo.StoredEvents(), 2)

	lease, err := fx.queue.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "org-1", lease.Job.OrgID)
	assert.Equal(t, "ws-042", lease.Job.Hostname)
	require.Len(t, lease.Job.Events, 2)
	assert.Equal(t, models.LevelError, lease.Job.Events[0].Level)
	require.NoError(t, lease.Ack())
}

func TestGateway_EmptyBatchIsNoOp(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	res, err := fx.gateway.Submit(context.Background(), fx.device, nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, &models.SubmitResult{}, res)
	assert.Equal(t, 0, fx.queue.Depth())
}

func TestGateway_AllFilteredSkipsRateLimitAndStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := ratelimit.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	fx := newGatewayFixture(t, limiter)
	fx.repo.SetDeviceSettings("dev-1", &models.EventLogSettings{
		MinimumLevel: levelPtr(models.LevelCritical),
	})

	entries, timestamps := makeBatch(models.LevelInfo, models.LevelWarning, models.LevelError)
	res, err := fx.gateway.Submit(context.Background(), fx.device, entries, timestamps, "")
	require.NoError(t, err)

	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 3, res.Filtered)
	assert.Empty(t, fx.repo.StoredEvents())
	// No budget was spent on a fully filtered batch.
	assert.False(t, mr.Exists("ratelimit:events:dev-1"))
}

func TestGateway_RateLimitRejectsWholeBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := ratelimit.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	fx := newGatewayFixture(t, limiter)
	fx.repo.SetOrgSettings("org-1", &models.EventLogSettings{
		RateLimitPerHour: int64Ptr(5),
	})

	hitsBefore := testutil.ToFloat64(metrics.RateLimitHits.WithLabelValues("dev-1"))

	entries, timestamps := makeBatch(
		models.LevelError, models.LevelError, models.LevelError,
		models.LevelError, models.LevelError, models.LevelError,
	)
	res, err := fx.gateway.Submit(context.Background(), fx.device, entries, timestamps, "")

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)

	// One rejection, one hit recorded.
	hitsAfter := testutil.ToFloat64(metrics.RateLimitHits.WithLabelValues("dev-1"))
	assert.Equal(t, 1.0, hitsAfter-hitsBefore)
	assert.Equal(t, int64(5), rle.Limit)
	assert.Equal(t, int64(5), rle.Remaining)
	assert.False(t, rle.ResetAt.IsZero())

	assert.Equal(t, 0, res.Inserted)
	assert.Empty(t, fx.repo.StoredEvents())
	assert.Equal(t, 0, fx.queue.Depth())

	// The rejected batch consumed nothing: a batch that fits still goes through.
	fits, fitsTS := makeBatch(models.LevelError, models.LevelError, models.LevelError, models.LevelError, models.LevelError)
	res, err = fx.gateway.Submit(context.Background(), fx.device, fits, fitsTS, "")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Inserted)
}

func TestGateway_LimiterOutageAdmitsBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewWithClient(client)
	mr.Close() // limiter calls now fail

	fx := newGatewayFixture(t, limiter)

	entries, timestamps := makeBatch(models.LevelError, models.LevelCritical)
	res, err := fx.gateway.Submit(context.Background(), fx.device, entries, timestamps, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
}

func TestGateway_ResubmissionIsIdempotent(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	entries, timestamps := makeBatch(models.LevelError, models.LevelWarning)
	res, err := fx.gateway.Submit(context.Background(), fx.device, entries, timestamps, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	res, err = fx.gateway.Submit(context.Background(), fx.device, entries, timestamps, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Len(t, fx.repo.StoredEvents(), 2)
}

func TestGateway_SynthesizesMissingEventID(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	ts := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	entry := models.EventLogEntry{
		Timestamp: ts.Format(time.RFC3339),
		Level:     models.LevelError,
		Category:  "Application",
		Source:    "MyApp",
		Message:   "crashed",
	}

	res, err := fx.gateway.Submit(context.Background(), fx.device, []models.EventLogEntry{entry}, []time.Time{ts}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	stored := fx.repo.StoredEvents()
	require.Len(t, stored, 1)
	assert.NotEmpty(t, stored[0].EventID)

	// Same entry without an ID still deduplicates.
	res, err = fx.gateway.Submit(context.Background(), fx.device, []models.EventLogEntry{entry}, []time.Time{ts}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
}

// chunkFailRepo fails the nth InsertEvents call to simulate a storage
// fault between chunks.
type chunkFailRepo struct {
	*repository.InMemoryRepository
	failCall int
	calls    int
}

func (r *chunkFailRepo) InsertEvents(ctx context.Context, rows []models.EventRecord) (int, error) {
	r.calls++
	if r.calls == r.failCall {
		return 0, fmt.Errorf("simulated chunk failure on call %d", r.calls)
	}
	return r.InMemoryRepository.InsertEvents(ctx, rows)
}

func TestGateway_PartialCommitKeepsEarlierChunks(t *testing.T) {
	base := repository.NewInMemoryRepository()
	device := &models.Device{ID: "dev-1", OrgID: "org-1", AgentToken: "tok-secret"}
	base.AddDevice(device)
	repo := &chunkFailRepo{InMemoryRepository: base, failCall: 2}

	queue := forwarding.NewMemoryQueue(forwarding.QueueConfig{
		MaxBacklog: 100, MaxAttempts: 3, BaseRetryDelay: 10 * time.Millisecond,
		LeaseTimeout: time.Second, DeadLetterCapacity: 10, CompletedRetention: time.Minute,
	})
	t.Cleanup(queue.Close)

	gw := NewGateway(repo, settings.NewResolver(repo, time.Minute),
		&ratelimit.NoOpRateLimiter{}, queue, audit.NewWriter("k", nil), nil)

	levels := make([]models.Level, 250)
	for i := range levels {
		levels[i] = models.LevelError
	}
	entries, timestamps := makeBatch(levels...)

	res, err := gw.Submit(context.Background(), device, entries, timestamps, "")
	require.Error(t, err)

	// Chunk one committed, chunk two failed, chunk three never ran.
	assert.True(t, res.Partial)
	assert.Equal(t, 100, res.Inserted)
	assert.Equal(t, 250, res.Expected)
	assert.Len(t, base.StoredEvents(), 100)

	// No forwarding on a partial commit.
	assert.Equal(t, 0, queue.Depth())
}

func TestGateway_PartialCommitReportsRetainedExpected(t *testing.T) {
	base := repository.NewInMemoryRepository()
	device := &models.Device{ID: "dev-1", OrgID: "org-1", AgentToken: "tok-secret"}
	base.AddDevice(device)
	base.SetOrgSettings("org-1", &models.EventLogSettings{
		MinimumLevel: levelPtr(models.LevelWarning),
	})
	repo := &chunkFailRepo{InMemoryRepository: base, failCall: 2}

	gw := NewGateway(repo, settings.NewResolver(repo, time.Minute),
		&ratelimit.NoOpRateLimiter{}, nil, audit.NewWriter("k", nil), nil)

	// 50 info entries filtered, 150 warnings retained.
	levels := make([]models.Level, 200)
	for i := range levels {
		if i < 50 {
			levels[i] = models.LevelInfo
		} else {
			levels[i] = models.LevelWarning
		}
	}
	entries, timestamps := makeBatch(levels...)

	res, err := gw.Submit(context.Background(), device, entries, timestamps, "")
	require.Error(t, err)

	// Expected counts the post-filter batch the commit should have
	// reached, not the raw submission size.
	assert.True(t, res.Partial)
	assert.Equal(t, 200, res.Submitted)
	assert.Equal(t, 50, res.Filtered)
	assert.Equal(t, 150, res.Expected)
	assert.Equal(t, 100, res.Inserted)
}

func TestGateway_Authenticate(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	device, err := fx.gateway.Authenticate(context.Background(), "dev-1", "tok-secret")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", device.ID)

	_, err = fx.gateway.Authenticate(context.Background(), "dev-1", "wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = fx.gateway.Authenticate(context.Background(), "dev-1", "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = fx.gateway.Authenticate(context.Background(), "ghost", "tok-secret")
	assert.ErrorIs(t, err, repository.ErrDeviceNotFound)
}

func TestGateway_ForwardingSkippedWhenDisabled(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	fx.repo.SetForwardingConfig(&models.OrgForwardingConfig{
		OrgID:   "org-1",
		Enabled: false,
	})

	entries, timestamps := makeBatch(models.LevelError)
	_, err := fx.gateway.Submit(context.Background(), fx.device, entries, timestamps, "")
	require.NoError(t, err)
	assert.Equal(t, 0, fx.queue.Depth())
}
