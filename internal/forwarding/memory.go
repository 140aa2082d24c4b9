package forwarding

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LanternOps/breeze-sub017/internal/metrics"
	"github.com/LanternOps/breeze-sub017/internal/models"
)

type queuedJob struct {
	job *models.ForwardingJob
	// attempts already delivered (0 for a fresh job).
	attempts int
}

type activeLease struct {
	qj       *queuedJob
	attempt  int
	deadline time.Time
}

// MemoryQueue is a single-process Queue backend for development and
// tests. Multi-instance deployments use the JetStream backend.
type MemoryQueue struct {
	cfg  QueueConfig
	jobs chan *queuedJob

	// depth counts jobs waiting or scheduled for retry, not leased ones.
	depth atomic.Int64

	mu        sync.Mutex
	closed    bool
	leases    map[string]*activeLease
	dead      []DeadLetter
	completed map[string]time.Time

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

func NewMemoryQueue(cfg QueueConfig) *MemoryQueue {
	q := &MemoryQueue{
		cfg: cfg,
		// Headroom beyond the admission ceiling so retries always fit.
		jobs:        make(chan *queuedJob, cfg.MaxBacklog+1024),
		leases:      make(map[string]*activeLease),
		completed:   make(map[string]time.Time),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go q.janitor()
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *models.ForwardingJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		slog.Warn("forwarding job dropped: queue closed", slog.String("job_id", job.ID))
		return false
	}
	if int(q.depth.Load()) >= q.cfg.MaxBacklog {
		slog.Warn("forwarding job dropped: backlog full",
			slog.String("job_id", job.ID),
			slog.Int("backlog", int(q.depth.Load())),
		)
		metrics.JobsDropped.Inc()
		return false
	}

	job.EnqueuedAt = time.Now().UTC()
	select {
	case q.jobs <- &queuedJob{job: job}:
		metrics.QueueDepth.Set(float64(q.depth.Add(1)))
		return true
	default:
		metrics.JobsDropped.Inc()
		slog.Warn("forwarding job dropped: channel full", slog.String("job_id", job.ID))
		return false
	}
}

func (q *MemoryQueue) Lease(ctx context.Context) (*Lease, error) {
	select {
	case qj, ok := <-q.jobs:
		if !ok {
			return nil, ErrQueueClosed
		}
		metrics.QueueDepth.Set(float64(q.depth.Add(-1)))
		return q.lease(qj), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) lease(qj *queuedJob) *Lease {
	attempt := qj.attempts + 1

	q.mu.Lock()
	q.leases[qj.job.ID] = &activeLease{
		qj:       qj,
		attempt:  attempt,
		deadline: time.Now().Add(q.cfg.LeaseTimeout),
	}
	q.mu.Unlock()

	return &Lease{
		Job:     qj.job,
		Attempt: attempt,
		ack: func() error {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.leases, qj.job.ID)
			q.completed[qj.job.ID] = time.Now()
			return nil
		},
		fail: func(err error) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.leases, qj.job.ID)
			q.settleFailureLocked(qj, attempt, err)
			return nil
		},
	}
}

// settleFailureLocked retries or dead-letters a failed attempt.
// Caller holds q.mu.
func (q *MemoryQueue) settleFailureLocked(qj *queuedJob, attempt int, err error) {
	qj.attempts = attempt

	if attempt >= q.cfg.MaxAttempts {
		q.deadLetterLocked(qj, err)
		return
	}

	delay := backoffDelay(q.cfg.BaseRetryDelay, attempt)
	slog.Warn("forwarding attempt failed, scheduling retry",
		slog.String("job_id", qj.job.ID),
		slog.Int("attempt", attempt),
		slog.Duration("retry_in", delay),
	)
	time.AfterFunc(delay, func() { q.requeue(qj) })
}

func (q *MemoryQueue) deadLetterLocked(qj *queuedJob, err error) {
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	if len(q.dead) >= q.cfg.DeadLetterCapacity {
		// Oldest evicted on overflow.
		q.dead = q.dead[1:]
	}
	q.dead = append(q.dead, DeadLetter{
		Job:      qj.job,
		Attempts: qj.attempts,
		LastErr:  errText,
		FailedAt: time.Now().UTC(),
	})
	metrics.JobsDeadLettered.Inc()
	slog.Error("forwarding job dead-lettered",
		slog.String("job_id", qj.job.ID),
		slog.Int("attempts", qj.attempts),
		slog.String("error", errText),
	)
}

func (q *MemoryQueue) requeue(qj *queuedJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.jobs <- qj:
		metrics.QueueDepth.Set(float64(q.depth.Add(1)))
	default:
		// Retries are never shed silently into the void; record them.
		q.deadLetterLocked(qj, ErrQueueClosed)
	}
}

// janitor re-delivers expired leases and purges old completed entries.
func (q *MemoryQueue) janitor() {
	defer close(q.janitorDone)

	interval := q.cfg.LeaseTimeout / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.reap()
		case <-q.stopJanitor:
			return
		}
	}
}

func (q *MemoryQueue) reap() {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for id, lease := range q.leases {
		if now.After(lease.deadline) {
			delete(q.leases, id)
			slog.Warn("forwarding lease expired, re-delivering",
				slog.String("job_id", id),
				slog.Int("attempt", lease.attempt),
			)
			q.settleFailureLocked(lease.qj, lease.attempt, context.DeadlineExceeded)
		}
	}

	for id, doneAt := range q.completed {
		if now.Sub(doneAt) > q.cfg.CompletedRetention {
			delete(q.completed, id)
		}
	}
}

func (q *MemoryQueue) Depth() int {
	return int(q.depth.Load())
}

func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// CompletedCount reports how many recently completed jobs are still
// retained, for stats endpoints and tests.
func (q *MemoryQueue) CompletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

// Close stops admission and releases any consumer blocked in Lease with
// ErrQueueClosed.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	close(q.stopJanitor)
	<-q.janitorDone
}
