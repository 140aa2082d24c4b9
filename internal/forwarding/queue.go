// Package forwarding carries committed event logs to each
// organization's document sink: a durable job queue with load shedding,
// a bounded-concurrency worker pool, a TTL cache of sink clients, and a
// bulk indexer tolerant of per-document failure.
package forwarding

import (
	"context"
	"errors"
	"time"

	"github.com/LanternOps/breeze-sub017/internal/models"
)

// ErrQueueClosed is returned by Lease when the queue has shut down and
// no further jobs will be delivered.
var ErrQueueClosed = errors.New("forwarding queue closed")

// Lease is one attempt's exclusive ownership of a job. Exactly one of
// Ack or Fail must be called; an unacknowledged lease is re-delivered
// after the lease timeout.
type Lease struct {
	Job *models.ForwardingJob
	// Attempt is 1-based.
	Attempt int

	ack  func() error
	fail func(err error) error
}

// Ack marks the job delivered and removes it from the queue.
func (l *Lease) Ack() error { return l.ack() }

// Fail records a failed attempt. The queue re-delivers the job after
// exponential backoff, or dead-letters it once attempts are exhausted.
func (l *Lease) Fail(err error) error { return l.fail(err) }

// DeadLetter is a job that exhausted its retry budget, kept for
// operator inspection.
type DeadLetter struct {
	Job      *models.ForwardingJob `json:"job"`
	Attempts int                   `json:"attempts"`
	LastErr  string                `json:"last_error"`
	FailedAt time.Time             `json:"failed_at"`
}

// Queue is the durable forwarding work queue.
type Queue interface {
	// Enqueue admits a job unless the backlog is at its ceiling, in
	// which case the job is dropped with a warning. It never blocks the
	// caller and never returns an error for a full queue.
	Enqueue(ctx context.Context, job *models.ForwardingJob) bool

	// Lease blocks until a job is available or the queue closes.
	Lease(ctx context.Context) (*Lease, error)

	// Depth is the best-effort count of jobs waiting for delivery.
	Depth() int

	// DeadLetters returns a snapshot of the dead-letter set.
	DeadLetters(ctx context.Context) ([]DeadLetter, error)

	Close()
}

// QueueConfig tunes queue behavior shared by all backends.
type QueueConfig struct {
	// MaxBacklog is the admission ceiling; enqueues beyond it are shed.
	MaxBacklog int

	// MaxAttempts caps delivery attempts before dead-lettering.
	MaxAttempts int

	// BaseRetryDelay is the first backoff delay; it doubles per attempt.
	BaseRetryDelay time.Duration

	// LeaseTimeout is how long a worker may hold a job before the lease
	// expires and the job is re-delivered.
	LeaseTimeout time.Duration

	// DeadLetterCapacity bounds the dead-letter set; the oldest entry is
	// evicted on overflow.
	DeadLetterCapacity int

	// CompletedRetention is how long completed job IDs are kept for
	// observability before being purged.
	CompletedRetention time.Duration
}

// DefaultQueueConfig returns the production defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxBacklog:         10000,
		MaxAttempts:        5,
		BaseRetryDelay:     2 * time.Second,
		LeaseTimeout:       30 * time.Second,
		DeadLetterCapacity: 200,
		CompletedRetention: 5 * time.Minute,
	}
}

// backoffDelay returns the delay before the given 1-based attempt is
// retried: base doubling per completed attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
