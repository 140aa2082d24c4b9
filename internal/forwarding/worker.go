package forwarding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/LanternOps/breeze-sub017/internal/metrics"
)

// WorkerConfig tunes the delivery worker pool.
type WorkerConfig struct {
	// Concurrency is the number of jobs delivered in parallel.
	Concurrency int

	// AttemptTimeout bounds a single delivery attempt. It must be
	// shorter than the queue's lease timeout or attempts get counted
	// twice.
	AttemptTimeout time.Duration
}

// DefaultWorkerConfig returns the production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:    5,
		AttemptTimeout: 20 * time.Second,
	}
}

// Worker drains the forwarding queue and delivers each job to its
// organization's sink through the indexer.
type Worker struct {
	queue   Queue
	indexer *Indexer
	cfg     WorkerConfig
	log     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(queue Queue, indexer *Indexer, cfg WorkerConfig, log *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		queue:   queue,
		indexer: indexer,
		cfg:     cfg,
		log:     log,
	}
}

// Start launches the delivery goroutines. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}

	w.log.Info("forwarding worker started", slog.Int("concurrency", w.cfg.Concurrency))
}

// Stop halts the pool and waits for in-flight attempts to settle.
// Leased jobs that have not finished are failed back to the queue so
// they retry promptly instead of waiting out the lease.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.log.Info("forwarding worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		lease, err := w.queue.Lease(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.log.Warn("lease failed, backing off", slog.Any("error", err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		w.deliver(ctx, lease)
	}
}

func (w *Worker) deliver(ctx context.Context, lease *Lease) {
	job := lease.Job
	log := w.log.With(
		slog.String("job_id", job.ID),
		slog.String("org_id", job.OrgID),
		slog.String("device_id", job.DeviceID),
		slog.Int("attempt", lease.Attempt),
	)

	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	res, err := w.indexer.IndexBatch(attemptCtx, job)
	if err != nil {
		metrics.ForwardAttempts.WithLabelValues("failure").Inc()
		log.Warn("delivery attempt failed",
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err))
		if failErr := lease.Fail(err); failErr != nil {
			log.Error("failing lease", slog.Any("error", failErr))
		}
		return
	}

	// Per-document rejections are final: retrying the job would not
	// change the sink's verdict, so the attempt still acks.
	metrics.ForwardAttempts.WithLabelValues("success").Inc()
	if res.Failed > 0 {
		log.Warn("delivered with per-document failures",
			slog.Int("indexed", res.Indexed),
			slog.Int("failed", res.Failed))
	} else if res.Indexed > 0 {
		log.Debug("delivered", slog.Int("indexed", res.Indexed))
	}

	if err := lease.Ack(); err != nil {
		log.Error("acking lease", slog.Any("error", err))
	}
}
