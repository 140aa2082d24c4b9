package forwarding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/LanternOps/breeze-sub017/internal/metrics"
	"github.com/LanternOps/breeze-sub017/internal/models"
)

const (
	forwardStreamName  = "EVENTLOG_FORWARD"
	forwardSubjectBase = "forward.jobs"
	forwardConsumer    = "eventlog-forwarder"

	deadLetterStreamName  = "EVENTLOG_FORWARD_DLQ"
	deadLetterSubjectBase = "forward.dlq"
)

// JetStreamQueue is the durable queue backend. Jobs survive process
// restarts and can be drained by multiple worker instances; the
// work-queue retention policy guarantees each job is owned by one
// lease at a time.
type JetStreamQueue struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	dlq      jetstream.Stream
	consumer jetstream.Consumer
	cfg      QueueConfig
}

// NewJetStreamQueue connects to NATS and provisions the forwarding
// streams and durable consumer. The connection is owned by the queue
// and drained on Close.
func NewJetStreamQueue(ctx context.Context, natsURL string, cfg QueueConfig) (*JetStreamQueue, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      forwardStreamName,
		Subjects:  []string{forwardSubjectBase + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxMsgs:   int64(cfg.MaxBacklog),
		Discard:   jetstream.DiscardNew,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create forward stream: %w", err)
	}

	// Dead letters are kept for inspection, not consumption. Oldest
	// entries are discarded once the stream is at capacity.
	dlq, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      deadLetterStreamName,
		Subjects:  []string{deadLetterSubjectBase + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxMsgs:   int64(cfg.DeadLetterCapacity),
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create dead-letter stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:       forwardConsumer,
		Durable:    forwardConsumer,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    cfg.LeaseTimeout,
		MaxDeliver: cfg.MaxAttempts,
		// BackOff would fight NakWithDelay; retry pacing is set per
		// failure from the attempt number instead.
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create forward consumer: %w", err)
	}

	slog.Info("jetstream forwarding queue ready",
		slog.String("stream", forwardStreamName),
		slog.Int("max_backlog", cfg.MaxBacklog))

	return &JetStreamQueue{
		nc:       nc,
		js:       js,
		stream:   stream,
		dlq:      dlq,
		consumer: consumer,
		cfg:      cfg,
	}, nil
}

// Enqueue publishes the job to the forward stream. A full stream
// rejects the publish, which is reported as a shed rather than an
// error so a saturated sink never blocks ingestion.
func (q *JetStreamQueue) Enqueue(ctx context.Context, job *models.ForwardingJob) bool {
	data, err := json.Marshal(job)
	if err != nil {
		slog.Error("marshal forwarding job", slog.String("job_id", job.ID), slog.Any("error", err))
		return false
	}

	subject := fmt.Sprintf("%s.%s", forwardSubjectBase, job.OrgID)
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		metrics.JobsDropped.Inc()
		slog.Warn("forwarding backlog full, job dropped",
			slog.String("job_id", job.ID),
			slog.String("org_id", job.OrgID),
			slog.Any("error", err))
		return false
	}

	metrics.QueueDepth.Set(float64(q.Depth()))
	return true
}

// Lease fetches the next job. The lease is backed by the consumer's
// ack wait: an attempt that neither acks nor fails is re-delivered by
// the server once the wait elapses.
func (q *JetStreamQueue) Lease(ctx context.Context) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.nc.IsClosed() {
			return nil, ErrQueueClosed
		}

		batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("fetch forwarding job: %w", err)
		}

		for msg := range batch.Messages() {
			return q.leaseFromMsg(msg)
		}
		// Empty fetch; poll again.
	}
}

func (q *JetStreamQueue) leaseFromMsg(msg jetstream.Msg) (*Lease, error) {
	var job models.ForwardingJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		// Undecodable payloads can never succeed; terminate instead of
		// burning redeliveries.
		_ = msg.Term()
		return nil, fmt.Errorf("decode forwarding job: %w", err)
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	return &Lease{
		Job:     &job,
		Attempt: attempt,
		ack: func() error {
			defer metrics.QueueDepth.Set(float64(q.Depth()))
			return msg.Ack()
		},
		fail: func(failErr error) error {
			if attempt >= q.cfg.MaxAttempts {
				return q.deadLetter(&job, attempt, failErr, msg)
			}
			return msg.NakWithDelay(backoffDelay(q.cfg.BaseRetryDelay, attempt))
		},
	}, nil
}

func (q *JetStreamQueue) deadLetter(job *models.ForwardingJob, attempts int, failErr error, msg jetstream.Msg) error {
	entry := DeadLetter{
		Job:      job,
		Attempts: attempts,
		LastErr:  failErr.Error(),
		FailedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", deadLetterSubjectBase, job.OrgID)
	if _, err := q.js.Publish(context.Background(), subject, data); err != nil {
		// Keep the job in the work stream rather than lose it.
		return fmt.Errorf("publish dead letter: %w", err)
	}

	metrics.JobsDeadLettered.Inc()
	slog.Error("forwarding job dead-lettered",
		slog.String("job_id", job.ID),
		slog.String("org_id", job.OrgID),
		slog.Int("attempts", attempts),
		slog.Any("error", failErr))

	return msg.Term()
}

// Depth reports the number of jobs in the forward stream. Leased but
// unacked jobs are still counted until acked.
func (q *JetStreamQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0
	}
	return int(info.State.Msgs)
}

// DeadLetters reads the dead-letter stream with an ephemeral consumer.
func (q *JetStreamQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	consumer, err := q.dlq.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: deadLetterSubjectBase + ".>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create dead-letter reader: %w", err)
	}

	limit := q.cfg.DeadLetterCapacity
	if limit <= 0 {
		limit = 100
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch dead letters: %w", err)
	}

	var entries []DeadLetter
	for msg := range batch.Messages() {
		var entry DeadLetter
		if err := json.Unmarshal(msg.Data(), &entry); err != nil {
			slog.Warn("skipping undecodable dead letter", slog.Any("error", err))
			continue
		}
		entries = append(entries, entry)
	}
	if batch.Error() != nil && len(entries) == 0 {
		return nil, fmt.Errorf("read dead letters: %w", batch.Error())
	}

	return entries, nil
}

// Close drains the NATS connection. In-flight leases are abandoned and
// re-delivered to the next consumer after the ack wait.
func (q *JetStreamQueue) Close() {
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
	}
}
