package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event ingestion metrics
	EventsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_eventlog_events_submitted_total",
			Help: "Total number of event log entries submitted by agents",
		},
		[]string{"status"},
	)

	EventsFiltered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "breeze_eventlog_events_filtered_total",
			Help: "Total number of entries dropped by severity policy",
		},
	)

	EventsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "breeze_eventlog_events_inserted_total",
			Help: "Total number of entries committed to storage",
		},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_eventlog_rate_limit_hits_total",
			Help: "Total number of submissions rejected by the rate limiter",
		},
		[]string{"device"},
	)

	// Storage metrics
	StorageChunkErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "breeze_eventlog_storage_chunk_errors_total",
			Help: "Total number of failed storage chunk inserts",
		},
	)

	// Forwarding queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "breeze_eventlog_forwarding_queue_depth",
			Help: "Current number of jobs waiting in the forwarding queue",
		},
	)

	JobsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "breeze_eventlog_forwarding_jobs_dropped_total",
			Help: "Total number of jobs shed because the backlog was full",
		},
	)

	JobsDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "breeze_eventlog_forwarding_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter set",
		},
	)

	// Delivery metrics
	ForwardAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breeze_eventlog_forward_attempts_total",
			Help: "Total number of delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DocumentsIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "breeze_eventlog_documents_indexed_total",
			Help: "Total number of documents accepted by the sink",
		},
	)

	DocumentErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "breeze_eventlog_document_errors_total",
			Help: "Total number of per-document sink failures",
		},
	)
)
