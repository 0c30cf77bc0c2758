package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts records pulled from the inbound stream.
	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_events_processed_total",
		Help: "Number of stream records processed by the triage pipeline.",
	})

	// CasesCreated counts cases persisted per initial status.
	CasesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_cases_created_total",
		Help: "Number of fraud cases created, labeled by initial status.",
	}, []string{"status"})

	// DuplicateTriggers counts redeliveries resolved as existing cases.
	DuplicateTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_duplicate_triggers_total",
		Help: "Number of redelivered records matched to an existing case.",
	})

	// PoisonRecords counts unparseable records acked after retries.
	PoisonRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_poison_records_total",
		Help: "Number of poison records acked with a synthetic case.",
	})

	// EscalationsQueued counts gray-area cases sent to the AI queue.
	EscalationsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_escalations_queued_total",
		Help: "Number of cases enqueued for AI investigation.",
	})

	// ProcessingSeconds observes per-record triage latency.
	ProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_record_processing_seconds",
		Help:    "Latency of triaging a single stream record.",
		Buckets: prometheus.DefBuckets,
	})

	// PushDropped counts push-bus frames dropped on full buffers.
	PushDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_frames_dropped_total",
		Help: "Number of push frames dropped for slow subscribers.",
	})

	// StreamTPS is the last transactions-per-second reading.
	StreamTPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stream_transactions_per_second",
		Help: "Inbound stream throughput over the last stats interval.",
	})
)
