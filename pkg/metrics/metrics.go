package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tasks"

type Metrics struct {
	Outbox   OutboxMetrics
	Producer ProducerMetrics
	Consumer ConsumerMetrics
	Lock     LockMetrics
	API      APIMetrics
}

type OutboxMetrics struct {
	PublishedTotal     prometheus.Counter
	PublishErrorsTotal prometheus.Counter
	Pending            prometheus.Gauge
	PublishLatency     prometheus.Histogram
	CleanupDeleted     prometheus.Counter
}

type ProducerMetrics struct {
	AttemptLatencySeconds *prometheus.HistogramVec
	OperationsTotal       *prometheus.CounterVec
}

type ConsumerMetrics struct {
	ConsumedTotal    *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	AckedTotal       *prometheus.CounterVec
	ProcessDuration  *prometheus.HistogramVec
	ReclaimedTotal   prometheus.Counter
	SkippedTotal     *prometheus.CounterVec
	RebalancesTotal  *prometheus.CounterVec
	InFlightMessages prometheus.Gauge
}

type LockMetrics struct {
	AcquiredTotal prometheus.Counter
	BusyTotal     prometheus.Counter
	ErrorsTotal   *prometheus.CounterVec
}

type APIMetrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Outbox: OutboxMetrics{
			PublishedTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "published_total",
				Help:      "Outbox records published to the stream.",
			}),
			PublishErrorsTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "publish_errors_total",
				Help:      "Outbox records whose publish or mark failed.",
			}),
			Pending: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "pending",
				Help:      "Unpublished outbox records at the last poll.",
			}),
			PublishLatency: f.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "publish_latency_seconds",
				Help:      "Time from outbox insert to successful publish.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			}),
			CleanupDeleted: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "cleanup_deleted_total",
				Help:      "Published outbox records removed by retention.",
			}),
		},

		Producer: ProducerMetrics{
			AttemptLatencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "attempt_latency_seconds",
				Help:      "Latency per single append attempt.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"driver", "stream", "result"}), // ok|error

			OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "operations_total",
				Help:      "Publish calls by result.",
			}, []string{"driver", "stream", "result"}), // success|failed|permanent|canceled
		},

		Consumer: ConsumerMetrics{
			ConsumedTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "consumed_total",
				Help:      "Messages delivered to a handler, by event type.",
			}, []string{"type"}),

			ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "processing_errors_total",
				Help:      "Handler failures by event type; the message stays pending.",
			}, []string{"type"}),

			AckedTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "acked_total",
				Help:      "Messages acknowledged, by event type.",
			}, []string{"type"}),

			ProcessDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "process_duration_seconds",
				Help:      "Handler duration in seconds.",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"type"}),

			ReclaimedTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "reclaimed_total",
				Help:      "Pending messages taken over from idle consumers.",
			}),

			SkippedTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "skipped_total",
				Help:      "Kafka messages given up after maxDeliveries failed attempts, by event type.",
			}, []string{"type"}),

			RebalancesTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "rebalances_total",
				Help:      "Kafka consumer group lifecycle events.",
			}, []string{"event"}),

			InFlightMessages: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "inflight_messages",
				Help:      "Messages currently being handled.",
			}),
		},

		Lock: LockMetrics{
			AcquiredTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "acquired_total",
				Help:      "Task locks acquired.",
			}),
			BusyTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "busy_total",
				Help:      "Acquire attempts that found the lock held elsewhere.",
			}),
			ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "errors_total",
				Help:      "Lock transport failures by operation.",
			}, []string{"op"}), // acquire|extend|release
		},

		API: APIMetrics{
			HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method, path and status.",
			}, []string{"method", "path", "status"}),

			HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			}, []string{"method", "path", "status"}),
		},
	}
}

// NewNop - метрики на отдельном registry, для тестов
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
