package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the forwarding pipeline. Every
// instance registers against its own Registerer, so tests can build
// isolated instances instead of sharing process-global state.
type Metrics struct {
	registry *prometheus.Registry

	// Admission metrics
	MessagesReceived  prometheus.Counter
	MessagesDuplicate prometheus.Counter
	MessagesNoRoute   prometheus.Counter
	MessagesAdmitted  prometheus.Counter

	// Delivery metrics
	DeliveryAttempts  prometheus.Counter
	DeliverySuccesses prometheus.Counter
	DeliveryFailures  prometheus.Counter
	DeliveryDuration  prometheus.Histogram

	// Pipeline metrics
	Retries       prometheus.Counter
	RateLimitHits prometheus.Counter
	DeadLettered  prometheus.Counter
	WorkerPanics  prometheus.Counter

	// Queue metrics
	QueueSize *prometheus.GaugeVec

	// Dependency health metrics
	DedupStoreErrors prometheus.Counter
}

// New creates and registers all pipeline metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := newWith(registry)
	m.registry = registry
	return m
}

func newWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_messages_received_total",
			Help: "Total number of messages presented to the pipeline",
		}),
		MessagesDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_messages_duplicate_total",
			Help: "Total number of messages dropped as duplicates",
		}),
		MessagesNoRoute: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_messages_no_route_total",
			Help: "Total number of messages dropped with no active rules",
		}),
		MessagesAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_messages_admitted_total",
			Help: "Total number of messages admitted into the queue",
		}),
		DeliveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_delivery_attempts_total",
			Help: "Total number of per-destination delivery attempts",
		}),
		DeliverySuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_delivery_successes_total",
			Help: "Total number of successful deliveries",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_delivery_failures_total",
			Help: "Total number of failed deliveries",
		}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayd_delivery_duration_seconds",
			Help:    "Time taken to deliver a message to one destination",
			Buckets: prometheus.DefBuckets,
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_retries_total",
			Help: "Total number of items parked for retry",
		}),
		RateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_rate_limit_hits_total",
			Help: "Total number of items parked for transport backoff",
		}),
		DeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_dead_lettered_total",
			Help: "Total number of items moved to the dead-letter queue",
		}),
		WorkerPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_worker_panics_total",
			Help: "Total number of recovered worker panics",
		}),
		QueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayd_queue_size",
			Help: "Current number of items per queue",
		}, []string{"queue"}),
		DedupStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_dedup_store_errors_total",
			Help: "Total number of dedup store failures handled fail-open",
		}),
	}
}

// Handler returns the HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts the Prometheus metrics HTTP server.
func (m *Metrics) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Default().Error("metrics server failed", "error", err)
		}
	}()

	return server
}

// TrackDeliveryDuration runs f and observes its wall time as a delivery.
func (m *Metrics) TrackDeliveryDuration(f func() error) error {
	start := time.Now()
	err := f()
	m.DeliveryDuration.Observe(time.Since(start).Seconds())
	return err
}

// UpdateQueueSizes sets the per-queue gauges from a depth snapshot.
func (m *Metrics) UpdateQueueSizes(sizes map[string]int) {
	for queue, size := range sizes {
		m.QueueSize.WithLabelValues(queue).Set(float64(size))
	}
}
