// Package metrics exposes Prometheus metrics for the delivery worker.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for webhook delivery.
type Metrics struct {
	WebhooksDelivered prometheus.Counter
	WebhooksFailed    prometheus.Counter
	WebhooksExpired   prometheus.Counter
	QueueClaimed      prometheus.Gauge
	DeliveryDuration  prometheus.Histogram
	StorageErrors     prometheus.Counter
}

// Get returns the singleton metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		WebhooksDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bouncehook_webhooks_delivered_total",
			Help: "Total number of successfully delivered webhooks",
		}),
		WebhooksFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bouncehook_webhooks_failed_total",
			Help: "Total number of failed delivery attempts",
		}),
		WebhooksExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bouncehook_webhooks_expired_total",
			Help: "Total number of queue entries expired after exhausting retries",
		}),
		QueueClaimed: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bouncehook_queue_claimed",
			Help: "Number of queue entries claimed in the last worker iteration",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bouncehook_delivery_duration_seconds",
			Help:    "Duration of webhook HTTP calls",
			Buckets: prometheus.DefBuckets,
		}),
		StorageErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bouncehook_storage_errors_total",
			Help: "Total number of queue storage failures during worker iterations",
		}),
	}
}

// NewServer returns an HTTP server exposing /metrics and /healthz on addr.
func NewServer(addr string) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
