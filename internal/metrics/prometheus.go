package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics
var (
	issuanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certificate_issuance_total",
			Help: "Issuance attempts by outcome",
		},
		[]string{"outcome"},
	)
	issuanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certificate_issuance_duration_seconds",
			Help:    "Wall time of issuance attempts by outcome",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"outcome"},
	)
	listedCertificates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "certificate_listed_count",
			Help: "Certificates in the most recent listing",
		},
	)
	pendingIssuances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "certificate_pending_issuances",
			Help: "Issuances with an unresolved ledger outcome after the last reconciliation",
		},
	)
	duplicateFingerprints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "certificate_duplicate_fingerprints",
			Help: "Fingerprints recorded more than once on the ledger",
		},
	)
)

// PrometheusReporter exports service measurements. It implements
// certificate.Observer.
type PrometheusReporter struct {
	mu       sync.Mutex
	onIssued func()
}

func NewPrometheusReporter() *PrometheusReporter {
	return &PrometheusReporter{}
}

// OnIssued registers a callback run after every successful issuance.
func (r *PrometheusReporter) OnIssued(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onIssued = fn
}

func (r *PrometheusReporter) ObserveIssuance(outcome string, elapsed time.Duration) {
	issuanceTotal.WithLabelValues(outcome).Inc()
	issuanceDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())

	r.mu.Lock()
	hook := r.onIssued
	r.mu.Unlock()
	if hook != nil && outcome == "issued" {
		hook()
	}
}

func (r *PrometheusReporter) ObserveListing(size int) {
	listedCertificates.Set(float64(size))
}

func (r *PrometheusReporter) ObserveReconcile(pending, duplicates int) {
	pendingIssuances.Set(float64(pending))
	duplicateFingerprints.Set(float64(duplicates))
}

// Handler returns the HTTP handler for Prometheus metrics.
func (r *PrometheusReporter) Handler() http.Handler {
	return promhttp.Handler()
}
