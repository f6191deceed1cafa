// Package metrics exposes Prometheus collectors for the downloader.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	downloadsTotal         *prometheus.CounterVec
	interceptedBytesTotal  *prometheus.CounterVec
	catalogRequestsTotal   *prometheus.CounterVec
	catalogPagesTotal      prometheus.Counter
	queueSkippedTotal      prometheus.Counter
	directDownloadsTotal   *prometheus.CounterVec
	navigationsTotal       prometheus.Counter
	runDurationSeconds     prometheus.Histogram
	catalogEntriesObserved prometheus.Gauge
	httpRequestsTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypko_downloads_total",
				Help: "Total number of reported download outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		interceptedBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypko_intercepted_bytes_total",
				Help: "Total number of response bytes captured from the rendering host, labeled by kind.",
			},
			[]string{"kind"},
		)

		catalogRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypko_catalog_requests_total",
				Help: "Total number of catalog API requests, labeled by result class.",
			},
			[]string{"class"},
		)

		catalogPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crypko_catalog_pages_total",
				Help: "Total number of catalog result pages consumed.",
			},
		)

		queueSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crypko_queue_skipped_total",
				Help: "Total number of queue items skipped because their output already exists.",
			},
		)

		directDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypko_direct_downloads_total",
				Help: "Total number of direct (browserless) download attempts, labeled by result.",
			},
			[]string{"result"},
		)

		navigationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crypko_navigations_total",
				Help: "Total number of page navigations issued by the control loop.",
			},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crypko_run_duration_seconds",
				Help:    "Histogram of control loop run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 1800},
			},
		)

		catalogEntriesObserved = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crypko_catalog_entries",
				Help: "Number of unique catalog entries found by the last crawl.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypko_http_requests_total",
				Help: "Total number of requests served by the metrics endpoint.",
			},
			[]string{"method", "route", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutcome increments the outcome counter.
func ObserveOutcome(outcome string) {
	Init()
	downloadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveIntercepted records the size of a captured response body.
func ObserveIntercepted(kind string, n int) {
	Init()
	if n > 0 {
		interceptedBytesTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveCatalogRequest increments the catalog request counter for the given class.
func ObserveCatalogRequest(class string) {
	Init()
	catalogRequestsTotal.WithLabelValues(class).Inc()
}

// ObserveCatalogPage increments the consumed page counter.
func ObserveCatalogPage() {
	Init()
	catalogPagesTotal.Inc()
}

// SetCatalogEntries records the unique entry count of a finished crawl.
func SetCatalogEntries(n int) {
	Init()
	catalogEntriesObserved.Set(float64(n))
}

// ObserveSkip increments the skipped queue item counter.
func ObserveSkip() {
	Init()
	queueSkippedTotal.Inc()
}

// ObserveDirect increments the direct download counter.
func ObserveDirect(result string) {
	Init()
	directDownloadsTotal.WithLabelValues(result).Inc()
}

// ObserveNavigation increments the navigation counter.
func ObserveNavigation() {
	Init()
	navigationsTotal.Inc()
}

// ObserveRunDuration records how long the control loop ran.
func ObserveRunDuration(seconds float64) {
	Init()
	runDurationSeconds.Observe(seconds)
}

// ObserveHTTPRequest records a request served by the metrics endpoint.
func ObserveHTTPRequest(method, route string, status int) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
