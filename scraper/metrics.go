package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Download outcomes recorded by the downloader.
const (
	OutcomeDownloaded      = "downloaded"
	OutcomeSkippedExisting = "skipped_existing"
	OutcomeSkippedNoURL    = "skipped_no_url"
	OutcomeAbandoned       = "abandoned"
	OutcomeWriteFailed     = "write_failed"
)

// Metrics bundles Prometheus collectors for discovery and downloads.
type Metrics struct {
	Registry            *prometheus.Registry
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	ItemsDiscovered     prometheus.Counter
	InvalidRecordsTotal prometheus.Counter
	QueriesTotal        *prometheus.CounterVec
	RetriesTotal        prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
	DownloadsTotal      *prometheus.CounterVec
	BytesWritten        prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_api_requests_total",
			Help: "Total listing API requests issued by the walker.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fetcher_api_request_duration_seconds",
			Help:    "Latency of listing API requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	itemsDiscovered := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetcher_items_discovered_total",
			Help: "Total number of items added to work containers.",
		},
	)
	invalid := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetcher_invalid_records_total",
			Help: "Upstream records dropped because they had no usable file name.",
		},
	)
	queries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_queries_total",
			Help: "Discovery queries by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetcher_download_retries_total",
			Help: "Total number of failed download attempts.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_errors_total",
			Help: "Total number of request errors by type.",
		},
		[]string{"error_type"},
	)
	downloads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_downloads_total",
			Help: "Items handled by the downloader by outcome.",
		},
		[]string{"outcome"},
	)
	bytesWritten := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetcher_bytes_written_total",
			Help: "Total payload bytes written to disk.",
		},
	)

	registry.MustRegister(requests, requestDuration, itemsDiscovered, invalid, queries, retries, errorsTotal, downloads, bytesWritten)

	return &Metrics{
		Registry:            registry,
		RequestsTotal:       requests,
		RequestDuration:     requestDuration,
		ItemsDiscovered:     itemsDiscovered,
		InvalidRecordsTotal: invalid,
		QueriesTotal:        queries,
		RetriesTotal:        retries,
		ErrorsTotal:         errorsTotal,
		DownloadsTotal:      downloads,
		BytesWritten:        bytesWritten,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an API request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncItems increments the discovered items counter.
func (m *Metrics) IncItems() {
	if m == nil {
		return
	}
	m.ItemsDiscovered.Inc()
}

// IncInvalid increments the dropped records counter.
func (m *Metrics) IncInvalid() {
	if m == nil {
		return
	}
	m.InvalidRecordsTotal.Inc()
}

// IncQuery records the outcome of one discovery query.
func (m *Metrics) IncQuery(kind, outcome string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(kind, outcome).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncDownload records how the downloader disposed of an item.
func (m *Metrics) IncDownload(outcome string) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(outcome).Inc()
}

// AddBytes adds n to the bytes written counter.
func (m *Metrics) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.Add(float64(n))
}
