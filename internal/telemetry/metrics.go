// Package telemetry exposes Prometheus metrics and the operational HTTP server.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	ItemsProcessed   *prometheus.CounterVec
	DeadLetters      *prometheus.CounterVec
	BytesTransferred prometheus.Counter
	FetchDuration    prometheus.Histogram
	RenderDuration   prometheus.Histogram
	GovernorWait     prometheus.Histogram
}

// New registers all collectors against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scraper",
			Name:      "items_processed_total",
			Help:      "Crawl items by terminal outcome (completed, dead_lettered, abandoned).",
		}, []string{"outcome"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scraper",
			Name:      "dead_letters_total",
			Help:      "Dead-letter events by reason.",
		}, []string{"reason"}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scraper",
			Name:      "bytes_transferred_total",
			Help:      "Decoded body bytes read from origin servers.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scraper",
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of successful streaming fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		RenderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scraper",
			Name:      "render_duration_seconds",
			Help:      "Wall time of headless renders.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60},
		}),
		GovernorWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scraper",
			Name:      "governor_wait_seconds",
			Help:      "Time spent waiting for admission (capacity plus politeness).",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.ItemsProcessed,
		m.DeadLetters,
		m.BytesTransferred,
		m.FetchDuration,
		m.RenderDuration,
		m.GovernorWait,
	)
	return m
}
