// Package metrics exposes Prometheus metrics for link rewriting and the
// replay server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigman78/wayback-replay/internal/rewrite"
)

// Collector owns a private registry so that several instances (tests,
// multiple servers) never collide on registration.
type Collector struct {
	registry *prometheus.Registry

	links           *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	documents       *prometheus.CounterVec
}

// NewCollector creates and registers all metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		links: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayback_replay_links_total",
				Help: "Link occurrences seen by the rewriters, by outcome",
			},
			[]string{"mime", "outcome"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayback_replay_requests_total",
				Help: "Total number of replay requests",
			},
			[]string{"method", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wayback_replay_request_duration_seconds",
				Help:    "Replay request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayback_replay_documents_total",
				Help: "Archived documents served, by archive and handling",
			},
			[]string{"archive", "mode"},
		),
	}
	c.registry.MustRegister(
		c.links,
		c.requestsTotal,
		c.requestDuration,
		c.documents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveLink implements rewrite.Observer.
func (c *Collector) ObserveLink(mimeType string, outcome rewrite.Outcome) {
	c.links.WithLabelValues(mimeType, outcome.String()).Inc()
}

// RecordRequest records one finished HTTP request.
func (c *Collector) RecordRequest(method string, statusCode int, d time.Duration) {
	c.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordDocument counts a served document; mode is "rewritten" or "raw".
func (c *Collector) RecordDocument(archive, mode string) {
	c.documents.WithLabelValues(archive, mode).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
