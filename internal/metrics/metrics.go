// Package metrics holds the process's Prometheus collectors, following the
// teacher's escrow.Metrics shape: one struct of pre-registered collectors
// built with promauto, record methods that wrap WithLabelValues, and a
// single constructor called once at startup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the orchestrator, source
// adapters, and defense layer report against.
type Metrics struct {
	EventsIngested  *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	StoreFailures   prometheus.Counter
	QueueDepth      *prometheus.GaugeVec
	AlertsEmitted   *prometheus.CounterVec
	ProbesAttempted prometheus.Counter
	ProbesConfirmed prometheus.Counter
	ProbesSkipped   prometheus.Counter
	BlocklistSize   prometheus.Gauge
	APIRequestTotal *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	return &Metrics{
		EventsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowhunter_events_ingested_total",
				Help: "Total flow events ingested by source",
			},
			[]string{"source"}, // "sniffer" or "generator"
		),
		EventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shadowhunter_events_dropped_total",
				Help: "Total flow events dropped because every worker queue was full",
			},
		),
		StoreFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shadowhunter_graph_store_failures_total",
				Help: "Total graph store write failures after retry",
			},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shadowhunter_worker_queue_depth",
				Help: "Current depth of each analyzer worker queue",
			},
			[]string{"worker"},
		),
		AlertsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowhunter_alerts_emitted_total",
				Help: "Total alerts emitted by severity",
			},
			[]string{"severity"},
		),
		ProbesAttempted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shadowhunter_probes_attempted_total",
				Help: "Total active-defense probes dispatched",
			},
		),
		ProbesConfirmed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shadowhunter_probes_confirmed_total",
				Help: "Total probes that confirmed a shadow-AI endpoint",
			},
		),
		ProbesSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shadowhunter_probes_skipped_total",
				Help: "Total probes skipped by a guard (cooldown, rate limit, blocklist)",
			},
		),
		BlocklistSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "shadowhunter_blocklist_size",
				Help: "Current number of active blocklist entries",
			},
		),
		APIRequestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowhunter_api_requests_total",
				Help: "Total REST API requests by route and status class",
			},
			[]string{"route", "status_class"},
		),
	}
}

// RecordIngested is called once per event published by a source adapter.
func (m *Metrics) RecordIngested(source string) {
	m.EventsIngested.WithLabelValues(source).Inc()
}

// RecordDropped counts one event dropped for lack of worker capacity. The
// launcher's metrics poller adds the analyzer's drop count to EventsDropped
// directly instead.
func (m *Metrics) RecordDropped() {
	m.EventsDropped.Inc()
}

// RecordStoreFailure counts one graph write failure. The launcher's metrics
// poller adds the analyzer's failure count to StoreFailures directly instead.
func (m *Metrics) RecordStoreFailure() {
	m.StoreFailures.Inc()
}

// SetQueueDepth reports one worker's current queue length.
func (m *Metrics) SetQueueDepth(worker string, depth int) {
	m.QueueDepth.WithLabelValues(worker).Set(float64(depth))
}

// RecordAlert counts one emitted alert under its severity; nothing in the
// pipeline calls it, so AlertsEmitted stays at zero.
func (m *Metrics) RecordAlert(severity string) {
	m.AlertsEmitted.WithLabelValues(severity).Inc()
}

// RecordProbe records the outcome of one active-defense probe dispatch.
func (m *Metrics) RecordProbe(attempted, confirmed, skipped bool) {
	if attempted {
		m.ProbesAttempted.Inc()
	}
	if confirmed {
		m.ProbesConfirmed.Inc()
	}
	if skipped {
		m.ProbesSkipped.Inc()
	}
}

// SetBlocklistSize reports the current blocklist length.
func (m *Metrics) SetBlocklistSize(n int) {
	m.BlocklistSize.Set(float64(n))
}

// RecordAPIRequest counts one REST request under its route and status
// class; the API layer does not call it, so APIRequestTotal stays at zero.
func (m *Metrics) RecordAPIRequest(route, statusClass string) {
	m.APIRequestTotal.WithLabelValues(route, statusClass).Inc()
}

// Handler returns the /metrics HTTP handler to mount on Metrics.BindAddr.
func Handler() http.Handler {
	return promhttp.Handler()
}
