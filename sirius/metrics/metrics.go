// Package metrics exposes scan pipeline metrics for Prometheus scraping.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// Metrics owns a private registry so tests and embedders never collide
// with the global default. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	scansTotal      *prometheus.CounterVec
	scansInProgress prometheus.Gauge
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	vulnsTotal      *prometheus.CounterVec
	discardedTotal  prometheus.Counter
}

func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codescan_scans_total",
			Help: "Scans that reached a terminal state",
		},
		[]string{"status"},
	)
	m.scansInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codescan_scans_in_progress",
			Help: "Scans currently executing in this process",
		},
	)
	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codescan_scanner_runs_total",
			Help: "Scanner adapter invocations by outcome",
		},
		[]string{"scanner", "status"},
	)
	m.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codescan_scanner_duration_seconds",
			Help:    "Scanner adapter wall time",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"scanner"},
	)
	m.vulnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codescan_vulnerabilities_total",
			Help: "Normalized vulnerabilities persisted",
		},
		[]string{"severity", "type"},
	)
	m.discardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codescan_results_discarded_total",
			Help: "Result sets dropped because their scan was cancelled",
		},
	)

	all := []prometheus.Collector{
		m.scansTotal,
		m.scansInProgress,
		m.runsTotal,
		m.runDuration,
		m.vulnsTotal,
		m.discardedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range all {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ScanStarted() {
	if m == nil {
		return
	}
	m.scansInProgress.Inc()
}

func (m *Metrics) ScanEnded() {
	if m == nil {
		return
	}
	m.scansInProgress.Dec()
}

// ScanFinished counts a terminal transition.
func (m *Metrics) ScanFinished(status scan.Status) {
	if m == nil {
		return
	}
	m.scansTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ScannerRun(run scan.ScannerRun) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(run.Scanner), string(run.Status)).Inc()
	if run.Status != scan.RunSkipped {
		m.runDuration.WithLabelValues(string(run.Scanner)).Observe(float64(run.DurationMs) / 1000)
	}
}

func (m *Metrics) Vulnerabilities(vulns []vulnerability.Vulnerability) {
	if m == nil {
		return
	}
	for i := range vulns {
		m.vulnsTotal.WithLabelValues(string(vulns[i].Severity), string(vulns[i].Type)).Inc()
	}
}

func (m *Metrics) ResultsDiscarded() {
	if m == nil {
		return
	}
	m.discardedTotal.Inc()
}
