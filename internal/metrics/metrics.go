// Package metrics holds the Prometheus collectors of the dataframe export path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "textutils"

// Result label values of ExportsTotal.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Export collects metrics about CSV exports.
//
// A nil *Export is valid and records nothing, so callers don't need to check.
type Export struct {
	ExportsTotal    *prometheus.CounterVec
	CleanupFailures prometheus.Counter
	Duration        prometheus.Histogram
}

// NewExport creates the export collectors and registers them in reg.
// If reg is nil the collectors are created but not registered.
func NewExport(reg prometheus.Registerer) *Export {
	factory := promauto.With(reg)
	return &Export{
		ExportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "exports_total",
				Help:      "Total number of dataset to CSV exports, by result.",
			},
			[]string{"result"},
		),
		CleanupFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "export_cleanup_failures_total",
				Help:      "Total number of staging or checksum files that could not be removed after an export.",
			},
		),
		Duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "export_duration_seconds",
				Help:      "Duration of dataset to CSV exports, including the merge and cleanup.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
	}
}

// ObserveExport records one finished export.
func (m *Export) ObserveExport(start time.Time, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.ExportsTotal.WithLabelValues(result).Inc()
	m.Duration.Observe(time.Since(start).Seconds())
}

// CleanupFailed records a failed cleanup step.
func (m *Export) CleanupFailed() {
	if m == nil {
		return
	}
	m.CleanupFailures.Inc()
}
