// Package metrics provides Prometheus instrumentation for the storage layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "folio"

// Metrics contains all storage-layer metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	FallbacksTotal    *prometheus.CounterVec
	RetriesTotal      *prometheus.CounterVec
	ChecksumFailures  *prometheus.CounterVec
	StorageUsedBytes  *prometheus.GaugeVec
	StorageUsageRatio *prometheus.GaugeVec
	ActiveBackend     *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),

		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),

		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "fallbacks_total",
				Help:      "Total number of backend fallbacks",
			},
			[]string{"from", "to"},
		),

		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recovery",
				Name:      "retries_total",
				Help:      "Total number of retried attempts",
			},
			[]string{"kind"},
		),

		ChecksumFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "checksum_failures_total",
				Help:      "Total number of integrity check failures on retrieval",
			},
			[]string{"backend"},
		),

		StorageUsedBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "used_bytes",
				Help:      "Bytes used on the backend",
			},
			[]string{"backend"},
		),

		StorageUsageRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "usage_percent",
				Help:      "Usage of the backend quota in percent",
			},
			[]string{"backend"},
		),

		ActiveBackend: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "active_backend",
				Help:      "1 for the backend currently in use, 0 otherwise",
			},
			[]string{"backend"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.OperationsTotal,
			m.OperationDuration,
			m.FallbacksTotal,
			m.RetriesTotal,
			m.ChecksumFailures,
			m.StorageUsedBytes,
			m.StorageUsageRatio,
			m.ActiveBackend,
		)
	}

	return m
}

// RecordOperation records the outcome and duration of a storage operation.
func (m *Metrics) RecordOperation(operation, backend string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, backend, status).Inc()
	m.OperationDuration.WithLabelValues(operation, backend).Observe(time.Since(start).Seconds())
}

// RecordFallback records a backend switch.
func (m *Metrics) RecordFallback(from, to string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(from, to).Inc()
}

// RecordRetry records a retried attempt.
func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(kind).Inc()
}

// RecordChecksumFailure records a failed integrity check.
func (m *Metrics) RecordChecksumFailure(backend string) {
	if m == nil {
		return
	}
	m.ChecksumFailures.WithLabelValues(backend).Inc()
}

// SetUsage records the latest usage snapshot.
func (m *Metrics) SetUsage(backend string, used int64, percentage float64) {
	if m == nil {
		return
	}
	m.StorageUsedBytes.WithLabelValues(backend).Set(float64(used))
	m.StorageUsageRatio.WithLabelValues(backend).Set(percentage)
}

// SetActiveBackend marks backend as the only active one among all.
func (m *Metrics) SetActiveBackend(active string, all ...string) {
	if m == nil {
		return
	}
	for _, b := range all {
		v := 0.0
		if b == active {
			v = 1
		}
		m.ActiveBackend.WithLabelValues(b).Set(v)
	}
}
