package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordOperation("store", "memory", time.Now(), nil)
		m.RecordFallback("durable_db", "kv_string")
		m.RecordRetry("STORAGE_UNAVAILABLE")
		m.RecordChecksumFailure("kv_string")
		m.SetUsage("memory", 10, 1)
		m.SetActiveBackend("memory", "memory", "kv_string")
	})
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordOperation("store", "durable_db", time.Now(), nil)
	m.RecordOperation("store", "durable_db", time.Now(), errors.New("boom"))
	m.RecordFallback("durable_db", "kv_string")
	m.RecordRetry("STORAGE_UNAVAILABLE")
	m.RecordRetry("STORAGE_UNAVAILABLE")
	m.RecordChecksumFailure("kv_string")
	m.SetUsage("kv_string", 4096, 80)
	m.SetActiveBackend("kv_string", "durable_db", "kv_string", "memory")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("store", "durable_db", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("store", "durable_db", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("durable_db", "kv_string")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("STORAGE_UNAVAILABLE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksumFailures.WithLabelValues("kv_string")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.StorageUsedBytes.WithLabelValues("kv_string")))
	assert.Equal(t, 80.0, testutil.ToFloat64(m.StorageUsageRatio.WithLabelValues("kv_string")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveBackend.WithLabelValues("durable_db")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveBackend.WithLabelValues("kv_string")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_WithoutRegistry(t *testing.T) {
	m := New(nil)
	require.NotNil(t, m)
	m.RecordRetry("STORAGE_UNAVAILABLE")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("STORAGE_UNAVAILABLE")))
}
