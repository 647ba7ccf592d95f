package objectstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/framestream/metric"
)

// storeMetrics holds Prometheus metrics for ObjectStore operations.
type storeMetrics struct {
	writeOps     prometheus.Counter
	writeLatency prometheus.Histogram
	writeBytes   prometheus.Counter
	errors       *prometheus.CounterVec // operation: put, status
	storageBytes prometheus.Gauge
}

// newStoreMetrics creates and registers ObjectStore metrics with the provided registry.
func newStoreMetrics(registry *metric.Registry, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		writeOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "framestream",
			Subsystem:   "objectstore",
			Name:        "write_operations_total",
			Help:        "Total number of successful uploads",
			ConstLabels: labels,
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "framestream",
			Subsystem:   "objectstore",
			Name:        "write_duration_seconds",
			Help:        "Upload duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		}),
		writeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "framestream",
			Subsystem:   "objectstore",
			Name:        "write_bytes_total",
			Help:        "Total bytes uploaded",
			ConstLabels: labels,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "framestream",
			Subsystem:   "objectstore",
			Name:        "operation_errors_total",
			Help:        "Total number of operation errors",
			ConstLabels: labels,
		}, []string{"operation"}),
		storageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "framestream",
			Subsystem:   "objectstore",
			Name:        "storage_bytes",
			Help:        "Bucket size in bytes as last reported by the server",
			ConstLabels: labels,
		}),
	}

	prefix := "objectstore_" + bucket
	if err := registry.RegisterCounter(prefix, "write_ops", m.writeOps); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram(prefix, "write_latency", m.writeLatency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "write_bytes", m.writeBytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "errors", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "storage_bytes", m.storageBytes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *storeMetrics) recordWrite(size int, seconds float64) {
	if m != nil {
		m.writeOps.Inc()
		m.writeBytes.Add(float64(size))
		m.writeLatency.Observe(seconds)
	}
}

func (m *storeMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

func (m *storeMetrics) updateStorageBytes(bytes float64) {
	if m != nil {
		m.storageBytes.Set(bytes)
	}
}
