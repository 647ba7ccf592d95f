package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/framestream/metric"
)

// engineMetrics holds Prometheus metrics for the control loop
type engineMetrics struct {
	state         prometheus.Gauge
	records       *prometheus.CounterVec // by key
	malformed     prometheus.Counter
	pollErrors    prometheus.Counter
	pendingFrames prometheus.Gauge
	drainDuration prometheus.Histogram
}

// newEngineMetrics creates and registers engine metrics. A nil registry
// disables them.
func newEngineMetrics(registry *metric.Registry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framestream",
			Subsystem: "engine",
			Name:      "state",
			Help:      "Lifecycle state: 0 stopped, 1 starting, 2 running, 3 draining",
		}),

		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "engine",
			Name:      "records_total",
			Help:      "Records received from the broker",
		}, []string{"key"}),

		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "engine",
			Name:      "malformed_records_total",
			Help:      "Records that could not be decoded or routed",
		}),

		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "engine",
			Name:      "poll_errors_total",
			Help:      "Broker poll errors",
		}),

		pendingFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framestream",
			Subsystem: "engine",
			Name:      "pending_frames",
			Help:      "Records held in open windows",
		}),

		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "framestream",
			Subsystem: "engine",
			Name:      "drain_duration_seconds",
			Help:      "Time spent draining on shutdown",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		}),
	}

	if err := registry.RegisterGauge("engine", "state", m.state); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "records", m.records); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "malformed_records", m.malformed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "poll_errors", m.pollErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "pending_frames", m.pendingFrames); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("engine", "drain_duration", m.drainDuration); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *engineMetrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *engineMetrics) recordReceived(key string) {
	if m != nil {
		m.records.WithLabelValues(key).Inc()
	}
}

func (m *engineMetrics) recordMalformed() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *engineMetrics) recordPollError() {
	if m != nil {
		m.pollErrors.Inc()
	}
}

func (m *engineMetrics) setPending(n int) {
	if m != nil {
		m.pendingFrames.Set(float64(n))
	}
}

func (m *engineMetrics) recordDrain(seconds float64) {
	if m != nil {
		m.drainDuration.Observe(seconds)
	}
}
