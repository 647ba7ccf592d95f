package inference

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/framestream/metric"
)

// clientMetrics counts inference calls. All methods are nil-safe.
type clientMetrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
	frames   prometheus.Counter
}

func newClientMetrics(registry *metric.Registry) (*clientMetrics, error) {
	m := &clientMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "inference",
			Name:      "requests_total",
			Help:      "Inference HTTP attempts by outcome",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "framestream",
			Subsystem: "inference",
			Name:      "request_duration_seconds",
			Help:      "Inference HTTP attempt latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "inference",
			Name:      "frames_total",
			Help:      "Frames successfully sent for inference",
		}),
	}

	if err := registry.RegisterCounterVec("inference", "requests_total", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("inference", "request_duration_seconds", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("inference", "frames_total", m.frames); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *clientMetrics) observe(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *clientMetrics) addFrames(n int) {
	if m == nil {
		return
	}
	m.frames.Add(float64(n))
}
