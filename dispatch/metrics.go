package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/framestream/metric"
)

// Metrics holds the dispatcher and commit coordinator metrics. A nil
// *Metrics records nothing.
type Metrics struct {
	batches       *prometheus.CounterVec   // by key and status (completed/failed)
	frames        *prometheus.CounterVec   // by key
	detections    *prometheus.CounterVec   // by key
	uploads       *prometheus.CounterVec   // by key
	batchDuration *prometheus.HistogramVec // by key
	inFlight      *prometheus.GaugeVec     // by key, 0 or 1
	outstanding   prometheus.Gauge
	commits       *prometheus.CounterVec // by status (success/failure)
	dropped       prometheus.Counter
	abandoned     prometheus.Counter
}

// NewMetrics creates and registers the dispatch metrics. A nil registry
// disables metrics.
func NewMetrics(registry *metric.Registry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "dispatch",
			Name:      "batches_total",
			Help:      "Processed batches by key and status",
		}, []string{"key", "status"}),

		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "dispatch",
			Name:      "frames_total",
			Help:      "Frames in successfully processed batches",
		}, []string{"key"}),

		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "dispatch",
			Name:      "detections_total",
			Help:      "Detections returned for successfully processed batches",
		}, []string{"key"}),

		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "dispatch",
			Name:      "uploads_total",
			Help:      "Annotated frames uploaded",
		}, []string{"key"}),

		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "framestream",
			Subsystem: "dispatch",
			Name:      "batch_duration_seconds",
			Help:      "Time from submission to completion of a batch",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"key"}),

		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "framestream",
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Whether a batch of the key is being processed",
		}, []string{"key"}),

		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framestream",
			Subsystem: "dispatch",
			Name:      "outstanding_windows",
			Help:      "Submitted windows whose completion has not been recorded",
		}),

		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "dispatch",
			Name:      "commits_total",
			Help:      "Broker commits by status",
		}, []string{"status"}),

		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "dispatch",
			Name:      "dropped_records_total",
			Help:      "Malformed records dropped without processing",
		}),

		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "dispatch",
			Name:      "abandoned_windows_total",
			Help:      "Windows still outstanding when the drain timeout expired",
		}),
	}

	if err := registry.RegisterCounterVec("dispatch", "batches", m.batches); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("dispatch", "frames", m.frames); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("dispatch", "detections", m.detections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("dispatch", "uploads", m.uploads); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("dispatch", "batch_duration", m.batchDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("dispatch", "in_flight", m.inFlight); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("dispatch", "outstanding_windows", m.outstanding); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("dispatch", "commits", m.commits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dispatch", "dropped_records", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dispatch", "abandoned_windows", m.abandoned); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordBatch(c Completion) {
	if m == nil {
		return
	}

	status := "completed"
	if c.Err != nil {
		status = "failed"
	}
	m.batches.WithLabelValues(c.Key, status).Inc()
	m.batchDuration.WithLabelValues(c.Key).Observe(c.Duration.Seconds())

	if c.Err == nil {
		m.frames.WithLabelValues(c.Key).Add(float64(c.Result.Frames))
		m.detections.WithLabelValues(c.Key).Add(float64(c.Result.Detections))
	}
	m.uploads.WithLabelValues(c.Key).Add(float64(c.Result.Uploads))
}

func (m *Metrics) setInFlight(key string, busy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if busy {
		v = 1
	}
	m.inFlight.WithLabelValues(key).Set(v)
}

func (m *Metrics) setOutstanding(n int) {
	if m != nil {
		m.outstanding.Set(float64(n))
	}
}

func (m *Metrics) recordCommit(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.commits.WithLabelValues(status).Inc()
}

func (m *Metrics) recordDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) recordAbandoned() {
	if m != nil {
		m.abandoned.Inc()
	}
}
