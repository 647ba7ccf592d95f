package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/framestream/metric"
)

// clientMetrics exports connection state plus the depth of the streams and
// consumers created through the client. All methods are nil-safe.
type clientMetrics struct {
	status          prometheus.Gauge
	failures        prometheus.Counter
	streamMessages  *prometheus.GaugeVec
	consumerPending *prometheus.GaugeVec
	ackPending      *prometheus.GaugeVec

	interval time.Duration
	cancel   context.CancelFunc

	mu        sync.RWMutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
}

func newClientMetrics(registry *metric.Registry, interval time.Duration) (*clientMetrics, error) {
	m := &clientMetrics{
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framestream",
			Subsystem: "nats",
			Name:      "connection_status",
			Help:      "Connection status (0=disconnected 1=connecting 2=connected 3=reconnecting 4=circuit_open)",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "nats",
			Name:      "failures_total",
			Help:      "Failed NATS operations",
		}),
		streamMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "framestream",
			Subsystem: "jetstream",
			Name:      "stream_messages",
			Help:      "Messages currently stored in the stream",
		}, []string{"stream"}),
		consumerPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "framestream",
			Subsystem: "jetstream",
			Name:      "consumer_pending",
			Help:      "Messages not yet delivered to the consumer",
		}, []string{"consumer"}),
		ackPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "framestream",
			Subsystem: "jetstream",
			Name:      "consumer_ack_pending",
			Help:      "Messages delivered but not yet acknowledged",
		}, []string{"consumer"}),
		interval:  interval,
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
	}

	const svc = "natsclient"
	if err := registry.RegisterGauge(svc, "connection_status", m.status); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(svc, "failures_total", m.failures); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec(svc, "stream_messages", m.streamMessages); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec(svc, "consumer_pending", m.consumerPending); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec(svc, "consumer_ack_pending", m.ackPending); err != nil {
		return nil, err
	}

	if interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.poll(ctx)
	}
	return m, nil
}

func (m *clientMetrics) recordStatus(s ConnectionStatus) {
	if m == nil {
		return
	}
	m.status.Set(float64(s))
}

func (m *clientMetrics) recordFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

func (m *clientMetrics) trackStream(name string, s jetstream.Stream) {
	if m == nil || s == nil {
		return
	}
	m.mu.Lock()
	m.streams[name] = s
	m.mu.Unlock()
}

func (m *clientMetrics) trackConsumer(name string, c jetstream.Consumer) {
	if m == nil || c == nil {
		return
	}
	m.mu.Lock()
	m.consumers[name] = c
	m.mu.Unlock()
}

func (m *clientMetrics) stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
}

func (m *clientMetrics) poll(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect(ctx)
		}
	}
}

func (m *clientMetrics) collect(ctx context.Context) {
	m.mu.RLock()
	streams := make(map[string]jetstream.Stream, len(m.streams))
	for k, v := range m.streams {
		streams[k] = v
	}
	consumers := make(map[string]jetstream.Consumer, len(m.consumers))
	for k, v := range m.consumers {
		consumers[k] = v
	}
	m.mu.RUnlock()

	for name, s := range streams {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		info, err := s.Info(reqCtx)
		cancel()
		if err == nil {
			m.streamMessages.WithLabelValues(name).Set(float64(info.State.Msgs))
		}
	}
	for name, c := range consumers {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		info, err := c.Info(reqCtx)
		cancel()
		if err == nil {
			m.consumerPending.WithLabelValues(name).Set(float64(info.NumPending))
			m.ackPending.WithLabelValues(name).Set(float64(info.NumAckPending))
		}
	}
}
