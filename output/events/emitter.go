package events

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/framestream/metric"
)

// Emitter encodes batch events and hands them to a sink
type Emitter struct {
	sink     Sink
	subject  string
	encoding string
	logger   *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
	counter   *prometheus.CounterVec
}

// NewEmitter publishes on subject with encoding. A nil registry disables
// metrics.
func NewEmitter(sink Sink, subject, encoding string, registry *metric.Registry, logger *slog.Logger) (*Emitter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		sink:     sink,
		subject:  subject,
		encoding: encoding,
		logger:   logger.With("component", "events", "subject", subject),
	}
	if registry != nil {
		e.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framestream",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Batch events by publish outcome",
		}, []string{"status"})
		if err := registry.RegisterCounterVec("events", "published_total", e.counter); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Emit publishes ev. Failures are logged and counted only.
func (e *Emitter) Emit(ctx context.Context, ev BatchEvent) {
	data, err := Encode(ev, e.encoding)
	if err == nil {
		err = e.sink.Publish(ctx, e.subject, data)
	}
	if err != nil {
		e.failed.Add(1)
		e.count("error")
		e.logger.Warn("batch event not published", "window_id", ev.WindowID, "key", ev.Key, "error", err)
		return
	}
	e.published.Add(1)
	e.count("success")
}

func (e *Emitter) count(status string) {
	if e.counter != nil {
		e.counter.WithLabelValues(status).Inc()
	}
}

// Published returns the number of events delivered
func (e *Emitter) Published() uint64 {
	return e.published.Load()
}

// Failed returns the number of events dropped
func (e *Emitter) Failed() uint64 {
	return e.failed.Load()
}

// Close closes the sink
func (e *Emitter) Close() error {
	return e.sink.Close()
}
