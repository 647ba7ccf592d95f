package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/message"
	"github.com/c360/framestream/metric"
	"github.com/c360/framestream/output/events"
	"github.com/c360/framestream/pkg/worker"
	"github.com/c360/framestream/processor/pipeline"
)

// BatchProcessor processes one window's records
type BatchProcessor interface {
	Process(ctx context.Context, key string, records []message.Record) (pipeline.Result, error)
}

// EventEmitter receives a summary of every finished batch
type EventEmitter interface {
	Emit(ctx context.Context, ev events.BatchEvent)
}

// Completion reports the outcome of a submitted window
type Completion struct {
	WindowID  string
	Key       string
	Positions []message.Position
	Result    pipeline.Result
	Err       error
	Duration  time.Duration
}

// Dispatcher runs windows on a fixed worker pool with at most one window per
// key in flight. Outcomes are delivered on Completions.
type Dispatcher struct {
	processor  BatchProcessor
	emitter    EventEmitter
	redelivers bool
	logger     *slog.Logger
	metrics    *Metrics
	registry   *metric.Registry

	pool        *worker.Pool[*Window]
	inFlight    map[string]*atomic.Bool
	completions chan Completion
	stats       Stats

	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithEmitter publishes a batch event after every batch
func WithEmitter(emitter EventEmitter) Option {
	return func(d *Dispatcher) {
		d.emitter = emitter
	}
}

// WithRedelivery tells the dispatcher whether the source redelivers failed
// batches. Without redelivery a failed batch is logged as lost data.
func WithRedelivery(redelivers bool) Option {
	return func(d *Dispatcher) {
		d.redelivers = redelivers
	}
}

// WithMetrics records dispatch metrics on m and worker pool metrics on
// registry.
func WithMetrics(m *Metrics, registry *metric.Registry) Option {
	return func(d *Dispatcher) {
		d.metrics = m
		d.registry = registry
	}
}

// NewDispatcher creates a dispatcher for keys. The pool runs workers
// goroutines (one per key when workers <= 0) and queues one window per key,
// so an accepted submission is never refused by the pool.
func NewDispatcher(keys []string, workers int, processor BatchProcessor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		processor:   processor,
		logger:      slog.Default(),
		inFlight:    make(map[string]*atomic.Bool, len(keys)),
		completions: make(chan Completion, len(keys)),
		quit:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")

	for _, key := range keys {
		d.inFlight[key] = &atomic.Bool{}
	}
	if workers <= 0 || workers > len(d.inFlight) {
		workers = len(d.inFlight)
	}

	var poolOpts []worker.Option[*Window]
	if d.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[*Window](d.registry, "framestream_workers"))
	}
	d.pool = worker.NewPool(workers, len(d.inFlight), d.run, poolOpts...)
	return d
}

// Start launches the workers. Batches run on a context owned by the
// dispatcher, so cancelling the caller's context does not abort them.
func (d *Dispatcher) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.pool.Start(ctx); err != nil {
		cancel()
		return errors.WrapFatal(err, "Dispatcher", "Start", "start worker pool")
	}
	d.cancel = cancel
	return nil
}

// Submit hands w to the pool unless key already has a window in flight.
// It returns false, leaving w untouched, when the key is busy or the pool
// refuses the window.
func (d *Dispatcher) Submit(key string, w *Window) bool {
	flag, ok := d.inFlight[key]
	if !ok || w == nil || w.Len() == 0 {
		return false
	}
	if !flag.CompareAndSwap(false, true) {
		return false
	}

	if err := d.pool.Submit(w); err != nil {
		flag.Store(false)
		d.logger.Error("window not accepted by worker pool",
			"key", key, "window_id", w.ID, "batch_size", w.Len(), "error", err)
		return false
	}
	d.metrics.setInFlight(key, true)
	return true
}

// InFlight reports whether key has a window being processed
func (d *Dispatcher) InFlight(key string) bool {
	flag, ok := d.inFlight[key]
	return ok && flag.Load()
}

// Completions delivers one Completion per accepted window
func (d *Dispatcher) Completions() <-chan Completion {
	return d.completions
}

// Stats returns the running totals
func (d *Dispatcher) Stats() StatsSnapshot {
	return d.stats.Snapshot()
}

// PoolStats returns the worker pool statistics
func (d *Dispatcher) PoolStats() worker.PoolStats {
	return d.pool.Stats()
}

// Stop stops accepting windows and waits up to timeout for running batches.
// Batches still running afterwards are left to finish on their own and their
// completions are discarded.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	err := d.pool.Stop(timeout)
	d.stopOnce.Do(func() { close(d.quit) })
	if err != nil {
		return errors.WrapTransient(err, "Dispatcher", "Stop", "wait for workers")
	}
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, w *Window) (err error) {
	start := time.Now()
	c := Completion{WindowID: w.ID, Key: w.Key, Positions: w.Positions()}

	defer func() {
		if r := recover(); r != nil {
			c.Err = errors.WrapTransient(fmt.Errorf("%w: panic: %v", errors.ErrBatchFailed, r),
				"Dispatcher", "run", "process batch")
			err = c.Err
		}
		c.Duration = time.Since(start)
		d.complete(ctx, w, c)
	}()

	c.Result, c.Err = d.processor.Process(ctx, w.Key, w.Records)
	return c.Err
}

func (d *Dispatcher) complete(ctx context.Context, w *Window, c Completion) {
	d.metrics.recordBatch(c)
	totals := d.stats.record(c)

	if c.Err != nil {
		d.logger.Error("batch failed",
			"key", c.Key, "window_id", c.WindowID, "batch_size", w.Len(),
			"uploads", c.Result.Uploads, "error", c.Err)
		if !d.redelivers {
			first, last := c.Positions[0], c.Positions[len(c.Positions)-1]
			d.logger.Error("batch data lost",
				"key", c.Key, "window_id", c.WindowID, "batch_size", w.Len(),
				"first_position", first.String(), "last_position", last.String())
		}
	} else {
		d.logger.Info("batch processed",
			append([]any{
				"key", c.Key,
				"window_id", c.WindowID,
				"stream_id", c.Result.StreamID,
				"batch_size", w.Len(),
				"inference_time_ms", c.Result.InferenceTimeMs,
				"processing_time_seconds", c.Duration.Seconds(),
			}, totals.LogAttrs()...)...)
	}

	if d.emitter != nil {
		d.emitter.Emit(ctx, batchEvent(c))
	}

	select {
	case d.completions <- c:
	case <-d.quit:
		d.logger.Warn("completion discarded after stop", "key", c.Key, "window_id", c.WindowID)
	}

	d.inFlight[c.Key].Store(false)
	d.metrics.setInFlight(c.Key, false)
}

func batchEvent(c Completion) events.BatchEvent {
	ev := events.BatchEvent{
		WindowID:        c.WindowID,
		Key:             c.Key,
		StreamID:        c.Result.StreamID,
		Status:          events.StatusCompleted,
		Frames:          len(c.Positions),
		Detections:      c.Result.Detections,
		Uploads:         c.Result.Uploads,
		InferenceTimeMs: c.Result.InferenceTimeMs,
		DurationSeconds: c.Duration.Seconds(),
		Timestamp:       time.Now().UTC(),
	}
	if c.Err != nil {
		ev.Status = events.StatusFailed
		ev.Error = c.Err.Error()
	}
	return ev
}
