package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/dispatch"
	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/health"
	"github.com/c360/framestream/input"
	"github.com/c360/framestream/message"
	"github.com/c360/framestream/metric"
)

// State is the engine lifecycle state
type State int32

// Lifecycle states
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

const (
	commitTimeout       = 10 * time.Second
	defaultStatsPeriod  = 30 * time.Second
	drainCheckInterval  = 50 * time.Millisecond
	dispatcherStopGrace = time.Second
	healthName          = "engine"
)

// Closer releases a resource when the engine stops
type Closer struct {
	Name  string
	Close func() error
}

// Engine owns the control loop: it polls the source, fills windows, submits
// triggered windows to the dispatcher and commits progress when the
// coordinator allows it.
type Engine struct {
	cfg       *config.Config
	source    input.Source
	processor dispatch.BatchProcessor
	logger    *slog.Logger

	decoder     *message.Decoder
	windows     *dispatch.WindowManager
	dispatcher  *dispatch.Dispatcher
	coordinator *dispatch.Coordinator

	emitter        dispatch.EventEmitter
	registry       *metric.Registry
	monitor        *health.Monitor
	probe          func(context.Context) error
	refreshers     []func(context.Context) error
	closers        []Closer
	statsPeriod    time.Duration
	metrics        *engineMetrics
	now            func() time.Time
	lastAgeSweep   time.Time
	lastStatsLog   time.Time
	backgroundWG   sync.WaitGroup
	stopBackground context.CancelFunc
	releaseOnce    sync.Once

	state atomic.Int32
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEmitter publishes a batch event for every processed window
func WithEmitter(emitter dispatch.EventEmitter) Option {
	return func(e *Engine) {
		e.emitter = emitter
	}
}

// WithMetrics registers engine, dispatcher and worker pool metrics
func WithMetrics(registry *metric.Registry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithHealth reports engine state to monitor
func WithHealth(monitor *health.Monitor) Option {
	return func(e *Engine) {
		e.monitor = monitor
	}
}

// WithInferenceProbe checks the inference endpoint during Start
func WithInferenceProbe(probe func(context.Context) error) Option {
	return func(e *Engine) {
		e.probe = probe
	}
}

// WithRefresher runs fn in the background every stats period
func WithRefresher(fn func(context.Context) error) Option {
	return func(e *Engine) {
		e.refreshers = append(e.refreshers, fn)
	}
}

// WithCloser releases a resource after the source is closed
func WithCloser(name string, fn func() error) Option {
	return func(e *Engine) {
		e.closers = append(e.closers, Closer{Name: name, Close: fn})
	}
}

// WithStatsPeriod sets how often running totals are logged
func WithStatsPeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.statsPeriod = d
		}
	}
}

// New creates a stopped engine reading from source and processing windows
// with processor.
func New(cfg *config.Config, source input.Source, processor dispatch.BatchProcessor, opts ...Option) (*Engine, error) {
	if cfg == nil || source == nil || processor == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Engine", "New", "check dependencies")
	}
	decoder, err := message.NewDecoder()
	if err != nil {
		return nil, errors.WrapFatal(err, "Engine", "New", "compile record schema")
	}

	e := &Engine{
		cfg:         cfg,
		source:      source,
		processor:   processor,
		decoder:     decoder,
		logger:      slog.Default(),
		statsPeriod: defaultStatsPeriod,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	e.metrics, err = newEngineMetrics(e.registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Engine", "New", "register metrics")
	}
	return e, nil
}

// Close releases the source and every resource registered with WithCloser
// for an engine that never ran, for example after Start failed. Run releases
// them itself when it returns.
func (e *Engine) Close() error {
	if e.State() != StateStopped {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Close", "check state")
	}
	e.release()
	return nil
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	e.metrics.setState(s)
	if e.monitor == nil {
		return
	}
	switch s {
	case StateRunning:
		e.monitor.UpdateHealthy(healthName, "running")
	case StateDraining:
		e.monitor.UpdateDegraded(healthName, "draining")
	default:
		e.monitor.UpdateUnhealthy(healthName, s.String())
	}
}

// Start checks the source and the inference endpoint, then builds the
// windows, the coordinator and the worker pool. Any failure is fatal and
// leaves the engine stopped.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "check state")
	}
	e.setState(StateStarting)

	if err := e.start(ctx); err != nil {
		e.setState(StateStopped)
		return err
	}

	e.setState(StateRunning)
	e.logger.Info("engine started",
		"broker", e.cfg.Broker.Type,
		"keys", e.cfg.Keys,
		"workers", e.cfg.EffectiveWorkers(),
		"max_batch_size", e.cfg.Batch.MaxSize,
		"max_batch_age", e.cfg.Batch.MaxAge)
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	if err := e.source.Ping(ctx); err != nil {
		return errors.WrapFatal(err, "Engine", "Start", "reach broker")
	}

	if e.probe != nil {
		if err := e.probe(ctx); err != nil {
			if e.cfg.Inference.RequireHealthy {
				return errors.WrapFatal(err, "Engine", "Start", "probe inference endpoint")
			}
			e.logger.Warn("inference endpoint not healthy, continuing", "url", e.cfg.Inference.URL, "error", err)
		}
	}

	dm, err := dispatch.NewMetrics(e.registry)
	if err != nil {
		return errors.WrapFatal(err, "Engine", "Start", "register dispatch metrics")
	}

	e.windows = dispatch.NewWindowManager(e.cfg.Keys, e.cfg.Batch.MaxSize, e.cfg.Batch.MaxAge)
	e.coordinator = dispatch.NewCoordinator(e.logger, dm)

	opts := []dispatch.Option{
		dispatch.WithLogger(e.logger),
		dispatch.WithRedelivery(e.source.Redelivers()),
		dispatch.WithMetrics(dm, e.registry),
	}
	if e.emitter != nil {
		opts = append(opts, dispatch.WithEmitter(e.emitter))
	}
	e.dispatcher = dispatch.NewDispatcher(e.cfg.Keys, e.cfg.EffectiveWorkers(), e.processor, opts...)
	if err := e.dispatcher.Start(); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	e.stopBackground = cancel
	if len(e.refreshers) > 0 {
		e.backgroundWG.Add(1)
		go e.refreshLoop(bgCtx)
	}
	return nil
}

// Run polls until ctx is cancelled, then drains and stops. It returns an
// error only when the source fails fatally; the engine is drained in that
// case too.
func (e *Engine) Run(ctx context.Context) error {
	if e.State() != StateRunning {
		return errors.WrapInvalid(errors.ErrNotStarted, "Engine", "Run", "check state")
	}

	runErr := e.loop(ctx)
	e.drain()
	return runErr
}

func (e *Engine) loop(ctx context.Context) error {
	pollTimeout := e.cfg.Broker.PollTimeout
	e.lastAgeSweep = e.now()
	e.lastStatsLog = e.now()

	for ctx.Err() == nil {
		raw, err := e.source.Poll(ctx, pollTimeout)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			e.metrics.recordPollError()
			if errors.IsFatal(err) {
				e.logger.Error("source failed, draining", "error", err)
				if e.monitor != nil {
					e.monitor.UpdateError("source", err)
				}
				return err
			}
			e.logger.Warn("poll failed", "error", err)
			e.pause(ctx, pollTimeout)
		case raw == nil:
			e.sweepAges()
		default:
			e.handle(raw)
		}

		if e.now().Sub(e.lastAgeSweep) >= pollTimeout {
			e.sweepAges()
		}
		e.collectCompletions()
		e.commit()
		e.logStats(false)
	}
	return nil
}

// handle routes one raw record into its window
func (e *Engine) handle(raw *message.Raw) {
	rec, err := e.decoder.Decode(*raw)
	if err == nil {
		err = e.windows.Append(rec.PartitionKey, rec)
	}
	if err != nil {
		e.metrics.recordMalformed()
		e.logger.Warn("dropping malformed record",
			"key", raw.Key, "position", raw.Position.String(), "error", err)
		e.coordinator.OnDropped(raw.Position)
		return
	}

	e.metrics.recordReceived(rec.PartitionKey)
	e.metrics.setPending(e.windows.TotalPending())
	e.tryDispatch(rec.PartitionKey, e.now())
}

func (e *Engine) sweepAges() {
	now := e.now()
	e.lastAgeSweep = now
	for _, key := range e.windows.Keys() {
		e.tryDispatch(key, now)
	}
}

// tryDispatch submits key's window when it triggered and the key is free
func (e *Engine) tryDispatch(key string, now time.Time) {
	if e.dispatcher.InFlight(key) || !e.windows.ShouldTrigger(key, now) {
		return
	}
	e.submit(key)
}

// submit hands key's open window to the dispatcher. The caller has checked
// that the key is not in flight.
func (e *Engine) submit(key string) bool {
	w := e.windows.TakeAndReset(key)
	if w == nil {
		return false
	}
	e.metrics.setPending(e.windows.TotalPending())

	e.coordinator.OnSubmitted(w)
	if e.dispatcher.Submit(key, w) {
		e.logger.Debug("window submitted", "key", key, "window_id", w.ID, "batch_size", w.Len())
		return true
	}

	e.coordinator.OnCompleted(dispatch.Completion{
		WindowID:  w.ID,
		Key:       key,
		Positions: w.Positions(),
		Err: errors.WrapTransient(fmt.Errorf("%w: not accepted by dispatcher", errors.ErrBatchFailed),
			"Engine", "submit", "submit window"),
	})
	e.logger.Error("batch failed", "key", key, "window_id", w.ID, "batch_size", w.Len(),
		"error", "not accepted by dispatcher")
	return false
}

// collectCompletions moves every pending completion into the coordinator
func (e *Engine) collectCompletions() {
	for {
		select {
		case c := <-e.dispatcher.Completions():
			e.onCompletion(c)
		default:
			return
		}
	}
}

// onCompletion resolves c in the coordinator. The worker clears the key's
// in-flight flag only after delivering c, so a window that filled meanwhile
// is picked up by the next trigger check for the key rather than here.
func (e *Engine) onCompletion(c dispatch.Completion) {
	e.coordinator.OnCompleted(c)
}

// commit performs a broker commit when the coordinator allows it. The call
// runs on its own deadline so the final commit works after cancellation.
func (e *Engine) commit() {
	token, ok := e.coordinator.Tick()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if err := e.source.Commit(ctx, token.Completed, token.Failed); err != nil {
		e.coordinator.CommitFailed()
		e.logger.Warn("commit failed, retrying at next quiescent point",
			"completed", len(token.Completed), "failed", len(token.Failed), "error", err)
		return
	}
	e.coordinator.Committed(token)
	e.logger.Debug("progress committed", "completed", len(token.Completed), "failed", len(token.Failed))
}

func (e *Engine) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// logStats logs running totals once per stats period, or now when forced
func (e *Engine) logStats(force bool) {
	now := e.now()
	if !force && now.Sub(e.lastStatsLog) < e.statsPeriod {
		return
	}
	e.lastStatsLog = now

	pool := e.dispatcher.PoolStats()
	attrs := append(e.dispatcher.Stats().LogAttrs(),
		"pending_frames", e.windows.TotalPending(),
		"outstanding_windows", e.coordinator.Outstanding(),
		"busy_workers", pool.Busy,
		"workers", pool.Workers)
	e.logger.Info("pipeline statistics", attrs...)
}

func (e *Engine) refreshLoop(ctx context.Context) {
	defer e.backgroundWG.Done()
	ticker := time.NewTicker(e.statsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, fn := range e.refreshers {
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					e.logger.Debug("metrics refresh failed", "error", err)
				}
			}
		}
	}
}

// Stats returns the dispatcher's running totals
func (e *Engine) Stats() dispatch.StatsSnapshot {
	if e.dispatcher == nil {
		return dispatch.StatsSnapshot{}
	}
	return e.dispatcher.Stats()
}
