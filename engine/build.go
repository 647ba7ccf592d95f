package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/health"
	"github.com/c360/framestream/inference"
	"github.com/c360/framestream/input"
	"github.com/c360/framestream/input/jetstream"
	"github.com/c360/framestream/input/kafka"
	"github.com/c360/framestream/metric"
	"github.com/c360/framestream/natsclient"
	"github.com/c360/framestream/output/events"
	"github.com/c360/framestream/processor/pipeline"
	"github.com/c360/framestream/storage"
	"github.com/c360/framestream/storage/objectstore"
)

const (
	natsConnectTimeout = 10 * time.Second
	natsMetricsPeriod  = 15 * time.Second
	serverStopTimeout  = 5 * time.Second
	natsCloseTimeout   = 5 * time.Second
)

// Build connects everything cfg describes and returns a stopped engine.
// Resources opened before a failure are released again.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Engine, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	var cleanup []Closer
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i].Close()
		}
	}()

	monitor := health.NewMonitor("framestream")
	var registry *metric.Registry
	if cfg.Metrics.Enabled {
		registry = metric.NewRegistry()
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, monitor)
		if err := server.Start(); err != nil {
			return nil, errors.WrapFatal(err, "Engine", "Build", "start metrics server")
		}
		cleanup = append(cleanup, Closer{Name: "metrics-server", Close: func() error {
			return server.Stop(serverStopTimeout)
		}})
	}

	nc, err := connectNATS(ctx, cfg.NATS, registry, monitor, logger)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, Closer{Name: "nats", Close: func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), natsCloseTimeout)
		defer cancel()
		return nc.Close(closeCtx)
	}})

	source, err := newSource(ctx, cfg, nc, logger)
	if err != nil {
		return nil, err
	}

	client, err := inference.NewClient(cfg.Inference, cfg.InferenceRetry(),
		inference.WithLogger(logger), inference.WithMetrics(registry))
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	router, stores, err := openStores(ctx, cfg, nc, registry, logger)
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	processor := pipeline.New(client, router, cfg.Storage.Prefix, cfg.Storage.JPEGQuality,
		pipeline.WithLogger(logger))

	opts := []Option{
		WithLogger(logger),
		WithMetrics(registry),
		WithHealth(monitor),
		WithInferenceProbe(client.Health),
	}
	for _, s := range stores {
		opts = append(opts, WithRefresher(s.RefreshMetrics))
	}

	for _, c := range cleanup {
		opts = append(opts, WithCloser(c.Name, c.Close))
	}

	if cfg.Events.Enabled {
		emitter, err := newEmitter(cfg.Events, nc, registry, logger)
		if err != nil {
			_ = source.Close()
			return nil, err
		}
		opts = append(opts, WithEmitter(emitter), WithCloser("events", emitter.Close))
	}

	e, err := New(cfg, source, processor, opts...)
	if err != nil {
		_ = source.Close()
		return nil, err
	}
	return e, nil
}

func connectNATS(
	ctx context.Context, cfg config.NATSConfig, registry *metric.Registry, monitor *health.Monitor, logger *slog.Logger,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.Name),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithTimeout(cfg.Timeout),
		natsclient.WithMetrics(registry, natsMetricsPeriod),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.UpdateHealthy("nats", "connected")
			} else {
				monitor.UpdateUnhealthy("nats", "disconnected")
			}
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}

	nc, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Engine", "Build", "create nats client")
	}
	if err := nc.Connect(ctx); err != nil {
		return nil, errors.WrapFatal(err, "Engine", "Build", "connect to nats")
	}

	connCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(context.Background())
		return nil, errors.WrapFatal(err, "Engine", "Build", "wait for nats")
	}
	return nc, nil
}

func newSource(ctx context.Context, cfg *config.Config, nc *natsclient.Client, logger *slog.Logger) (input.Source, error) {
	if cfg.Broker.Type == config.BrokerJetStream {
		src, err := jetstream.New(ctx, nc, cfg.Broker.JetStream, cfg.Keys, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	src, err := kafka.New(cfg.Broker.Kafka, cfg.Keys, logger)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// openStores opens one object store bucket per destination and binds it,
// wrapped with the upload retry policy, to the router.
func openStores(
	ctx context.Context, cfg *config.Config, nc *natsclient.Client, registry *metric.Registry, logger *slog.Logger,
) (*storage.Router, []*objectstore.Store, error) {
	router, err := storage.NewRouter(cfg.Storage, cfg.Keys)
	if err != nil {
		return nil, nil, err
	}

	var stores []*objectstore.Store
	for _, dest := range router.Destinations() {
		store, err := objectstore.NewStore(ctx, nc, dest, cfg.Storage.CreateBuckets,
			objectstore.WithLogger(logger), objectstore.WithMetrics(registry))
		if err != nil {
			return nil, nil, err
		}
		router.Bind(dest, storage.NewRetryingStore(store, cfg.StorageRetry(), logger))
		stores = append(stores, store)
	}
	return router, stores, nil
}

func newEmitter(
	cfg config.EventsConfig, nc *natsclient.Client, registry *metric.Registry, logger *slog.Logger,
) (*events.Emitter, error) {
	var sink events.Sink
	switch cfg.Sink {
	case config.SinkMQTT:
		s, err := events.NewMQTTSink(cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		sink = s
	default:
		sink = events.NewNATSSink(nc)
	}

	emitter, err := events.NewEmitter(sink, cfg.Subject, cfg.Encoding, registry, logger)
	if err != nil {
		_ = sink.Close()
		return nil, errors.WrapFatal(err, "Engine", "Build", "create event emitter")
	}
	return emitter, nil
}
