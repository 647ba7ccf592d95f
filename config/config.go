// Package config loads and validates the framestream configuration.
//
// Configuration is read once at startup from a YAML or JSON file through
// viper, overlaid with FRAMESTREAM_* environment variables (dots become
// underscores, so FRAMESTREAM_BATCH_MAX_SIZE sets batch.max_size), and
// validated before any connection is opened. Invalid configuration is a fatal
// startup error.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/pkg/retry"
)

// EnvPrefix is the environment variable prefix for overrides
const EnvPrefix = "FRAMESTREAM"

// Broker types
const (
	BrokerKafka     = "kafka"
	BrokerJetStream = "jetstream"
)

// Event sinks and encodings
const (
	SinkNATS        = "nats"
	SinkMQTT        = "mqtt"
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Config is the complete, typed process configuration
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker" yaml:"broker"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Keys      []string        `mapstructure:"keys" yaml:"keys"`
	Batch     BatchConfig     `mapstructure:"batch" yaml:"batch"`
	Workers   int             `mapstructure:"workers" yaml:"workers"`
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Retry     retry.Config    `mapstructure:"retry" yaml:"retry"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown" yaml:"shutdown"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// BrokerConfig selects and configures the record source
type BrokerConfig struct {
	Type        string          `mapstructure:"type" yaml:"type"`
	PollTimeout time.Duration   `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	Kafka       KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	JetStream   JetStreamConfig `mapstructure:"jetstream" yaml:"jetstream"`
}

// KafkaConfig configures the Kafka consumer group. Every configured key is
// consumed as a topic.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	GroupID      string        `mapstructure:"group_id" yaml:"group_id"`
	ClientID     string        `mapstructure:"client_id" yaml:"client_id"`
	FetchMaxWait time.Duration `mapstructure:"fetch_max_wait" yaml:"fetch_max_wait"`
	StartOffset  string        `mapstructure:"start_offset" yaml:"start_offset"`
}

// JetStreamConfig configures the JetStream pull consumer. Every configured key
// is consumed as a subject of Stream.
type JetStreamConfig struct {
	Stream        string        `mapstructure:"stream" yaml:"stream"`
	Durable       string        `mapstructure:"durable" yaml:"durable"`
	AckWait       time.Duration `mapstructure:"ack_wait" yaml:"ack_wait"`
	MaxAckPending int           `mapstructure:"max_ack_pending" yaml:"max_ack_pending"`
	CreateStream  bool          `mapstructure:"create_stream" yaml:"create_stream"`
}

// NATSConfig is the shared NATS connection used by the JetStream source, the
// object store and the NATS event sink.
type NATSConfig struct {
	URLs          []string      `mapstructure:"urls" yaml:"urls"`
	Name          string        `mapstructure:"name" yaml:"name"`
	Username      string        `mapstructure:"username" yaml:"username,omitempty"`
	Password      string        `mapstructure:"password" yaml:"password,omitempty"`
	Token         string        `mapstructure:"token" yaml:"token,omitempty"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BatchConfig bounds per-key windows
type BatchConfig struct {
	MaxSize int           `mapstructure:"max_size" yaml:"max_size"`
	MaxAge  time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

// InferenceConfig configures the inference HTTP client
type InferenceConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxChunkSize   int           `mapstructure:"max_chunk_size" yaml:"max_chunk_size"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst          int           `mapstructure:"burst" yaml:"burst"`
	RequireHealthy bool          `mapstructure:"require_healthy" yaml:"require_healthy"`
	Retry          *retry.Config `mapstructure:"retry" yaml:"retry,omitempty"`
}

// StorageConfig configures artifact uploads and destination routing.
// Destinations map keys are lowercased by the loader and must not contain dots;
// use DestinationList for dotted JetStream subjects.
type StorageConfig struct {
	Prefix             string            `mapstructure:"prefix" yaml:"prefix"`
	DefaultDestination string            `mapstructure:"default_destination" yaml:"default_destination"`
	Destinations       map[string]string `mapstructure:"destinations" yaml:"destinations,omitempty"`
	DestinationList    []string          `mapstructure:"destination_list" yaml:"destination_list,omitempty"`
	JPEGQuality        int               `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	CreateBuckets      bool              `mapstructure:"create_buckets" yaml:"create_buckets"`
	Retry              *retry.Config     `mapstructure:"retry" yaml:"retry,omitempty"`
}

// EventsConfig configures the optional per-batch event emitter
type EventsConfig struct {
	Enabled  bool       `mapstructure:"enabled" yaml:"enabled"`
	Sink     string     `mapstructure:"sink" yaml:"sink"`
	Subject  string     `mapstructure:"subject" yaml:"subject"`
	Encoding string     `mapstructure:"encoding" yaml:"encoding"`
	MQTT     MQTTConfig `mapstructure:"mqtt" yaml:"mqtt"`
}

// MQTTConfig configures the MQTT event sink
type MQTTConfig struct {
	Broker   string `mapstructure:"broker" yaml:"broker"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	QoS      int    `mapstructure:"qos" yaml:"qos"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// ShutdownConfig bounds the drain phase
type ShutdownConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// MetricsConfig configures the metrics and health server
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Load reads path, applies defaults and FRAMESTREAM_* overrides, and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrMissingConfig, err),
			"Config", "Load", "read config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Config", "Load", "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load produces for an empty file
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	d := retry.DefaultConfig()

	v.SetDefault("broker.type", BrokerKafka)
	v.SetDefault("broker.poll_timeout", 500*time.Millisecond)
	v.SetDefault("broker.kafka.client_id", "framestream")
	v.SetDefault("broker.kafka.fetch_max_wait", 500*time.Millisecond)
	v.SetDefault("broker.kafka.start_offset", "earliest")
	v.SetDefault("broker.jetstream.ack_wait", 2*time.Minute)
	v.SetDefault("broker.jetstream.max_ack_pending", 1000)

	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.name", "framestream")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.timeout", 5*time.Second)

	v.SetDefault("batch.max_size", 25)
	v.SetDefault("batch.max_age", 5*time.Second)
	v.SetDefault("workers", 0)

	v.SetDefault("inference.timeout", 30*time.Second)
	v.SetDefault("inference.max_chunk_size", 25)
	v.SetDefault("inference.rate_limit", 0)
	v.SetDefault("inference.burst", 1)

	v.SetDefault("storage.prefix", "annotated")
	v.SetDefault("storage.jpeg_quality", 90)
	v.SetDefault("storage.create_buckets", true)

	v.SetDefault("retry.max_attempts", d.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.InitialDelay)
	v.SetDefault("retry.max_delay", d.MaxDelay)
	v.SetDefault("retry.multiplier", d.Multiplier)
	v.SetDefault("retry.jitter", d.AddJitter)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.sink", SinkNATS)
	v.SetDefault("events.subject", "framestream.batches")
	v.SetDefault("events.encoding", EncodingJSON)
	v.SetDefault("events.mqtt.client_id", "framestream")
	v.SetDefault("events.mqtt.qos", 1)

	v.SetDefault("shutdown.drain_timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
}

// EffectiveWorkers is the worker pool size: one per key unless configured
// lower. More workers than keys would never be busy since each key has at
// most one batch in flight.
func (c *Config) EffectiveWorkers() int {
	if c.Workers <= 0 || c.Workers > len(c.Keys) {
		return len(c.Keys)
	}
	return c.Workers
}

// InferenceRetry returns the inference retry policy, inheriting the global one
func (c *Config) InferenceRetry() retry.Config {
	if c.Inference.Retry != nil {
		return *c.Inference.Retry
	}
	return c.Retry
}

// StorageRetry returns the upload retry policy, inheriting the global one
func (c *Config) StorageRetry() retry.Config {
	if c.Storage.Retry != nil {
		return *c.Storage.Retry
	}
	return c.Retry
}

// Validate checks the configuration once at startup
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Keys) == 0 {
		return fmt.Errorf("keys must list at least one partition key")
	}
	seen := make(map[string]bool, len(c.Keys))
	for _, key := range c.Keys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("keys must not contain empty entries")
		}
		if seen[key] {
			return fmt.Errorf("duplicate key %q", key)
		}
		seen[key] = true
	}

	if err := c.validateBroker(); err != nil {
		return err
	}

	if c.Batch.MaxSize < 1 {
		return fmt.Errorf("batch.max_size must be at least 1, got %d", c.Batch.MaxSize)
	}
	if c.Batch.MaxAge <= 0 {
		return fmt.Errorf("batch.max_age must be positive")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}

	if err := c.validateInference(); err != nil {
		return err
	}
	if err := c.validateStorage(seen); err != nil {
		return err
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.validateEvents(); err != nil {
		return err
	}

	if len(c.NATS.URLs) == 0 {
		return fmt.Errorf("nats.urls is required for the object store")
	}
	if c.Shutdown.DrainTimeout <= 0 {
		return fmt.Errorf("shutdown.drain_timeout must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.PollTimeout <= 0 {
		return fmt.Errorf("broker.poll_timeout must be positive")
	}

	switch c.Broker.Type {
	case BrokerKafka:
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers is required")
		}
		if c.Broker.Kafka.GroupID == "" {
			return fmt.Errorf("broker.kafka.group_id is required")
		}
		switch c.Broker.Kafka.StartOffset {
		case "", "earliest", "latest":
		default:
			return fmt.Errorf("broker.kafka.start_offset must be earliest or latest, got %q",
				c.Broker.Kafka.StartOffset)
		}
	case BrokerJetStream:
		if c.Broker.JetStream.Stream == "" {
			return fmt.Errorf("broker.jetstream.stream is required")
		}
		if c.Broker.JetStream.Durable == "" {
			return fmt.Errorf("broker.jetstream.durable is required")
		}
		if c.Broker.JetStream.AckWait <= 0 {
			return fmt.Errorf("broker.jetstream.ack_wait must be positive")
		}
	default:
		return fmt.Errorf("broker.type must be %q or %q, got %q", BrokerKafka, BrokerJetStream, c.Broker.Type)
	}
	return nil
}

func (c *Config) validateInference() error {
	if c.Inference.URL == "" {
		return fmt.Errorf("inference.url is required")
	}
	u, err := url.Parse(c.Inference.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("inference.url %q is not an absolute URL", c.Inference.URL)
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("inference.timeout must be positive")
	}
	if c.Inference.MaxChunkSize < 1 {
		return fmt.Errorf("inference.max_chunk_size must be at least 1")
	}
	if c.Inference.RateLimit < 0 {
		return fmt.Errorf("inference.rate_limit must not be negative")
	}
	if c.Inference.Retry != nil {
		if err := c.Inference.Retry.Validate(); err != nil {
			return fmt.Errorf("inference.retry: %w", err)
		}
	}
	return nil
}

func (c *Config) validateStorage(keys map[string]bool) error {
	if c.Storage.Prefix == "" {
		return fmt.Errorf("storage.prefix is required")
	}
	if c.Storage.JPEGQuality < 1 || c.Storage.JPEGQuality > 100 {
		return fmt.Errorf("storage.jpeg_quality must be within 1..100, got %d", c.Storage.JPEGQuality)
	}
	for key := range c.Storage.Destinations {
		if !keys[key] {
			return fmt.Errorf("storage.destinations references unknown key %q", key)
		}
	}
	if len(c.Storage.DestinationList) > len(c.Keys) {
		return fmt.Errorf("storage.destination_list has %d entries for %d keys",
			len(c.Storage.DestinationList), len(c.Keys))
	}
	// Every key must resolve to a bucket
	if c.Storage.DefaultDestination == "" {
		for i, key := range c.Keys {
			if c.Storage.Destinations[key] != "" {
				continue
			}
			if i < len(c.Storage.DestinationList) && c.Storage.DestinationList[i] != "" {
				continue
			}
			return fmt.Errorf("no storage destination for key %q and no default_destination", key)
		}
	}
	if c.Storage.Retry != nil {
		if err := c.Storage.Retry.Validate(); err != nil {
			return fmt.Errorf("storage.retry: %w", err)
		}
	}
	return nil
}

func (c *Config) validateEvents() error {
	if !c.Events.Enabled {
		return nil
	}
	switch c.Events.Sink {
	case SinkNATS:
	case SinkMQTT:
		if c.Events.MQTT.Broker == "" {
			return fmt.Errorf("events.mqtt.broker is required for the mqtt sink")
		}
		if c.Events.MQTT.QoS < 0 || c.Events.MQTT.QoS > 2 {
			return fmt.Errorf("events.mqtt.qos must be 0, 1 or 2")
		}
	default:
		return fmt.Errorf("events.sink must be %q or %q, got %q", SinkNATS, SinkMQTT, c.Events.Sink)
	}
	switch c.Events.Encoding {
	case EncodingJSON, EncodingMsgpack:
	default:
		return fmt.Errorf("events.encoding must be %q or %q, got %q",
			EncodingJSON, EncodingMsgpack, c.Events.Encoding)
	}
	if c.Events.Subject == "" {
		return fmt.Errorf("events.subject is required")
	}
	return nil
}

// Render returns the effective configuration as YAML with secrets masked
func (c *Config) Render() ([]byte, error) {
	redacted := *c
	redacted.NATS.Password = mask(c.NATS.Password)
	redacted.NATS.Token = mask(c.NATS.Token)
	redacted.Events.MQTT.Password = mask(c.Events.MQTT.Password)

	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, errors.Wrap(err, "Config", "Render", "marshal yaml")
	}
	return out, nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
