package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/natsclient"
)

// Sink delivers encoded events to a subject or topic
type Sink interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// NATSSink publishes on the shared NATS connection
type NATSSink struct {
	client *natsclient.Client
}

// NewNATSSink wraps a connected client. Closing the sink leaves the
// connection open.
func NewNATSSink(client *natsclient.Client) *NATSSink {
	return &NATSSink{client: client}
}

// Publish sends data as a core NATS message
func (s *NATSSink) Publish(ctx context.Context, subject string, data []byte) error {
	return s.client.Publish(ctx, subject, data)
}

// Close is a no-op
func (s *NATSSink) Close() error {
	return nil
}

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTSink publishes to an MQTT broker with automatic reconnection
type MQTTSink struct {
	client mqtt.Client
	qos    byte
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// NewMQTTSink connects to cfg.Broker and waits for the connection
func NewMQTTSink(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MQTTSink{qos: byte(cfg.QoS), logger: logger.With("component", "mqtt-sink", "broker", cfg.Broker)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		s.setConnected(true)
		s.logger.Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	s.client = mqtt.NewClient(opts)
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MQTTSink) connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		s.client.Disconnect(0)
		return errors.WrapFatal(fmt.Errorf("%w: mqtt connect", errors.ErrConnectionTimeout),
			"MQTTSink", "Connect", "connect to broker")
	}
	if err := token.Error(); err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrNoConnection, err),
			"MQTTSink", "Connect", "connect to broker")
	}
	s.setConnected(true)
	return nil
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *MQTTSink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Publish sends data to topic and waits for the broker acknowledgement
func (s *MQTTSink) Publish(_ context.Context, topic string, data []byte) error {
	if !s.isConnected() {
		return errors.WrapTransient(errors.ErrNoConnection, "MQTTSink", "Publish", "check connection")
	}
	token := s.client.Publish(topic, s.qos, false, data)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "MQTTSink", "Publish", "wait for ack")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "MQTTSink", "Publish", "publish")
	}
	return nil
}

// Close disconnects with a short grace period
func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.setConnected(false)
	return nil
}
