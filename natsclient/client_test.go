package natsclient

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/metric"
)

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, time.Second, c.Backoff())
	assert.Equal(t, -1, c.maxReconnects)
	assert.Nil(t, c.Conn())
}

func TestNewClient_Options(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(3),
		WithReconnectWait(time.Millisecond),
		WithTimeout(time.Second),
		WithDrainTimeout(2*time.Second),
		WithCredentials("user", "pass"),
		WithToken("tok"),
		WithName("framestream-test"),
		WithCircuitBreakerThreshold(0),
		WithMaxBackoff(time.Millisecond),
	)
	require.NoError(t, err)

	assert.Equal(t, 3, c.maxReconnects)
	assert.Equal(t, int32(5), c.circuitThreshold, "threshold below 1 falls back to 5")
	assert.Equal(t, time.Minute, c.maxBackoff, "backoff below 1s falls back to 1m")
	assert.Len(t, c.connectionOptions(), 12)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(3))
	require.NoError(t, err)
	c.backoff.Store(time.Hour) // keep the circuit open for the test

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())
	assert.Equal(t, time.Minute, c.Backoff(), "backoff doubles, capped at max")

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, errors.IsTransient(err))
}

func TestCircuitBreaker_HalfOpenAndReset(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.halfOpen()
	assert.Equal(t, StatusDisconnected, c.Status())

	c.recordFailure()
	c.resetCircuit()
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestNotConnectedOperations(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.Publish(ctx, "subject", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, errors.IsTransient(err))

	_, err = c.ObjectStore(ctx, "bucket", true)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
}

func TestConnect_Unreachable(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithTimeout(100*time.Millisecond), WithMaxReconnects(0))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.Equal(t, int32(1), c.Failures())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestWaitForConnection_Timeout(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = c.WaitForConnection(ctx)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
}

func TestMetrics_RecordStatusAndFailures(t *testing.T) {
	registry := metric.NewRegistry()
	c, err := NewClient("nats://localhost:4222", WithMetrics(registry, 0), WithCircuitBreakerThreshold(10))
	require.NoError(t, err)
	require.NotNil(t, c.metrics)

	c.setStatus(StatusReconnecting)
	c.recordFailure()
	c.recordFailure()

	assert.Equal(t, float64(StatusReconnecting), testutil.ToFloat64(c.metrics.status))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.failures))

	// Second client on the same registry collides
	_, err = NewClient("nats://localhost:4222", WithMetrics(registry, 0))
	assert.Error(t, err)
}

func TestHealthCallback(t *testing.T) {
	var mu sync.Mutex
	var events []bool
	done := make(chan struct{}, 2)

	c, err := NewClient("nats://localhost:4222", WithHealthChangeCallback(func(h bool) {
		mu.Lock()
		events = append(events, h)
		mu.Unlock()
		done <- struct{}{}
	}))
	require.NoError(t, err)

	c.handleDisconnect(nil, nil)
	<-done
	assert.Equal(t, StatusReconnecting, c.Status())

	c.handleReconnect(nil)
	<-done
	assert.Equal(t, StatusConnected, c.Status())

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []bool{false, true}, events)
}

func TestIsAlreadyExistsError(t *testing.T) {
	assert.False(t, isAlreadyExistsError(nil))
	assert.False(t, isAlreadyExistsError(assert.AnError))
	assert.True(t, isAlreadyExistsError(stderrors.New("nats: bucket name already in use")))
}
