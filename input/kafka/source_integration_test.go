//go:build integration

package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/message"
)

func startRedpanda(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd: []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M",
			"--reserve-memory", "0M", "--check=false", "--node-id", "0",
			"--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor: wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "9092")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestSourceIntegration_PollAndCommit(t *testing.T) {
	broker := startRedpanda(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.AllowAutoTopicCreation())
	require.NoError(t, err)
	defer producer.Close()

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"stream_id":"cam","frame_number":%d,"frame_data":"eA=="}`, i)
		require.NoError(t, producer.ProduceSync(ctx, &kgo.Record{Topic: "video-frames-1", Value: []byte(body)}).FirstErr())
	}

	src, err := New(config.KafkaConfig{
		Brokers:      []string{broker},
		GroupID:      "framestream-it",
		FetchMaxWait: 200 * time.Millisecond,
		StartOffset:  "earliest",
	}, []string{"video-frames-1"}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Ping(ctx))

	var positions []message.Position
	for len(positions) < 3 && ctx.Err() == nil {
		raw, err := src.Poll(ctx, 500*time.Millisecond)
		require.NoError(t, err)
		if raw != nil {
			assert.Equal(t, "video-frames-1", raw.Key)
			positions = append(positions, raw.Position)
		}
	}
	require.Len(t, positions, 3)
	require.NoError(t, src.Commit(ctx, positions, nil))
	require.NoError(t, src.Close())

	// A new member of the same group resumes after the committed watermark
	body := `{"stream_id":"cam","frame_number":3,"frame_data":"eA=="}`
	require.NoError(t, producer.ProduceSync(ctx, &kgo.Record{Topic: "video-frames-1", Value: []byte(body)}).FirstErr())

	next, err := New(config.KafkaConfig{
		Brokers:      []string{broker},
		GroupID:      "framestream-it",
		FetchMaxWait: 200 * time.Millisecond,
	}, []string{"video-frames-1"}, nil)
	require.NoError(t, err)
	defer next.Close()

	for ctx.Err() == nil {
		raw, err := next.Poll(ctx, 500*time.Millisecond)
		require.NoError(t, err)
		if raw != nil {
			assert.Equal(t, int64(3), raw.Position.Offset)
			assert.JSONEq(t, body, string(raw.Value))
			return
		}
	}
	t.Fatal("timed out waiting for record after committed offset")
}
