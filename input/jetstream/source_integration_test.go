//go:build integration

package jetstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/message"
	"github.com/c360/framestream/natsclient"
)

func TestSourceIntegration_AckAndRedeliver(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.JetStreamConfig{
		Stream:        "FRAMES",
		Durable:       "framestream-it",
		AckWait:       time.Second,
		MaxAckPending: 100,
		CreateStream:  true,
	}
	src, err := New(ctx, tc.Client, cfg, []string{"frames.cam1"}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Ping(ctx))

	js, err := tc.Client.JetStream()
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		body := fmt.Sprintf(`{"stream_id":"cam1","frame_number":%d,"frame_data":"eA=="}`, i)
		_, err := js.Publish(ctx, "frames.cam1", []byte(body))
		require.NoError(t, err)
	}

	var got []message.Position
	for len(got) < 2 && ctx.Err() == nil {
		raw, err := src.Poll(ctx, 500*time.Millisecond)
		require.NoError(t, err)
		if raw != nil {
			assert.Equal(t, "frames.cam1", raw.Key)
			got = append(got, raw.Position)
		}
	}
	require.Len(t, got, 2)

	// First completed, second failed: only the second comes back
	require.NoError(t, src.Commit(ctx, got[:1], got[1:]))

	for ctx.Err() == nil {
		raw, err := src.Poll(ctx, 500*time.Millisecond)
		require.NoError(t, err)
		if raw != nil {
			assert.Equal(t, got[1].Offset, raw.Position.Offset)
			require.NoError(t, src.Commit(ctx, []message.Position{raw.Position}, nil))
			return
		}
	}
	t.Fatal("failed message was not redelivered")
}
