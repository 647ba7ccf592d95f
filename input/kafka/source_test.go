package kafka

import (
	"context"
	stderrors "errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/message"
)

type fakeBroker struct {
	fetches    []kgo.Fetches
	rebalances int
	commits    [][]*kgo.Record
	commitErr  error
	closed     int
}

func newTestSource(b *fakeBroker) *Source {
	return &Source{
		topics:  []string{"frames"},
		logger:  slog.Default(),
		tracker: newOffsetTracker(),
		pollRecords: func(context.Context, int) kgo.Fetches {
			if len(b.fetches) == 0 {
				return nil
			}
			f := b.fetches[0]
			b.fetches = b.fetches[1:]
			return f
		},
		allowRebalance: func() { b.rebalances++ },
		commitRecords: func(_ context.Context, recs ...*kgo.Record) error {
			if b.commitErr != nil {
				return b.commitErr
			}
			b.commits = append(b.commits, recs)
			return nil
		},
		ping:        func(context.Context) error { return nil },
		closeClient: func() { b.closed++ },
	}
}

func fetchOf(partition int32, recs ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "frames",
		Partitions: []kgo.FetchPartition{{Partition: partition, Records: recs}},
	}}}}
}

func fetchErr(err error) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "frames",
		Partitions: []kgo.FetchPartition{{Partition: 0, Err: err}},
	}}}}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.KafkaConfig{}, []string{"frames"}, nil)
	assert.True(t, errors.IsFatal(err))

	_, err = New(config.KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}, nil, nil)
	assert.True(t, errors.IsFatal(err))
}

func TestNew_CreatesClient(t *testing.T) {
	s, err := New(config.KafkaConfig{
		Brokers:      []string{"127.0.0.1:1"},
		GroupID:      "framestream",
		ClientID:     "test",
		FetchMaxWait: 100 * time.Millisecond,
		StartOffset:  "latest",
	}, []string{"frames"}, nil)
	require.NoError(t, err)
	assert.False(t, s.Redelivers())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestPoll_ReturnsRecordWithPosition(t *testing.T) {
	r := &kgo.Record{Topic: "frames", Partition: 2, Offset: 41, Value: []byte(`{}`)}
	b := &fakeBroker{fetches: []kgo.Fetches{fetchOf(2, r)}}
	s := newTestSource(b)

	raw, err := s.Poll(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, raw)

	assert.Equal(t, "frames", raw.Key)
	assert.Equal(t, []byte(`{}`), raw.Value)
	assert.Equal(t, "frames/2", raw.Position.Stream)
	assert.Equal(t, int64(41), raw.Position.Offset)
	assert.Same(t, r, raw.Position.Handle)
	assert.Equal(t, 1, b.rebalances)
	assert.Equal(t, 1, s.tracker.pending())
}

func TestPoll_TimeoutIsNoRecord(t *testing.T) {
	b := &fakeBroker{fetches: []kgo.Fetches{fetchErr(context.DeadlineExceeded), nil}}
	s := newTestSource(b)

	raw, err := s.Poll(context.Background(), time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = s.Poll(context.Background(), time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, raw)
}

func TestPoll_FetchErrorIsTransient(t *testing.T) {
	b := &fakeBroker{fetches: []kgo.Fetches{fetchErr(stderrors.New("leader not available"))}}
	s := newTestSource(b)

	raw, err := s.Poll(context.Background(), time.Millisecond)
	assert.Nil(t, raw)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestPoll_BuffersExtraRecords(t *testing.T) {
	r1 := &kgo.Record{Topic: "frames", Offset: 1}
	r2 := &kgo.Record{Topic: "frames", Offset: 2}
	b := &fakeBroker{fetches: []kgo.Fetches{fetchOf(0, r1, r2)}}
	s := newTestSource(b)

	first, err := s.Poll(context.Background(), time.Millisecond)
	require.NoError(t, err)
	second, err := s.Poll(context.Background(), time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Position.Offset)
	assert.Equal(t, int64(2), second.Position.Offset)
	assert.Equal(t, 1, b.rebalances, "second record served from buffer")
}

func TestPoll_AfterClose(t *testing.T) {
	b := &fakeBroker{}
	s := newTestSource(b)
	require.NoError(t, s.Close())

	_, err := s.Poll(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.Equal(t, 1, b.closed)
}

func pollAll(t *testing.T, s *Source, n int) []message.Position {
	t.Helper()
	var out []message.Position
	for i := 0; i < n; i++ {
		raw, err := s.Poll(context.Background(), time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, raw)
		out = append(out, raw.Position)
	}
	return out
}

func TestCommit_OnlyAfterResolution(t *testing.T) {
	recs := []*kgo.Record{
		{Topic: "frames", Offset: 0},
		{Topic: "frames", Offset: 1},
		{Topic: "frames", Offset: 2},
	}
	b := &fakeBroker{fetches: []kgo.Fetches{fetchOf(0, recs...)}}
	s := newTestSource(b)
	pos := pollAll(t, s, 3)

	// Second window (offset 2) finishes first: nothing committable yet
	require.NoError(t, s.Commit(context.Background(), pos[2:], nil))
	assert.Empty(t, b.commits)

	// First window failed: resolved as well, watermark jumps to offset 2
	require.NoError(t, s.Commit(context.Background(), nil, pos[:2]))
	require.Len(t, b.commits, 1)
	require.Len(t, b.commits[0], 1)
	assert.Same(t, recs[2], b.commits[0][0])
}

func TestCommit_FailureRetriedNextTime(t *testing.T) {
	r := &kgo.Record{Topic: "frames", Offset: 5}
	b := &fakeBroker{fetches: []kgo.Fetches{fetchOf(0, r)}, commitErr: stderrors.New("coordinator unavailable")}
	s := newTestSource(b)
	pos := pollAll(t, s, 1)

	err := s.Commit(context.Background(), pos, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCommitFailed)
	assert.True(t, errors.IsTransient(err))

	b.commitErr = nil
	require.NoError(t, s.Commit(context.Background(), pos, nil))
	require.Len(t, b.commits, 1)
	assert.Same(t, r, b.commits[0][0])

	require.NoError(t, s.Commit(context.Background(), nil, nil))
	assert.Len(t, b.commits, 1, "nothing new to commit")
}

func TestOnRevoked_CommitsThenDrops(t *testing.T) {
	r := &kgo.Record{Topic: "frames", Offset: 9}
	b := &fakeBroker{fetches: []kgo.Fetches{fetchOf(0, r, &kgo.Record{Topic: "frames", Offset: 10})}}
	s := newTestSource(b)
	pos := pollAll(t, s, 2)
	s.tracker.resolve(pos[0].Stream, pos[0].Offset)

	s.onRevoked(context.Background(), nil, map[string][]int32{"frames": {0}})
	require.Len(t, b.commits, 1)
	assert.Same(t, r, b.commits[0][0])
	assert.Equal(t, 0, s.tracker.pending())

	// A late completion for the revoked partition is ignored
	require.NoError(t, s.Commit(context.Background(), pos[1:], nil))
	assert.Len(t, b.commits, 1)
}

func TestOnLost_Drops(t *testing.T) {
	b := &fakeBroker{fetches: []kgo.Fetches{fetchOf(0, &kgo.Record{Topic: "frames", Offset: 1})}}
	s := newTestSource(b)
	pollAll(t, s, 1)

	s.onLost(context.Background(), nil, map[string][]int32{"frames": {0}})
	assert.Equal(t, 0, s.tracker.pending())
	assert.Empty(t, b.commits)
}

func TestResetOffset(t *testing.T) {
	assert.Equal(t, kgo.NewOffset().AtEnd(), resetOffset("LATEST"))
	assert.Equal(t, kgo.NewOffset().AtStart(), resetOffset("earliest"))
	assert.Equal(t, kgo.NewOffset().AtStart(), resetOffset(""))
}

func TestPing(t *testing.T) {
	s := newTestSource(&fakeBroker{})
	require.NoError(t, s.Ping(context.Background()))

	s.ping = func(context.Context) error { return stderrors.New("dial tcp: refused") }
	err := s.Ping(context.Background())
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}
