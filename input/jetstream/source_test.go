package jetstream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/message"
)

type mockConsumer struct {
	mock.Mock
}

func (m *mockConsumer) Next(opts ...jetstream.FetchOpt) (jetstream.Msg, error) {
	args := m.Called()
	msg, _ := args.Get(0).(jetstream.Msg)
	return msg, args.Error(1)
}

func (m *mockConsumer) Info(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	args := m.Called(ctx)
	info, _ := args.Get(0).(*jetstream.ConsumerInfo)
	return info, args.Error(1)
}

// mockMsg implements the jetstream.Msg methods the source calls; the embedded
// interface panics on anything else.
type mockMsg struct {
	jetstream.Msg
	mock.Mock
}

func (m *mockMsg) Subject() string { return m.Called().String(0) }
func (m *mockMsg) Data() []byte    { return m.Called().Get(0).([]byte) }

func (m *mockMsg) Metadata() (*jetstream.MsgMetadata, error) {
	args := m.Called()
	md, _ := args.Get(0).(*jetstream.MsgMetadata)
	return md, args.Error(1)
}

func (m *mockMsg) DoubleAck(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockMsg) Nak() error                          { return m.Called().Error(0) }

func newMsg(subject string, seq uint64) *mockMsg {
	msg := &mockMsg{}
	msg.On("Subject").Return(subject)
	msg.On("Data").Return([]byte(`{"stream_id":"cam"}`))
	msg.On("Metadata").Return(&jetstream.MsgMetadata{Sequence: jetstream.SequencePair{Stream: seq}}, nil)
	return msg
}

func TestPoll_ReturnsRecord(t *testing.T) {
	msg := newMsg("frames.cam1", 42)
	c := &mockConsumer{}
	c.On("Next").Return(msg, nil).Once()
	s := newSource(c, "FRAMES", slog.Default())

	raw, err := s.Poll(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, raw)

	assert.Equal(t, "frames.cam1", raw.Key)
	assert.Equal(t, "frames.cam1", raw.Position.Stream)
	assert.Equal(t, int64(42), raw.Position.Offset)
	assert.Same(t, msg, raw.Position.Handle)
	assert.JSONEq(t, `{"stream_id":"cam"}`, string(raw.Value))
	assert.True(t, s.Redelivers())
}

func TestPoll_TimeoutIsNoRecord(t *testing.T) {
	c := &mockConsumer{}
	c.On("Next").Return(nil, nats.ErrTimeout).Once()
	c.On("Next").Return(nil, context.DeadlineExceeded).Once()
	s := newSource(c, "FRAMES", slog.Default())

	for i := 0; i < 2; i++ {
		raw, err := s.Poll(context.Background(), time.Millisecond)
		assert.NoError(t, err)
		assert.Nil(t, raw)
	}
	c.AssertExpectations(t)
}

func TestPoll_Errors(t *testing.T) {
	c := &mockConsumer{}
	c.On("Next").Return(nil, nats.ErrConnectionClosed).Once()
	s := newSource(c, "FRAMES", slog.Default())

	_, err := s.Poll(context.Background(), time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	raw, err := s.Poll(ctx, time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, raw)

	require.NoError(t, s.Close())
	_, err = s.Poll(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestPoll_MetadataFailureNaks(t *testing.T) {
	msg := &mockMsg{}
	msg.On("Metadata").Return(nil, stderrors.New("not a jetstream message"))
	msg.On("Nak").Return(nil)
	c := &mockConsumer{}
	c.On("Next").Return(msg, nil)
	s := newSource(c, "FRAMES", slog.Default())

	raw, err := s.Poll(context.Background(), time.Millisecond)
	assert.Nil(t, raw)
	assert.Error(t, err)
	msg.AssertCalled(t, "Nak")
}

func TestCommit_AcksAndNaks(t *testing.T) {
	done := newMsg("frames.cam1", 1)
	done.On("DoubleAck", mock.Anything).Return(nil)
	again := newMsg("frames.cam1", 2)
	again.On("DoubleAck", mock.Anything).Return(jetstream.ErrMsgAlreadyAckd)
	failed := newMsg("frames.cam2", 3)
	failed.On("Nak").Return(nil)

	s := newSource(&mockConsumer{}, "FRAMES", slog.Default())
	err := s.Commit(context.Background(),
		[]message.Position{
			{Stream: "frames.cam1", Offset: 1, Handle: done},
			{Stream: "frames.cam1", Offset: 2, Handle: again},
			{Stream: "dropped", Offset: 9},
		},
		[]message.Position{{Stream: "frames.cam2", Offset: 3, Handle: failed}},
	)
	require.NoError(t, err)

	done.AssertCalled(t, "DoubleAck", mock.Anything)
	again.AssertCalled(t, "DoubleAck", mock.Anything)
	failed.AssertCalled(t, "Nak")
}

func TestCommit_AckFailure(t *testing.T) {
	msg := newMsg("frames.cam1", 1)
	msg.On("DoubleAck", mock.Anything).Return(nats.ErrTimeout)

	s := newSource(&mockConsumer{}, "FRAMES", slog.Default())
	err := s.Commit(context.Background(), []message.Position{{Stream: "frames.cam1", Offset: 1, Handle: msg}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCommitFailed)
	assert.ErrorIs(t, err, nats.ErrTimeout)
	assert.True(t, errors.IsTransient(err))
}

func TestPing(t *testing.T) {
	c := &mockConsumer{}
	c.On("Info", mock.Anything).Return(&jetstream.ConsumerInfo{}, nil).Once()
	c.On("Info", mock.Anything).Return(nil, jetstream.ErrConsumerNotFound).Once()
	s := newSource(c, "FRAMES", slog.Default())

	require.NoError(t, s.Ping(context.Background()))
	err := s.Ping(context.Background())
	assert.True(t, errors.IsFatal(err))
}
