// Package kafka consumes frame records from Kafka topics with franz-go.
//
// Every configured key is a topic. Auto-commit is disabled: offsets advance
// only through Commit, which moves each partition's watermark over the
// contiguous prefix of resolved records. Kafka cannot redeliver a single
// failed record without rewinding the whole partition, so failed positions
// are resolved like completed ones and the loss is logged by the caller.
package kafka

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/input"
	"github.com/c360/framestream/message"
)

var _ input.Source = (*Source)(nil)

// Source is a consumer-group member reading one record per Poll
type Source struct {
	client  *kgo.Client
	topics  []string
	logger  *slog.Logger
	tracker *offsetTracker

	// records fetched but not yet returned by Poll
	buffered []*kgo.Record
	closed   atomic.Bool

	pollRecords    func(context.Context, int) kgo.Fetches
	allowRebalance func()
	commitRecords  func(context.Context, ...*kgo.Record) error
	ping           func(context.Context) error
	closeClient    func()
}

// New creates a consumer-group client for topics. Extra kgo options are
// appended after the derived ones.
func New(cfg config.KafkaConfig, topics []string, logger *slog.Logger, opts ...kgo.Opt) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "KafkaSource", "New", "check brokers")
	}
	if len(topics) == 0 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "KafkaSource", "New", "check topics")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Source{
		topics:  append([]string(nil), topics...),
		logger:  logger.With("component", "kafka-source"),
		tracker: newOffsetTracker(),
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(resetOffset(cfg.StartOffset)),
		kgo.OnPartitionsRevoked(s.onRevoked),
		kgo.OnPartitionsLost(s.onLost),
	}
	if cfg.FetchMaxWait > 0 {
		kopts = append(kopts, kgo.FetchMaxWait(cfg.FetchMaxWait))
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "KafkaSource", "New", "create kafka client")
	}

	s.client = cl
	s.pollRecords = cl.PollRecords
	s.allowRebalance = cl.AllowRebalance
	s.commitRecords = cl.CommitRecords
	s.ping = cl.Ping
	s.closeClient = cl.Close
	return s, nil
}

func resetOffset(start string) kgo.Offset {
	if strings.EqualFold(start, "latest") {
		return kgo.NewOffset().AtEnd()
	}
	return kgo.NewOffset().AtStart()
}

// Ping verifies that a broker is reachable
func (s *Source) Ping(ctx context.Context) error {
	if err := s.ping(ctx); err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrNoConnection, err),
			"KafkaSource", "Ping", "reach kafka brokers")
	}
	return nil
}

// Poll returns the next record, waiting at most timeout
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (*message.Raw, error) {
	if s.closed.Load() {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "KafkaSource", "Poll", "check source state")
	}

	if len(s.buffered) == 0 {
		pollCtx, cancel := context.WithTimeout(ctx, timeout)
		fetches := s.pollRecords(pollCtx, 1)
		cancel()
		// Revocation callbacks run here, never while a record is half-tracked
		s.allowRebalance()

		if fetches.IsClientClosed() {
			return nil, errors.WrapFatal(errors.ErrConnectionLost, "KafkaSource", "Poll", "poll records")
		}
		for _, fe := range fetches.Errors() {
			if stderrors.Is(fe.Err, context.DeadlineExceeded) || stderrors.Is(fe.Err, context.Canceled) {
				continue
			}
			return nil, errors.WrapTransient(fe.Err, "KafkaSource", "Poll",
				fmt.Sprintf("fetch %s/%d", fe.Topic, fe.Partition))
		}
		s.buffered = fetches.Records()
	}

	if len(s.buffered) == 0 {
		return nil, nil
	}
	rec := s.buffered[0]
	s.buffered = s.buffered[1:]

	stream := streamOf(rec.Topic, rec.Partition)
	s.tracker.track(stream, rec)

	return &message.Raw{
		Key:   rec.Topic,
		Value: rec.Value,
		Position: message.Position{
			Stream: stream,
			Offset: rec.Offset,
			Handle: rec,
		},
		ReceivedAt: time.Now(),
	}, nil
}

// Commit resolves the given positions and commits every partition whose
// watermark moved. Offsets stay committable after a failed commit.
func (s *Source) Commit(ctx context.Context, completed, failed []message.Position) error {
	for _, pos := range completed {
		s.tracker.resolve(pos.Stream, pos.Offset)
	}
	for _, pos := range failed {
		s.tracker.resolve(pos.Stream, pos.Offset)
	}

	recs := s.tracker.committable()
	if len(recs) == 0 {
		return nil
	}
	if err := s.commitRecords(ctx, recs...); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrCommitFailed, err),
			"KafkaSource", "Commit", "commit offsets")
	}
	s.tracker.committed(recs)

	for _, rec := range recs {
		s.logger.Debug("committed offset", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
	}
	return nil
}

// Redelivers is false: a failed batch is never fetched again
func (s *Source) Redelivers() bool {
	return false
}

// Close leaves the group and closes the client. Uncommitted offsets are
// consumed again by the next member.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.closeClient()
	s.logger.Info("kafka source closed", "unresolved", s.tracker.pending())
	return nil
}

func (s *Source) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	recs := s.tracker.committable()
	if len(recs) > 0 {
		if err := s.commitRecords(ctx, recs...); err != nil {
			s.logger.Warn("commit on revoke failed", "error", err)
		} else {
			s.tracker.committed(recs)
		}
	}
	s.tracker.drop(revoked)
	s.logger.Info("partitions revoked", "partitions", revoked)
}

func (s *Source) onLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	s.tracker.drop(lost)
	s.logger.Warn("partitions lost", "partitions", lost)
}

func streamOf(topic string, partition int32) string {
	return topic + "/" + strconv.FormatInt(int64(partition), 10)
}
