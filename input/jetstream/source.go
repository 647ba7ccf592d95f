// Package jetstream consumes frame records from a NATS JetStream durable pull
// consumer.
//
// Every configured key is a literal subject of the stream. Messages are
// acknowledged individually: completed positions are double-acked, failed
// positions are negatively acknowledged so the server redelivers them, and
// positions never committed are redelivered once AckWait expires.
package jetstream

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/input"
	"github.com/c360/framestream/message"
	"github.com/c360/framestream/natsclient"
)

var _ input.Source = (*Source)(nil)

// consumer is the part of jetstream.Consumer the source uses
type consumer interface {
	Next(opts ...jetstream.FetchOpt) (jetstream.Msg, error)
	Info(ctx context.Context) (*jetstream.ConsumerInfo, error)
}

// Source pulls one message per Poll from a durable consumer
type Source struct {
	consumer consumer
	stream   string
	logger   *slog.Logger
	closed   atomic.Bool
}

// New binds a durable consumer filtered to subjects, creating the stream
// first when cfg.CreateStream is set.
func New(
	ctx context.Context, client *natsclient.Client, cfg config.JetStreamConfig, subjects []string, logger *slog.Logger,
) (*Source, error) {
	if cfg.Stream == "" || cfg.Durable == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "JetStreamSource", "New", "check stream and durable")
	}
	if len(subjects) == 0 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "JetStreamSource", "New", "check subjects")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.CreateStream {
		if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: subjects,
		}); err != nil {
			return nil, errors.WrapFatal(err, "JetStreamSource", "New", "ensure stream")
		}
	}

	cons, err := client.EnsureConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:        cfg.Durable,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        cfg.AckWait,
		MaxAckPending:  cfg.MaxAckPending,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: subjects,
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "JetStreamSource", "New", "ensure consumer")
	}

	return newSource(cons, cfg.Stream, logger), nil
}

func newSource(c consumer, stream string, logger *slog.Logger) *Source {
	return &Source{
		consumer: c,
		stream:   stream,
		logger:   logger.With("component", "jetstream-source", "stream", stream),
	}
}

// Ping verifies the consumer is reachable
func (s *Source) Ping(ctx context.Context) error {
	if _, err := s.consumer.Info(ctx); err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrNoConnection, err),
			"JetStreamSource", "Ping", "fetch consumer info")
	}
	return nil
}

// Poll fetches the next message, waiting at most timeout
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (*message.Raw, error) {
	if s.closed.Load() {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "JetStreamSource", "Poll", "check source state")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil
	}

	msg, err := s.consumer.Next(jetstream.FetchMaxWait(timeout))
	if err != nil {
		if stderrors.Is(err, nats.ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "JetStreamSource", "Poll", "fetch message")
	}

	md, err := msg.Metadata()
	if err != nil {
		// Without a sequence the message cannot be ordered; let it redeliver
		_ = msg.Nak()
		return nil, errors.WrapTransient(err, "JetStreamSource", "Poll", "read message metadata")
	}

	return &message.Raw{
		Key:   msg.Subject(),
		Value: msg.Data(),
		Position: message.Position{
			Stream: msg.Subject(),
			Offset: int64(md.Sequence.Stream),
			Handle: msg,
		},
		ReceivedAt: time.Now(),
	}, nil
}

// Commit double-acks completed positions and naks failed ones. Positions
// acknowledged by an earlier, partially failed Commit are skipped.
func (s *Source) Commit(ctx context.Context, completed, failed []message.Position) error {
	var errs []error

	for _, pos := range completed {
		msg, ok := pos.Handle.(jetstream.Msg)
		if !ok {
			continue
		}
		if err := msg.DoubleAck(ctx); err != nil && !stderrors.Is(err, jetstream.ErrMsgAlreadyAckd) {
			errs = append(errs, fmt.Errorf("ack %s: %w", pos, err))
		}
	}
	for _, pos := range failed {
		msg, ok := pos.Handle.(jetstream.Msg)
		if !ok {
			continue
		}
		if err := msg.Nak(); err != nil && !stderrors.Is(err, jetstream.ErrMsgAlreadyAckd) {
			errs = append(errs, fmt.Errorf("nak %s: %w", pos, err))
		}
	}

	if len(errs) > 0 {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrCommitFailed, stderrors.Join(errs...)),
			"JetStreamSource", "Commit", "acknowledge messages")
	}
	if n := len(completed) + len(failed); n > 0 {
		s.logger.Debug("acknowledged messages", "completed", len(completed), "failed", len(failed))
	}
	return nil
}

// Redelivers is true: naked and unacknowledged messages come back
func (s *Source) Redelivers() bool {
	return true
}

// Close stops polling. The shared NATS connection is closed by its owner.
func (s *Source) Close() error {
	s.closed.Store(true)
	return nil
}
