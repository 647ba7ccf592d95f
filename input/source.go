// Package input defines the record source contract shared by the Kafka and
// JetStream consumers.
//
// A Source delivers one raw record per Poll and acknowledges progress only
// when the dispatcher's commit coordinator reports a quiescent point. Sources
// are driven by a single control goroutine; rebalance callbacks may run on
// broker goroutines and implementations guard their own state.
package input

import (
	"context"
	"time"

	"github.com/c360/framestream/message"
)

// Source is a broker consumer with explicit progress acknowledgement
type Source interface {
	// Ping verifies the broker is reachable. Failure is a fatal startup
	// error.
	Ping(ctx context.Context) error

	// Poll waits at most timeout for one record. A nil record with a nil
	// error means the wait elapsed without data.
	Poll(ctx context.Context, timeout time.Duration) (*message.Raw, error)

	// Commit acknowledges resolved positions. Completed positions were fully
	// processed; failed positions belong to batches that will not be retried
	// by this process. Positions never passed to Commit are left to the
	// broker's redelivery.
	Commit(ctx context.Context, completed, failed []message.Position) error

	// Redelivers reports whether failed positions are delivered again by the
	// broker. When false a failed batch is lost.
	Redelivers() bool

	// Close releases the broker connection
	Close() error
}
