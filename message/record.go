// Package message defines the frame record consumed from the broker and the
// decoder that turns raw broker payloads into records.
package message

import (
	"fmt"
	"time"
)

// Record is one decoded video frame. It is immutable once decoded.
type Record struct {
	StreamID    string `json:"stream_id"`
	FrameNumber int64  `json:"frame_number"`
	Timestamp   string `json:"timestamp,omitempty"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	// FrameData is the base64-encoded JPEG or PNG image.
	FrameData string `json:"frame_data"`

	// PartitionKey is the broker routing identity (Kafka topic or JetStream
	// subject) and selects the batch window.
	PartitionKey string    `json:"-"`
	Position     Position  `json:"-"`
	ReceivedAt   time.Time `json:"-"`
}

// Position is the opaque broker cursor of a record.
type Position struct {
	// Stream is the broker ordering domain: "topic/partition" for Kafka, the
	// subject for JetStream.
	Stream string
	// Offset increases monotonically within Stream.
	Offset int64
	// Handle is the broker-native object needed to acknowledge the record.
	Handle any
}

// String renders the position for logs
func (p Position) String() string {
	return fmt.Sprintf("%s@%d", p.Stream, p.Offset)
}

// Raw is an undecoded record as delivered by a source
type Raw struct {
	Key        string
	Value      []byte
	Position   Position
	ReceivedAt time.Time
}
