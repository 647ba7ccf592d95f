// Package events publishes one summary event per finished batch to NATS or
// MQTT, encoded as JSON or MessagePack.
//
// Emission is best effort: a failed publish is logged and counted, never
// retried, and never fails the batch.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/errors"
)

// Batch statuses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// BatchEvent summarises one processed window
type BatchEvent struct {
	WindowID        string    `json:"window_id" msgpack:"window_id"`
	Key             string    `json:"key" msgpack:"key"`
	StreamID        string    `json:"stream_id,omitempty" msgpack:"stream_id,omitempty"`
	Status          string    `json:"status" msgpack:"status"`
	Frames          int       `json:"frames" msgpack:"frames"`
	Detections      int       `json:"total_detections" msgpack:"total_detections"`
	Uploads         int       `json:"uploads" msgpack:"uploads"`
	InferenceTimeMs float64   `json:"inference_time_ms" msgpack:"inference_time_ms"`
	DurationSeconds float64   `json:"processing_time_seconds" msgpack:"processing_time_seconds"`
	Error           string    `json:"error,omitempty" msgpack:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp" msgpack:"timestamp"`
}

// Encode serialises ev with the named encoding
func Encode(ev BatchEvent, encoding string) ([]byte, error) {
	switch encoding {
	case config.EncodingJSON, "":
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Events", "Encode", "marshal json")
		}
		return data, nil
	case config.EncodingMsgpack:
		data, err := msgpack.Marshal(ev)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Events", "Encode", "marshal msgpack")
		}
		return data, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: encoding %q", errors.ErrInvalidConfig, encoding),
			"Events", "Encode", "select encoding")
	}
}

// Decode is the inverse of Encode
func Decode(data []byte, encoding string) (BatchEvent, error) {
	var ev BatchEvent
	var err error
	switch encoding {
	case config.EncodingJSON, "":
		err = json.Unmarshal(data, &ev)
	case config.EncodingMsgpack:
		err = msgpack.Unmarshal(data, &ev)
	default:
		err = fmt.Errorf("%w: encoding %q", errors.ErrInvalidConfig, encoding)
	}
	if err != nil {
		return BatchEvent{}, errors.WrapInvalid(err, "Events", "Decode", "unmarshal event")
	}
	return ev, nil
}
