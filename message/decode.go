package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/framestream/errors"
)

// RecordSchema is the JSON schema every inbound frame must satisfy
const RecordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["stream_id", "frame_number", "frame_data"],
  "properties": {
    "stream_id":    {"type": "string", "minLength": 1},
    "frame_number": {"type": "integer", "minimum": 0},
    "timestamp":    {"type": ["string", "null"]},
    "width":        {"type": "integer", "minimum": 0},
    "height":       {"type": "integer", "minimum": 0},
    "frame_data":   {"type": "string", "minLength": 1}
  }
}`

// Decoder validates and decodes raw broker payloads. It is safe for
// concurrent use.
type Decoder struct {
	schema *gojsonschema.Schema
}

// NewDecoder compiles RecordSchema
func NewDecoder() (*Decoder, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(RecordSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "Decoder", "NewDecoder", "compile record schema")
	}
	return &Decoder{schema: schema}, nil
}

// Decode validates raw.Value against the schema and returns the record with
// its routing key and position attached. Every failure is classified invalid:
// the record is malformed and must be dropped, never retried.
func (d *Decoder) Decode(raw Raw) (Record, error) {
	if !json.Valid(raw.Value) {
		return Record{}, errors.WrapInvalid(errors.ErrParsingFailed, "Decoder", "Decode",
			fmt.Sprintf("parse json at %s", raw.Position))
	}

	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(raw.Value))
	if err != nil {
		return Record{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Decoder", "Decode", "validate record")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidData, strings.Join(msgs, "; ")),
			"Decoder", "Decode", "validate record")
	}

	var rec Record
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return Record{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Decoder", "Decode", "unmarshal record")
	}

	if _, err := base64.StdEncoding.DecodeString(rec.FrameData); err != nil {
		return Record{}, errors.WrapInvalid(fmt.Errorf("%w: frame_data: %v", errors.ErrInvalidData, err),
			"Decoder", "Decode", "decode frame data")
	}

	rec.PartitionKey = raw.Key
	rec.Position = raw.Position
	rec.ReceivedAt = raw.ReceivedAt
	return rec, nil
}
