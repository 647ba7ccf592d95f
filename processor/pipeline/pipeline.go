// Package pipeline is the batch processor run by every dispatcher worker:
// inference over the whole window, then annotate and upload each frame that
// has at least one detection.
//
// A frame whose data cannot be decoded is logged and skipped. Any other
// failure fails the batch; artifacts uploaded before it stay in the store.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/c360/framestream/annotate"
	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/inference"
	"github.com/c360/framestream/message"
	"github.com/c360/framestream/storage"
)

// Inferer runs detection over a window's records
type Inferer interface {
	Infer(ctx context.Context, records []message.Record) (*inference.Response, error)
}

// StoreResolver returns the artifact store of a source key
type StoreResolver interface {
	StoreFor(key string) (storage.Store, error)
}

// Result summarises a processed batch
type Result struct {
	StreamID        string
	Frames          int
	Detections      int
	Uploads         int
	InferenceTimeMs float64
	Duration        time.Duration
}

// Processor turns a window into annotated artifacts. Safe for concurrent use.
type Processor struct {
	inferer     Inferer
	stores      StoreResolver
	prefix      string
	jpegQuality int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Processor
type Option func(*Processor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source used for artifact keys
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a processor uploading under prefix with the given JPEG quality
func New(inferer Inferer, stores StoreResolver, prefix string, jpegQuality int, opts ...Option) *Processor {
	p := &Processor{
		inferer:     inferer,
		stores:      stores,
		prefix:      prefix,
		jpegQuality: jpegQuality,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

// Process runs the batch for key. The returned Result is filled as far as
// processing got, also on error.
func (p *Processor) Process(ctx context.Context, key string, records []message.Record) (Result, error) {
	start := time.Now()
	res := Result{Frames: len(records)}
	if len(records) > 0 {
		res.StreamID = records[0].StreamID
	}

	store, err := p.stores.StoreFor(key)
	if err != nil {
		return p.finish(res, start), err
	}

	resp, err := p.inferer.Infer(ctx, records)
	if err != nil {
		return p.finish(res, start), err
	}
	res.Detections = resp.TotalDetections
	res.InferenceTimeMs = resp.TotalInferenceTimeMs

	byFrame := make(map[int64]int, len(records))
	for i := range records {
		if _, dup := byFrame[records[i].FrameNumber]; !dup {
			byFrame[records[i].FrameNumber] = i
		}
	}

	for _, fr := range resp.Results {
		if len(fr.Detections) == 0 {
			continue
		}
		idx, ok := byFrame[fr.FrameNumber]
		if !ok {
			p.logger.Warn("inference result for unknown frame", "key", key, "frame_number", fr.FrameNumber)
			continue
		}
		rec := &records[idx]

		img, err := annotate.Decode(rec.FrameData)
		if err != nil {
			p.logger.Warn("dropping undecodable frame",
				"key", key, "frame_number", rec.FrameNumber, "position", rec.Position.String(), "error", err)
			continue
		}
		if err := p.annotateAndUpload(ctx, store, rec, img, fr.Detections); err != nil {
			return p.finish(res, start), err
		}
		res.Uploads++
	}

	return p.finish(res, start), nil
}

func (p *Processor) annotateAndUpload(
	ctx context.Context, store storage.Store, rec *message.Record, img image.Image, dets []inference.Detection,
) error {
	data, err := annotate.Encode(annotate.Draw(img, dets), p.jpegQuality)
	if err != nil {
		return err
	}

	objectKey := storage.ArtifactKey(p.prefix, rec.StreamID, p.now(), rec.FrameNumber)
	if err := store.Put(ctx, objectKey, data, annotate.ContentType); err != nil {
		return errors.Wrap(err, "Pipeline", "Process", fmt.Sprintf("upload frame %d", rec.FrameNumber))
	}
	p.logger.Debug("uploaded annotated frame", "object_key", objectKey, "detections", len(dets))
	return nil
}

func (p *Processor) finish(res Result, start time.Time) Result {
	res.Duration = time.Since(start)
	return res
}
