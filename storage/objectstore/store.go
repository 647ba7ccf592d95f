// Package objectstore stores annotated frames in a NATS JetStream
// ObjectStore bucket.
//
// One Store serves one bucket and only writes: object names are the artifact
// keys and the content type travels as the Content-Type header of the
// object. Put replaces an existing object of the same name.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/metric"
	"github.com/c360/framestream/natsclient"
	"github.com/c360/framestream/storage"
)

var _ storage.Store = (*Store)(nil)

// bucket is the part of jetstream.ObjectStore the store uses
type bucket interface {
	Put(ctx context.Context, meta jetstream.ObjectMeta, reader io.Reader) (*jetstream.ObjectInfo, error)
	Status(ctx context.Context) (jetstream.ObjectStoreStatus, error)
}

// Store is a storage.Store backed by one ObjectStore bucket
type Store struct {
	bucket  bucket
	name    string
	logger  *slog.Logger
	metrics *storeMetrics
}

// Option configures a Store
type Option func(*Store) error

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMetrics exports per-bucket metrics to registry
func WithMetrics(registry *metric.Registry) Option {
	return func(s *Store) error {
		m, err := newStoreMetrics(registry, s.name)
		if err != nil {
			return err
		}
		s.metrics = m
		return nil
	}
}

// NewStore opens bucket, creating it when create is set. A missing bucket
// without create is fatal.
func NewStore(ctx context.Context, client *natsclient.Client, name string, create bool, opts ...Option) (*Store, error) {
	obj, err := client.ObjectStore(ctx, name, create)
	if err != nil {
		return nil, err
	}
	return newStore(obj, name, opts...)
}

func newStore(b bucket, name string, opts ...Option) (*Store, error) {
	s := &Store{bucket: b, name: name, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.WrapFatal(err, "ObjectStore", "NewStore", "apply option")
		}
	}
	s.logger = s.logger.With("component", "objectstore", "bucket", name)
	return s, nil
}

// Bucket returns the bucket name
func (s *Store) Bucket() string {
	return s.name
}

// Put uploads data as object key
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "ObjectStore", "Put", "check key")
	}

	start := time.Now()
	meta := jetstream.ObjectMeta{Name: key}
	if contentType != "" {
		meta.Headers = nats.Header{"Content-Type": []string{contentType}}
	}

	if _, err := s.bucket.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		s.metrics.recordError("put")
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"ObjectStore", "Put", fmt.Sprintf("put %s", key))
	}
	s.metrics.recordWrite(len(data), time.Since(start).Seconds())
	s.logger.Debug("uploaded object", "key", key, "bytes", len(data))
	return nil
}

// RefreshMetrics updates the bucket size gauge from the server status
func (s *Store) RefreshMetrics(ctx context.Context) error {
	status, err := s.bucket.Status(ctx)
	if err != nil {
		s.metrics.recordError("status")
		return errors.WrapTransient(err, "ObjectStore", "RefreshMetrics", "fetch bucket status")
	}
	s.metrics.updateStorageBytes(float64(status.Size()))
	return nil
}
