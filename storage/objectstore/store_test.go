package objectstore

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/metric"
)

type fakeStatus struct {
	jetstream.ObjectStoreStatus
	size uint64
}

func (f fakeStatus) Size() uint64 { return f.size }

type fakeBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	headers   map[string]string
	putErr    error
	statusErr error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, headers: map[string]string{}}
}

func (f *fakeBucket) Put(_ context.Context, meta jetstream.ObjectMeta, r io.Reader) (*jetstream.ObjectInfo, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[meta.Name] = data
	f.headers[meta.Name] = meta.Headers.Get("Content-Type")
	return &jetstream.ObjectInfo{ObjectMeta: meta, Size: uint64(len(data))}, nil
}

func (f *fakeBucket) Status(context.Context) (jetstream.ObjectStoreStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	var size uint64
	for _, d := range f.objects {
		size += uint64(len(d))
	}
	return fakeStatus{size: size}, nil
}

func TestStore_PutStoresObjectWithContentType(t *testing.T) {
	b := newFakeBucket()
	s, err := newStore(b, "frames")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "annotated/cam1/a.jpg", []byte("a"), "image/jpeg"))
	require.NoError(t, s.Put(ctx, "annotated/cam2/c.jpg", []byte("c"), ""))
	require.NoError(t, s.Put(ctx, "annotated/cam1/a.jpg", []byte("a2"), "image/jpeg"))

	assert.Equal(t, []byte("a2"), b.objects["annotated/cam1/a.jpg"], "put replaces")
	assert.Equal(t, "image/jpeg", b.headers["annotated/cam1/a.jpg"])
	assert.Equal(t, []byte("c"), b.objects["annotated/cam2/c.jpg"])
	assert.Equal(t, "", b.headers["annotated/cam2/c.jpg"])
	assert.Equal(t, "frames", s.Bucket())
}

func TestStore_PutErrors(t *testing.T) {
	b := newFakeBucket()
	s, err := newStore(b, "frames")
	require.NoError(t, err)

	err = s.Put(context.Background(), "", []byte("x"), "image/jpeg")
	assert.True(t, errors.IsInvalid(err))

	b.putErr = stderrors.New("nats: timeout")
	err = s.Put(context.Background(), "k", []byte("x"), "image/jpeg")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
}

func TestStore_Metrics(t *testing.T) {
	registry := metric.NewRegistry()
	b := newFakeBucket()
	s, err := newStore(b, "frames", WithMetrics(registry))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", []byte("abcd"), "image/jpeg"))
	b.putErr = stderrors.New("down")
	_ = s.Put(ctx, "k2", []byte("x"), "image/jpeg")
	require.NoError(t, s.RefreshMetrics(ctx))

	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.writeOps))
	assert.Equal(t, float64(4), testutil.ToFloat64(s.metrics.writeBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.errors.WithLabelValues("put")))
	assert.Equal(t, float64(4), testutil.ToFloat64(s.metrics.storageBytes))

	b.statusErr = stderrors.New("nats: timeout")
	err = s.RefreshMetrics(ctx)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.errors.WithLabelValues("status")))

	// A second store for the same bucket collides on registration
	_, err = newStore(b, "frames", WithMetrics(registry))
	assert.Error(t, err)
}
