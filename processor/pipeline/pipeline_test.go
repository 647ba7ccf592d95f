package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	stderrors "errors"
	"image"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/inference"
	"github.com/c360/framestream/message"
	"github.com/c360/framestream/storage"
)

type stubInferer struct {
	resp *inference.Response
	err  error
}

func (s *stubInferer) Infer(context.Context, []message.Record) (*inference.Response, error) {
	return s.resp, s.err
}

type upload struct {
	key         string
	contentType string
	data        []byte
}

type memStore struct {
	mu      sync.Mutex
	uploads []upload
	failAt  int // 1-based upload that fails, 0 never
}

func (m *memStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt > 0 && len(m.uploads)+1 == m.failAt {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "memStore", "Put", "upload")
	}
	m.uploads = append(m.uploads, upload{key: key, contentType: contentType, data: data})
	return nil
}

type resolver struct {
	store storage.Store
	err   error
}

func (r resolver) StoreFor(string) (storage.Store, error) { return r.store, r.err }

func frameData(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func window(t *testing.T, n int) []message.Record {
	data := frameData(t)
	recs := make([]message.Record, n)
	for i := range recs {
		recs[i] = message.Record{StreamID: "cam1", FrameNumber: int64(100 + i), FrameData: data}
	}
	return recs
}

var fixedNow = time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

func newProcessor(inf Inferer, store storage.Store) *Processor {
	return New(inf, resolver{store: store}, "annotated", 90, WithClock(func() time.Time { return fixedNow }))
}

func det(class int) inference.Detection {
	return inference.Detection{X1: 2, Y1: 20, X2: 30, Y2: 40, Confidence: 0.9, ClassID: class, ClassName: "person"}
}

func TestProcess_UploadsOnlyFramesWithDetections(t *testing.T) {
	inf := &stubInferer{resp: &inference.Response{
		StreamID: "cam1",
		Results: []inference.FrameResult{
			{FrameNumber: 100},
			{FrameNumber: 101, Detections: []inference.Detection{det(0), det(1)}},
			{FrameNumber: 102},
		},
		TotalFrames:          3,
		TotalDetections:      2,
		TotalInferenceTimeMs: 12.5,
	}}
	store := &memStore{}

	res, err := newProcessor(inf, store).Process(context.Background(), "video-frames-1", window(t, 3))
	require.NoError(t, err)

	require.Len(t, store.uploads, 1)
	assert.Equal(t, "annotated/cam1/20240304_050607_frame101.jpg", store.uploads[0].key)
	assert.Equal(t, "image/jpeg", store.uploads[0].contentType)
	img, err := jpeg.Decode(bytes.NewReader(store.uploads[0].data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	assert.Equal(t, "cam1", res.StreamID)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, 2, res.Detections)
	assert.Equal(t, 1, res.Uploads)
	assert.InDelta(t, 12.5, res.InferenceTimeMs, 1e-9)
	assert.Positive(t, res.Duration)
}

func TestProcess_NoDetectionsNoUploads(t *testing.T) {
	inf := &stubInferer{resp: &inference.Response{Results: []inference.FrameResult{{FrameNumber: 100}, {FrameNumber: 101}}}}
	store := &memStore{}

	res, err := newProcessor(inf, store).Process(context.Background(), "k", window(t, 2))
	require.NoError(t, err)
	assert.Empty(t, store.uploads)
	assert.Equal(t, 0, res.Uploads)
}

func TestProcess_InferenceFailure(t *testing.T) {
	inf := &stubInferer{err: errors.WrapTransient(errors.ErrInferenceUnavailable, "InferenceClient", "Infer", "predict")}
	store := &memStore{}

	res, err := newProcessor(inf, store).Process(context.Background(), "k", window(t, 4))
	assert.ErrorIs(t, err, errors.ErrInferenceUnavailable)
	assert.Empty(t, store.uploads)
	assert.Equal(t, 4, res.Frames)
}

func TestProcess_UploadFailureKeepsEarlierArtifacts(t *testing.T) {
	inf := &stubInferer{resp: &inference.Response{Results: []inference.FrameResult{
		{FrameNumber: 100, Detections: []inference.Detection{det(0)}},
		{FrameNumber: 101, Detections: []inference.Detection{det(0)}},
		{FrameNumber: 102, Detections: []inference.Detection{det(0)}},
	}}}
	store := &memStore{failAt: 2}

	res, err := newProcessor(inf, store).Process(context.Background(), "k", window(t, 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.Len(t, store.uploads, 1)
	assert.Equal(t, 1, res.Uploads)
}

func TestProcess_UnknownFrameSkipped(t *testing.T) {
	inf := &stubInferer{resp: &inference.Response{Results: []inference.FrameResult{
		{FrameNumber: 999, Detections: []inference.Detection{det(0)}},
	}}}
	store := &memStore{}

	res, err := newProcessor(inf, store).Process(context.Background(), "k", window(t, 1))
	require.NoError(t, err)
	assert.Empty(t, store.uploads)
	assert.Equal(t, 0, res.Uploads)
}

func TestProcess_UndecodableFrameSkipped(t *testing.T) {
	inf := &stubInferer{resp: &inference.Response{Results: []inference.FrameResult{
		{FrameNumber: 100, Detections: []inference.Detection{det(0)}},
		{FrameNumber: 101, Detections: []inference.Detection{det(0)}},
		{FrameNumber: 102, Detections: []inference.Detection{det(0)}},
	}}}
	recs := window(t, 3)
	recs[1].FrameData = "!!!corrupt!!!"
	store := &memStore{}

	res, err := newProcessor(inf, store).Process(context.Background(), "k", recs)
	require.NoError(t, err)
	require.Len(t, store.uploads, 2)
	assert.Equal(t, "annotated/cam1/20240304_050607_frame100.jpg", store.uploads[0].key)
	assert.Equal(t, "annotated/cam1/20240304_050607_frame102.jpg", store.uploads[1].key)
	assert.Equal(t, 2, res.Uploads)
}

func TestProcess_NonImageFrameSkipped(t *testing.T) {
	inf := &stubInferer{resp: &inference.Response{Results: []inference.FrameResult{
		{FrameNumber: 100, Detections: []inference.Detection{det(0)}},
		{FrameNumber: 101, Detections: []inference.Detection{det(0)}},
	}}}
	recs := window(t, 2)
	recs[0].FrameData = base64.StdEncoding.EncodeToString([]byte("not an image"))
	store := &memStore{}

	res, err := newProcessor(inf, store).Process(context.Background(), "k", recs)
	require.NoError(t, err)
	require.Len(t, store.uploads, 1)
	assert.Equal(t, "annotated/cam1/20240304_050607_frame101.jpg", store.uploads[0].key)
	assert.Equal(t, 1, res.Uploads)
}

func TestProcess_NoStoreForKey(t *testing.T) {
	inf := &stubInferer{resp: &inference.Response{}}
	p := New(inf, resolver{err: stderrors.New("no store")}, "annotated", 90)

	_, err := p.Process(context.Background(), "k", window(t, 1))
	assert.Error(t, err)
}
