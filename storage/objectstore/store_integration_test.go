//go:build integration

package objectstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/natsclient"
	"github.com/c360/framestream/storage"
	"github.com/c360/framestream/storage/objectstore"
)

func TestIntegration_Put(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := objectstore.NewStore(ctx, tc.Client, "annotated-frames", true)
	require.NoError(t, err)

	key := storage.ArtifactKey("annotated", "cam1", time.Now(), 7)
	require.NoError(t, store.Put(ctx, key, []byte{0xff, 0xd8, 0xff}, "image/jpeg"))

	bucket, err := tc.Client.ObjectStore(ctx, "annotated-frames", false)
	require.NoError(t, err)
	data, err := bucket.GetBytes(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)

	info, err := bucket.GetInfo(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", info.Headers.Get("Content-Type"))

	require.NoError(t, store.RefreshMetrics(ctx))
}

func TestIntegration_MissingBucketIsFatal(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := objectstore.NewStore(ctx, tc.Client, "does-not-exist", false)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrBucketNotFound)
}
