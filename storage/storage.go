package storage

import (
	"context"
	"fmt"
	"time"
)

// Store persists binary artifacts under hierarchical "/"-separated keys.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores data at key. Writing an existing key replaces it.
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// KeyTimeLayout formats the capture timestamp of artifact keys
const KeyTimeLayout = "20060102_150405"

// ArtifactKey builds "{prefix}/{streamID}/{YYYYMMDD_HHMMSS}_frame{n}.jpg" with
// the timestamp in UTC.
func ArtifactKey(prefix, streamID string, at time.Time, frameNumber int64) string {
	return fmt.Sprintf("%s/%s/%s_frame%d.jpg", prefix, streamID, at.UTC().Format(KeyTimeLayout), frameNumber)
}
