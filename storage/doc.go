// Package storage persists annotated frames.
//
// Store is the single-operation backend contract (Put with a content type).
// RetryingStore adds the bounded upload retry, Router maps every configured
// source key to a destination and the store bound to it, and ArtifactKey
// builds the object key of an annotated frame:
//
//	annotated/cam1/20240102_150405_frame42.jpg
//
// The NATS JetStream ObjectStore backend lives in storage/objectstore; one
// bucket is opened per destination.
package storage
