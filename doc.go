// Package framestream batches video frames from a message broker, runs them
// through an external inference endpoint and stores annotated frames.
//
// # Data flow
//
//	broker (Kafka topics or JetStream subjects)
//	   │ poll, one record at a time
//	   ▼
//	engine ── decode (message) ── malformed ──> dropped, resolved for commit
//	   │
//	   ▼
//	dispatch.WindowManager   one open window per key, triggers at
//	   │                     batch.max_size records or batch.max_age
//	   ▼
//	dispatch.Dispatcher      worker pool, at most one window per key in flight
//	   │
//	   ▼
//	processor/pipeline       inference (chunked, retried) ─> annotate ─> object store
//	   │
//	   ▼
//	completion channel ──> dispatch.Coordinator ──> broker commit at quiescent points
//
// Progress is committed only when no submitted window is outstanding, so a
// record is never acknowledged before its batch finished. Delivery is
// at-least-once: a crash between upload and commit reprocesses the batch.
//
// # Packages
//
//   - config: viper-based configuration, validated once at startup
//   - message: frame records, broker positions and the schema-validating decoder
//   - input: the Source contract, with kafka (franz-go) and jetstream sources
//   - natsclient: the shared NATS connection with circuit breaker and metrics
//   - inference: the HTTP inference client
//   - annotate: box and label rendering, JPEG encoding
//   - storage: artifact keys, destination routing, retrying uploads, and the
//     objectstore implementation on NATS JetStream object stores
//   - processor/pipeline: the per-window batch processor
//   - dispatch: windows, the dispatcher and the commit coordinator
//   - output/events: optional per-batch events over NATS or MQTT
//   - engine: lifecycle and the control loop
//   - errors, metric, health, pkg/retry, pkg/worker: shared infrastructure
//
// The binary lives in cmd/framestream.
package framestream
