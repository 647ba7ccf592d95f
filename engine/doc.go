// Package engine runs the framestream control loop.
//
// # Lifecycle
//
//	Stopped ──Start()──> Starting ──> Running ──ctx cancelled──> Draining ──> Stopped
//
// Start pings the broker, probes the inference endpoint (fatal only when
// inference.require_healthy is set) and starts the worker pool sized to the
// key count. A failure at any point is fatal and the engine stays Stopped.
//
// Run is the poll loop. Each iteration polls at most one record with a
// bounded wait:
//
//   - a record is decoded and appended to its key's window; a record that
//     cannot be decoded or routed is logged, dropped and resolved for commit
//   - a window that reached its size is submitted unless its key is in flight
//   - on an idle poll, and at least once per poll timeout, every key's age
//     trigger is evaluated
//   - completions are moved into the coordinator, and progress is committed
//     when the coordinator reports a quiescent point
//
// Poll errors are logged and the loop continues; a fatal source error drains
// the engine and is returned from Run.
//
// # Draining
//
// When the Run context is cancelled, polling stops. Every non-empty window is
// submitted as soon as its key is free, outstanding windows are awaited up to
// shutdown.drain_timeout, the rest are abandoned with an error log, progress
// is committed a final time and the source and all resources are closed.
//
// # Wiring
//
// Build connects the configured broker source, the NATS connection, one
// object store bucket per storage destination, the inference client and the
// optional batch event sink, and serves metrics and health when enabled.
// Tests construct engines with New and fakes instead.
//
// An Engine runs once; build a new one to run again.
package engine
