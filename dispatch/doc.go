// Package dispatch is the multi-stream batch dispatcher.
//
// Records are grouped into one open Window per partition key by the
// WindowManager. A window triggers when it holds batch.max_size records or its
// first record is batch.max_age old. The Dispatcher runs triggered windows on
// a fixed worker pool and allows at most one window per key in flight; while
// a key is busy its open window keeps growing. Every accepted window yields
// exactly one Completion on the completion channel.
//
// The Coordinator turns completions into broker commits. A commit is
// authorised only at a quiescent point: something resolved since the last
// commit and no submitted window outstanding. Progress therefore never moves
// past a record whose batch is still running, which gives at-least-once
// processing.
//
// Only the control loop touches the WindowManager's trigger/take cycle and
// the Coordinator; workers communicate through the completion channel and the
// per-key in-flight flags.
package dispatch
