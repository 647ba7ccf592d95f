// Package errors provides the error taxonomy shared by every framestream package.
//
// # Classification
//
// Errors fall into three classes that drive handling decisions:
//
//   - Transient: network hiccups, 5xx responses, broker reconnects. Retried with
//     bounded exponential backoff (see pkg/retry); exhaustion fails the batch.
//   - Invalid: undecodable records, rejected inference requests, unknown keys.
//     Logged and dropped, never retried.
//   - Fatal: invalid configuration, unreachable broker or store at startup.
//     Aborts startup and is returned to the supervisor.
//
// Batch failures are not a class of their own; they are the outcome of a transient
// error that exhausted its retries, or of an invalid error raised while processing
// a batch, and are reported with ErrBatchFailed.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: %w":
//
//	return errors.WrapTransient(err, "Client", "Infer", "post chunk")
//	return errors.WrapInvalid(err, "Decoder", "Decode", "unmarshal record")
//	return errors.WrapFatal(err, "Engine", "Start", "connect broker")
//
// The wrapped value keeps the chain intact for errors.Is and errors.As:
//
//	var ce *errors.ClassifiedError
//	if errors.As(err, &ce) {
//	    logger.Warn("classified failure", "class", ce.Class, "component", ce.Component)
//	}
package errors
